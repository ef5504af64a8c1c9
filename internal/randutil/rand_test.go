package randutil

import "testing"

func TestNewDeterministic(t *testing.T) {
	a, b := New(42), New(42)
	for i := 0; i < 100; i++ {
		if x, y := a.IntN(75), b.IntN(75); x != y {
			t.Fatalf("draw %d differs: %d != %d", i, x, y)
		}
	}
}

func TestNewSecureDiffers(t *testing.T) {
	a, b := NewSecure(), NewSecure()
	same := 0
	for i := 0; i < 32; i++ {
		if a.Uint64() == b.Uint64() {
			same++
		}
	}
	if same == 32 {
		t.Fatal("two secure sources produced identical streams")
	}
}
