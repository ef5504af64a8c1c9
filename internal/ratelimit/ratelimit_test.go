package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	clock := quartz.NewMock(t)
	l := New(map[Category]Rule{Claim: {Limit: 3, Window: 5 * time.Second}}, clock)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("conn-1", Claim), "attempt %d", i)
	}
	assert.False(t, l.Allow("conn-1", Claim))
	assert.Equal(t, 3, l.Count("conn-1", Claim))

	// a different key has its own window
	assert.True(t, l.Allow("conn-2", Claim))
}

func TestWindowSlides(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	l := New(map[Category]Rule{General: {Limit: 2, Window: 10 * time.Second}}, clock)

	assert.True(t, l.Allow("c", General))
	clock.Advance(6 * time.Second).MustWait(ctx)
	assert.True(t, l.Allow("c", General))
	assert.False(t, l.Allow("c", General))

	// first attempt leaves the window, second is still inside it
	clock.Advance(5 * time.Second).MustWait(ctx)
	assert.True(t, l.Allow("c", General))
	assert.False(t, l.Allow("c", General))
}

func TestCategoriesIndependent(t *testing.T) {
	clock := quartz.NewMock(t)
	l := New(DefaultRules(), clock)

	for i := 0; i < 3; i++ {
		l.Allow("c", Claim)
	}
	assert.False(t, l.Allow("c", Claim))
	assert.True(t, l.Allow("c", Join))
	assert.True(t, l.Allow("c", General))
	assert.True(t, l.Allow("c", Category("unlimited")))
}

func TestForgetAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	l := New(DefaultRules(), clock)

	l.Allow("a", General)
	l.Allow("a", Join)
	l.Allow("b", General)
	assert.Equal(t, 3, l.Len())

	l.Forget("a")
	assert.Equal(t, 1, l.Len())

	clock.Advance(11 * time.Second).MustWait(ctx)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Len())
}
