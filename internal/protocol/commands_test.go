package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoundID = "01927b4e-8f3a-7cde-9abc-0123456789ab"

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	require.NoError(t, err)
	return d
}

func TestDecodeCommands(t *testing.T) {
	d := newTestDecoder(t)
	tests := []struct {
		name  string
		frame string
		want  Command
	}{
		{"get rooms", `{"type":"get_rooms"}`, GetRooms{}},
		{"get balance with empty data", `{"type":"get_balance","data":{}}`, GetBalance{}},
		{"check active round", `{"type":"check_active_round","timestamp":"2025-01-01T00:00:00Z"}`, CheckActiveRound{}},
		{"join room", `{"type":"join_room","data":{"roomId":"classic-10"}}`, JoinRoom{RoomID: "classic-10"}},
		{"select board", `{"type":"select_board","data":{"roundId":"` + testRoundID + `","boardNumber":17}}`,
			SelectBoard{RoundID: testRoundID, BoardNumber: 17}},
		{"claim without marks", `{"type":"claim_bingo","data":{"roundId":"` + testRoundID + `"}}`,
			ClaimBingo{RoundID: testRoundID}},
		{"claim with marks", `{"type":"claim_bingo","data":{"roundId":"` + testRoundID + `","markedNumbers":[1,16,75]}}`,
			ClaimBingo{RoundID: testRoundID, MarkedNumbers: []int{1, 16, 75}}},
		{"leave", `{"type":"leave_round","data":{"roundId":"` + testRoundID + `"}}`, LeaveRound{RoundID: testRoundID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := d.Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Command)
			assert.Equal(t, tt.want.CommandType(), req.Command.CommandType())
		})
	}
}

func TestDecodeKeepsRequestID(t *testing.T) {
	d := newTestDecoder(t)
	req, err := d.Decode([]byte(`{"type":"get_rooms","requestId":"abc-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc-1", req.RequestID)
}

func TestDecodeRejects(t *testing.T) {
	d := newTestDecoder(t)
	marks := make([]string, 76)
	for i := range marks {
		marks[i] = "1"
	}
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"deposit"}`},
		{"unknown envelope field", `{"type":"get_rooms","admin":true}`},
		{"data on empty command", `{"type":"get_rooms","data":{"x":1}}`},
		{"missing room", `{"type":"join_room","data":{}}`},
		{"bad room id", `{"type":"join_room","data":{"roomId":"../etc"}}`},
		{"board zero", `{"type":"select_board","data":{"roundId":"` + testRoundID + `","boardNumber":0}}`},
		{"board fractional", `{"type":"select_board","data":{"roundId":"` + testRoundID + `","boardNumber":1.5}}`},
		{"board as string", `{"type":"select_board","data":{"roundId":"` + testRoundID + `","boardNumber":"3"}}`},
		{"round not uuid", `{"type":"leave_round","data":{"roundId":"round-1"}}`},
		{"mark out of range", `{"type":"claim_bingo","data":{"roundId":"` + testRoundID + `","markedNumbers":[76]}}`},
		{"duplicate marks", `{"type":"claim_bingo","data":{"roundId":"` + testRoundID + `","markedNumbers":[4,4]}}`},
		{"too many marks", `{"type":"claim_bingo","data":{"roundId":"` + testRoundID + `","markedNumbers":[` + strings.Join(marks, ",") + `]}}`},
		{"extra field", `{"type":"leave_round","data":{"roundId":"` + testRoundID + `","refund":true}}`},
		{"oversized", `{"type":"get_rooms","requestId":"` + strings.Repeat("x", MaxMessageSize) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestEncodeMessage(t *testing.T) {
	msg := NewMessage(TypeNumberCalled, NumberCalled{RoundID: testRoundID, Letter: "B", Number: 7, Order: 1, History: []int{7}}).Reply("r-9")
	raw, err := Encode(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeNumberCalled, decoded["type"])
	assert.Equal(t, "r-9", decoded["requestId"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "B", data["letter"])
	assert.EqualValues(t, 7, data["number"])
	assert.NotEmpty(t, decoded["timestamp"])
}
