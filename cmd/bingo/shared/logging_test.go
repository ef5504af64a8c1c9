package shared

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		debug bool
		want  zerolog.Level
	}{
		{"info", false, zerolog.InfoLevel},
		{"WARN", false, zerolog.WarnLevel},
		{" error ", false, zerolog.ErrorLevel},
		{"warn", true, zerolog.DebugLevel},
		{"", false, zerolog.InfoLevel},
		{"verbose", false, zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.name, tt.debug), "%q debug=%v", tt.name, tt.debug)
	}
}
