package server

import (
	"io"

	"github.com/rs/zerolog"
)

// testLogger discards output so websocket tests stay quiet.
func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
