// Package decoder turns single output lines of the external decoders into
// broadcaster messages. Everything here is pure: no I/O, no clocks, no state.
package decoder

import (
	"strings"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
)

// ParseLine parses one complete line emitted by the decoder of source. The
// second return value is false for anything that is not a decoded event:
// blank lines, tool status output, garbled or partial records.
func ParseLine(source broadcaster.Source, line string, at time.Time) (broadcaster.Message, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return broadcaster.Message{}, false
	}

	var (
		message broadcaster.Message
		ok      bool
	)

	switch source {
	case broadcaster.SourcePager:
		message, ok = parsePager(trimmed)
	case broadcaster.SourceSensor:
		message, ok = parseSensor(trimmed)
	}

	if !ok {
		return broadcaster.Message{}, false
	}

	message.Source = source
	message.Timestamp = at
	message.Raw = line

	return message, true
}
