package decoder

import (
	"regexp"
	"strings"

	"github.com/goevery/intercept/internal/broadcaster"
)

const (
	noMessageText = "[No Message]"
	toneOnlyText  = "[Tone Only]"
)

var (
	delimitedProtocol = regexp.MustCompile(`^(POCSAG\d+|FLEX)$`)
	numericAddress    = regexp.MustCompile(`^\d+$`)

	pocsagMessage = regexp.MustCompile(
		`^(POCSAG\d+):\s*Address:\s*(\d+)\s+Function:\s*(\d+)\s+(Alpha|Numeric):\s*(.*)$`)
	pocsagAddressOnly = regexp.MustCompile(
		`^(POCSAG\d+):\s*Address:\s*(\d+)\s+Function:\s*(\d+)\s*$`)
	flexMessage = regexp.MustCompile(
		`^FLEX[:|]\s*[\d\-]+[\s|]+[\d:]+[\s|]+([\d/A-Z]+)[\s|]+([\d.]+)[\s|]+\[?(\d+)\]?[\s|]+(\w+)[\s|]+(.*)$`)
	flexSimple = regexp.MustCompile(`^FLEX:\s*(.+)$`)
)

func parsePager(line string) (broadcaster.Message, bool) {
	if message, ok := parseDelimitedPage(line); ok {
		return message, true
	}

	if m := pocsagMessage.FindStringSubmatch(line); m != nil {
		return page(m[1], m[2], map[string]broadcaster.Value{
			"text":     broadcaster.String(orDefault(strings.TrimSpace(m[5]), noMessageText)),
			"function": broadcaster.String(m[3]),
			"type":     broadcaster.String(m[4]),
		}), true
	}

	if m := pocsagAddressOnly.FindStringSubmatch(line); m != nil {
		return page(m[1], m[2], map[string]broadcaster.Value{
			"text":     broadcaster.String(toneOnlyText),
			"function": broadcaster.String(m[3]),
			"type":     broadcaster.String("Tone"),
		}), true
	}

	if m := flexMessage.FindStringSubmatch(line); m != nil {
		return page("FLEX", m[3], map[string]broadcaster.Value{
			"text":     broadcaster.String(orDefault(strings.TrimSpace(m[5]), noMessageText)),
			"function": broadcaster.String(m[1]),
			"type":     broadcaster.String(m[4]),
		}), true
	}

	if m := flexSimple.FindStringSubmatch(line); m != nil {
		return page("FLEX", "Unknown", map[string]broadcaster.Value{
			"text": broadcaster.String(strings.TrimSpace(m[1])),
			"type": broadcaster.String("Unknown"),
		}), true
	}

	return broadcaster.Message{}, false
}

// parseDelimitedPage handles PROTOCOL|ADDRESS|TEXT. The text is kept verbatim
// and may itself contain the delimiter.
func parseDelimitedPage(line string) (broadcaster.Message, bool) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return broadcaster.Message{}, false
	}

	if !delimitedProtocol.MatchString(parts[0]) || !numericAddress.MatchString(parts[1]) {
		return broadcaster.Message{}, false
	}

	return page(parts[0], parts[1], map[string]broadcaster.Value{
		"text": broadcaster.String(parts[2]),
	}), true
}

func page(protocol, address string, fields map[string]broadcaster.Value) broadcaster.Message {
	return broadcaster.Message{
		Protocol: protocol,
		Address:  address,
		Payload:  broadcaster.NewPayload(fields),
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}

	return s
}
