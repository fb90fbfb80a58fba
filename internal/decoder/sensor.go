package decoder

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/goevery/intercept/internal/broadcaster"
)

// parseSensor handles one rtl_433 JSON record. The model names the protocol,
// id (or channel when there is no id) becomes the address, and every other
// field lands in the payload. Nested objects and arrays are kept as compact
// JSON text.
func parseSensor(line string) (broadcaster.Message, bool) {
	if !strings.HasPrefix(line, "{") {
		return broadcaster.Message{}, false
	}

	decoder := json.NewDecoder(strings.NewReader(line))
	decoder.UseNumber()

	var record map[string]json.RawMessage
	if err := decoder.Decode(&record); err != nil {
		return broadcaster.Message{}, false
	}

	if decoder.More() {
		return broadcaster.Message{}, false
	}

	model, ok := scalar(record["model"])
	if !ok {
		return broadcaster.Message{}, false
	}

	modelName, isString := model.Str()
	if !isString || modelName == "" {
		return broadcaster.Message{}, false
	}

	address := ""
	addressKey := ""
	for _, key := range []string{"id", "channel"} {
		if value, ok := scalar(record[key]); ok {
			address = value.String()
			addressKey = key
			break
		}
	}

	fields := make(map[string]broadcaster.Value, len(record))
	for key, raw := range record {
		if key == "model" || key == addressKey {
			continue
		}

		if value, ok := scalar(raw); ok {
			fields[key] = value
			continue
		}

		if compact, ok := compactJSON(raw); ok {
			fields[key] = broadcaster.String(compact)
		}
	}

	return broadcaster.Message{
		Protocol: modelName,
		Address:  address,
		Payload:  broadcaster.NewPayload(fields),
	}, true
}

// scalar converts a JSON string, number or boolean. Null, objects, arrays and
// missing values report false.
func scalar(raw json.RawMessage) (broadcaster.Value, bool) {
	if len(raw) == 0 {
		return broadcaster.Value{}, false
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return broadcaster.Value{}, false
	}

	switch typed := value.(type) {
	case string:
		return broadcaster.String(typed), true
	case bool:
		return broadcaster.Bool(typed), true
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return broadcaster.String(typed.String()), true
		}
		return broadcaster.Number(f), true
	default:
		return broadcaster.Value{}, false
	}
}

func compactJSON(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", false
	}

	return buf.String(), true
}
