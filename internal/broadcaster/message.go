package broadcaster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

type Source string

const (
	SourcePager  Source = "pager"
	SourceSensor Source = "sensor"
)

var Sources = []Source{SourcePager, SourceSensor}

func ParseSource(s string) (Source, bool) {
	switch Source(s) {
	case SourcePager, SourceSensor:
		return Source(s), true
	default:
		return "", false
	}
}

// Message is a single decoded event. It is treated as immutable once it has
// been published and is shared by every subscriber.
type Message struct {
	Id        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Source    Source    `json:"source"`
	Protocol  string    `json:"protocol"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address"`
	Payload   Payload   `json:"payload"`
	Raw       string    `json:"raw"`
}

type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
)

// Value is one payload field: a string, a number or a boolean.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// String renders the value the way it appears in the durable log.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch typed := raw.(type) {
	case string:
		*v = String(typed)
	case float64:
		*v = Number(typed)
	case bool:
		*v = Bool(typed)
	default:
		return fmt.Errorf("unsupported payload value %s", bytes.TrimSpace(data))
	}

	return nil
}

// Payload maps field names to values. It has no mutators, so a published
// message can be shared without copying.
type Payload struct {
	fields map[string]Value
}

// NewPayload copies fields into a new Payload.
func NewPayload(fields map[string]Value) Payload {
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	return Payload{fields: copied}
}

func (p Payload) Get(key string) (Value, bool) {
	v, ok := p.fields[key]
	return v, ok
}

// Text is a shortcut for the "text" field carried by pager messages.
func (p Payload) Text() string {
	v, ok := p.fields["text"]
	if !ok {
		return ""
	}

	return v.String()
}

func (p Payload) Len() int {
	return len(p.fields)
}

// Keys returns the field names in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p.fields))
	for k := range p.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.fields == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(p.fields)
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var fields map[string]Value
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if fields == nil {
		return errors.New("payload must be an object")
	}

	p.fields = fields

	return nil
}
