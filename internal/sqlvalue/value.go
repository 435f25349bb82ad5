package sqlvalue

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"
)

// Type is one of SQLite's storage classes.
type Type string

// Storage classes.
const (
	Null    Type = "null"
	Integer Type = "integer"
	Real    Type = "real"
	Text    Type = "text"
	Blob    Type = "blob"
)

// Value is a typed scalar as stored in a SQLite cell.
type Value struct {
	Type Type
	Int  int64
	Real float64
	Text string
	Blob []byte
}

func NullValue() Value { return Value{Type: Null} }

func IntValue(v int64) Value { return Value{Type: Integer, Int: v} }

func RealValue(v float64) Value { return Value{Type: Real, Real: v} }

func TextValue(v string) Value { return Value{Type: Text, Text: v} }

func BlobValue(v []byte) Value { return Value{Type: Blob, Blob: v} }

// IsNull reports whether v is SQL NULL. The zero Value is NULL.
func (v Value) IsNull() bool { return v.Type == Null || v.Type == "" }

func (v Value) String() string { return fmt.Sprint(v.Arg()) }

// Equal compares storage class and content.
func (v Value) Equal(o Value) bool {
	if v.IsNull() || o.IsNull() {
		return v.IsNull() == o.IsNull()
	}
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case Integer:
		return v.Int == o.Int
	case Real:
		return v.Real == o.Real
	case Text:
		return v.Text == o.Text
	default:
		return bytes.Equal(v.Blob, o.Blob)
	}
}

// FromDriver converts a value scanned into an *any from the sqlite3 driver.
//
// The driver decodes DATE, DATETIME and TIMESTAMP columns into time.Time
// and BOOLEAN columns into bool. Reads select such columns through an
// expression so the stored scalar arrives instead; a time.Time or bool
// reaching this point is rendered as text or an integer, see formatTime.
func FromDriver(v any) Value {
	switch x := v.(type) {
	case nil:
		return NullValue()
	case int64:
		return IntValue(x)
	case float64:
		return RealValue(x)
	case string:
		return TextValue(x)
	case []byte:
		return BlobValue(bytes.Clone(x))
	case bool:
		if x {
			return IntValue(1)
		}
		return IntValue(0)
	case time.Time:
		return TextValue(formatTime(x))
	default:
		return TextValue(fmt.Sprint(x))
	}
}

// formatTime renders a driver-decoded timestamp the way it is most
// likely stored: a bare date for UTC midnight, otherwise date and time
// with fractional seconds only when present and a zone only when not UTC.
func formatTime(t time.Time) string {
	if t.Location() == time.UTC {
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format(time.DateOnly)
		}
		return t.Format("2006-01-02 15:04:05.999999999")
	}
	return t.Format(sqlite3.SQLiteTimestampFormats[0])
}

// Arg returns the value in the form the driver binds.
func (v Value) Arg() any {
	switch v.Type {
	case Integer:
		return v.Int
	case Real:
		return v.Real
	case Text:
		return v.Text
	case Blob:
		if v.Blob == nil {
			return []byte{}
		}
		return v.Blob
	default:
		return nil
	}
}

// wireValue is the tagged JSON form: {"type":"integer","value":1}.
// Blobs travel as base64; infinite reals as the strings "Infinity" and
// "-Infinity".
type wireValue struct {
	Type  Type `json:"type"`
	Value any  `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Type: v.Type}
	switch v.Type {
	case Integer:
		w.Value = v.Int
	case Real:
		switch {
		case math.IsInf(v.Real, 1):
			w.Value = "Infinity"
		case math.IsInf(v.Real, -1):
			w.Value = "-Infinity"
		case math.IsNaN(v.Real):
			w.Value = nil
		default:
			w.Value = v.Real
		}
	case Text:
		w.Value = v.Text
	case Blob:
		w.Value = base64.StdEncoding.EncodeToString(v.Blob)
	default:
		w.Type = Null
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the tagged form, or a bare JSON scalar for callers
// that do not care about storage classes: numbers without a fraction or
// exponent become integers, other numbers reals, strings text, booleans 1/0.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return v.unmarshalTagged(trimmed)
	}
	return v.unmarshalBare(trimmed)
}

func (v *Value) unmarshalTagged(data []byte) error {
	var w struct {
		Type  Type            `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("sqlvalue: %w", err)
	}

	raw := w.Value
	if len(raw) == 0 || string(raw) == "null" {
		if w.Type != Null && w.Type != "" {
			return fmt.Errorf("sqlvalue: %s value is missing", w.Type)
		}
		*v = NullValue()
		return nil
	}

	switch w.Type {
	case Integer:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("sqlvalue: integer: %w", err)
		}
		*v = IntValue(n)
	case Real:
		var s string
		if json.Unmarshal(raw, &s) == nil {
			switch s {
			case "Infinity":
				*v = RealValue(math.Inf(1))
			case "-Infinity":
				*v = RealValue(math.Inf(-1))
			default:
				return fmt.Errorf("sqlvalue: real: unexpected string %q", s)
			}
			return nil
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("sqlvalue: real: %w", err)
		}
		*v = RealValue(f)
	case Text:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("sqlvalue: text: %w", err)
		}
		*v = TextValue(s)
	case Blob:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("sqlvalue: blob: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("sqlvalue: blob: %w", err)
		}
		*v = BlobValue(b)
	case Null:
		*v = NullValue()
	default:
		return fmt.Errorf("sqlvalue: unknown type %q", w.Type)
	}
	return nil
}

func (v *Value) unmarshalBare(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("sqlvalue: %w", err)
	}

	switch x := raw.(type) {
	case nil:
		*v = NullValue()
	case bool:
		if x {
			*v = IntValue(1)
		} else {
			*v = IntValue(0)
		}
	case string:
		*v = TextValue(x)
	case json.Number:
		if !strings.ContainsAny(x.String(), ".eE") {
			if n, err := x.Int64(); err == nil {
				*v = IntValue(n)
				return nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("sqlvalue: number %s: %w", x, err)
		}
		*v = RealValue(f)
	default:
		return fmt.Errorf("sqlvalue: unsupported JSON value %T", raw)
	}
	return nil
}
