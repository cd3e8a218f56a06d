package notes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordSchemaURL = "notesfeed://schemas/note-record.json"

// recordSchema accepts every record shape the backends have produced over
// time. Normalization below collapses them into a Note.
const recordSchema = `{
  "type": "object",
  "properties": {
    "id":          {"type": ["string", "integer"]},
    "note_id":     {"type": ["string", "integer"]},
    "noteId":      {"type": ["string", "integer"]},
    "created_at":  {"type": ["string", "number"]},
    "createdAt":   {"type": ["string", "number"]},
    "inserted_at": {"type": ["string", "number"]},
    "body":        {"type": ["string", "null"]},
    "text":        {"type": ["string", "null"]},
    "content":     {"type": ["string", "null"]},
    "is_pinned":   {"type": ["boolean", "integer", "null"]},
    "isPinned":    {"type": ["boolean", "integer", "null"]},
    "pinned":      {"type": ["boolean", "integer", "null"]},
    "is_done":     {"type": ["boolean", "integer", "null"]},
    "isDone":      {"type": ["boolean", "integer", "null"]},
    "done":        {"type": ["boolean", "integer", "null"]}
  },
  "allOf": [
    {"anyOf": [{"required": ["id"]}, {"required": ["note_id"]}, {"required": ["noteId"]}]},
    {"anyOf": [{"required": ["created_at"]}, {"required": ["createdAt"]}, {"required": ["inserted_at"]}]}
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func noteRecordSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(recordSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(recordSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeRecord parses one raw JSON note record from any backend channel.
// Change-feed envelopes ({"record": {...}} or {"new": {...}}) are unwrapped.
func DecodeRecord(data []byte) (Note, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Note{}, E(KindValidation, "decode note", err)
	}
	raw, ok := inst.(map[string]any)
	if !ok {
		return Note{}, Errorf(KindValidation, "decode note", "record is %T, want object", inst)
	}
	return NormalizeRecord(raw)
}

// NormalizeRecord validates raw against the record schema and returns the
// normalized Note.
func NormalizeRecord(raw map[string]any) (Note, error) {
	raw = unwrapEnvelope(raw)
	sch, err := noteRecordSchema()
	if err != nil {
		return Note{}, fmt.Errorf("compile note schema: %w", err)
	}
	if err := sch.Validate(raw); err != nil {
		return Note{}, E(KindValidation, "normalize note", err)
	}

	note := Note{
		ID:       idString(first(raw, "id", "note_id", "noteId")),
		ScopeID:  strings.TrimSpace(toString(first(raw, "scope_id", "scopeId", "org_id", "organization_id"))),
		AuthorID: strings.TrimSpace(toString(first(raw, "author_id", "authorId", "author_email", "author", "created_by", "user_email"))),
		Body:     toString(first(raw, "body", "text", "content")),
		Pinned:   toBool(first(raw, "is_pinned", "isPinned", "pinned")),
		Done:     toBool(first(raw, "is_done", "isDone", "done")),
	}
	createdAt, err := ParseTimestamp(first(raw, "created_at", "createdAt", "inserted_at"))
	if err != nil {
		return Note{}, E(KindValidation, "normalize note", err)
	}
	note.CreatedAt = createdAt
	if !note.Valid() {
		return Note{}, Errorf(KindValidation, "normalize note", "record has empty id")
	}
	return note, nil
}

func unwrapEnvelope(raw map[string]any) map[string]any {
	for _, key := range []string{"record", "new", "note"} {
		if inner, ok := raw[key].(map[string]any); ok {
			return inner
		}
	}
	return raw
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp accepts RFC3339 strings, SQL timestamp strings (assumed UTC
// without an offset) and unix seconds or milliseconds.
func ParseTimestamp(v any) (time.Time, error) {
	switch typed := v.(type) {
	case time.Time:
		if typed.IsZero() {
			return time.Time{}, fmt.Errorf("zero timestamp")
		}
		return typed.UTC(), nil
	case string:
		raw := strings.TrimSpace(typed)
		if raw == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return unixTimestamp(f)
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable timestamp %q", typed.String())
		}
		return unixTimestamp(f)
	case float64:
		return unixTimestamp(typed)
	case int64:
		return unixTimestamp(float64(typed))
	case int:
		return unixTimestamp(float64(typed))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func unixTimestamp(f float64) (time.Time, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %v", f)
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func first(raw map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := raw[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func idString(v any) string {
	switch typed := v.(type) {
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatInt(int64(typed), 10)
	default:
		return strings.TrimSpace(toString(v))
	}
}

func toString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	default:
		return fmt.Sprint(v)
	}
}

func toBool(v any) bool {
	switch typed := v.(type) {
	case bool:
		return typed
	case json.Number:
		n, _ := typed.Int64()
		return n != 0
	case float64:
		return typed != 0
	case int64:
		return typed != 0
	case int:
		return typed != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && parsed
	default:
		return false
	}
}
