package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Property values are encoded in the page-property JSON shape used by the
// HTTP backend, e.g. {"number": 1.5} or {"relation": [{"id": "..."}]}.
// The embedded and PostgreSQL backends store the same shape.

type richText struct {
	PlainText string `json:"plain_text,omitempty"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type wireDate struct {
	Start string  `json:"start"`
	End   *string `json:"end,omitempty"`
}

type wireSelect struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type wireRef struct {
	ID string `json:"id"`
}

// wireComputed is the body of formula and rollup values.
type wireComputed struct {
	Type   string      `json:"type"`
	Number json.Number `json:"number"`
	String *string     `json:"string"`
	Date   *wireDate   `json:"date"`
}

// Date-times keep their full precision so lots reloaded from a store
// sort exactly as they did when they were written.
func formatDate(t time.Time) string {
	t = t.UTC()
	if t.Equal(t.Truncate(24 * time.Hour)) {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339Nano)
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func textBody(s string) []map[string]any {
	return []map[string]any{{"text": map[string]any{"content": s}}}
}

// encodeValue renders a writable value as a property object.
func encodeValue(v Value) (map[string]any, error) {
	switch v.Type {
	case TypeTitle, TypeRichText:
		return map[string]any{string(v.Type): textBody(v.Text)}, nil
	case TypeNumber:
		if v.Empty {
			return map[string]any{"number": nil}, nil
		}
		return map[string]any{"number": json.Number(v.Number.String())}, nil
	case TypeDate:
		if v.Empty || v.Date.IsZero() {
			return map[string]any{"date": nil}, nil
		}
		return map[string]any{"date": wireDate{Start: formatDate(v.Date)}}, nil
	case TypeSelect:
		if v.Empty || v.Text == "" {
			return map[string]any{"select": nil}, nil
		}
		return map[string]any{"select": wireSelect{Name: v.Text}}, nil
	case TypeRelation:
		refs := make([]wireRef, 0, len(v.Relation))
		for _, id := range v.Relation {
			refs = append(refs, wireRef{ID: id})
		}
		return map[string]any{"relation": refs}, nil
	case TypeFormula, TypeRollup:
		return nil, fmt.Errorf("%w: %s values are read-only", ErrValidation, v.Type)
	}
	return nil, fmt.Errorf("%w: unsupported property type %q", ErrValidation, v.Type)
}

// EncodeFields renders fields as a properties object.
func EncodeFields(fields Fields) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}

var knownTypes = []PropertyType{
	TypeTitle, TypeRichText, TypeNumber, TypeDate, TypeSelect, TypeRelation, TypeFormula, TypeRollup,
}

// decodeValue parses a property object. ok is false for property types
// this package does not model (checkboxes, people, timestamps, ...).
func decodeValue(raw json.RawMessage) (v Value, ok bool, err error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return v, false, err
	}
	var typ PropertyType
	if t, found := obj["type"]; found {
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return v, false, err
		}
		typ = PropertyType(s)
	} else {
		for _, k := range knownTypes {
			if _, found := obj[string(k)]; found {
				typ = k
				break
			}
		}
	}
	body, found := obj[string(typ)]
	if !found {
		return v, false, nil
	}
	v.Type = typ
	isNull := bytes.Equal(bytes.TrimSpace(body), []byte("null"))

	switch typ {
	case TypeTitle, TypeRichText:
		var parts []richText
		if err := json.Unmarshal(body, &parts); err != nil {
			return v, false, err
		}
		var sb strings.Builder
		for _, p := range parts {
			switch {
			case p.PlainText != "":
				sb.WriteString(p.PlainText)
			case p.Text != nil:
				sb.WriteString(p.Text.Content)
			}
		}
		v.Text = sb.String()
	case TypeNumber:
		if isNull {
			v.Empty = true
			break
		}
		if v.Number, err = decimal.NewFromString(string(bytes.TrimSpace(body))); err != nil {
			return v, false, err
		}
	case TypeDate:
		if isNull {
			v.Empty = true
			break
		}
		var wd wireDate
		if err := json.Unmarshal(body, &wd); err != nil {
			return v, false, err
		}
		if v.Date, err = parseDate(wd.Start); err != nil {
			return v, false, err
		}
	case TypeSelect:
		if isNull {
			v.Empty = true
			break
		}
		var ws wireSelect
		if err := json.Unmarshal(body, &ws); err != nil {
			return v, false, err
		}
		v.Text = ws.Name
	case TypeRelation:
		var refs []wireRef
		if err := json.Unmarshal(body, &refs); err != nil {
			return v, false, err
		}
		v.Relation = make([]string, 0, len(refs))
		for _, r := range refs {
			v.Relation = append(v.Relation, r.ID)
		}
	case TypeFormula, TypeRollup:
		var c wireComputed
		if err := json.Unmarshal(body, &c); err != nil {
			return v, false, err
		}
		switch c.Type {
		case "number":
			if c.Number == "" {
				v.Empty = true
				break
			}
			if v.Number, err = decimal.NewFromString(c.Number.String()); err != nil {
				return v, false, err
			}
		case "string":
			if c.String != nil {
				v.Text = *c.String
			}
		case "date":
			if c.Date == nil {
				v.Empty = true
				break
			}
			if v.Date, err = parseDate(c.Date.Start); err != nil {
				return v, false, err
			}
		default:
			return v, false, nil
		}
	default:
		return v, false, nil
	}
	return v, true, nil
}

// DecodeFields parses a properties object, skipping unmodelled types.
func DecodeFields(props map[string]json.RawMessage) (Fields, error) {
	out := make(Fields, len(props))
	for name, raw := range props {
		v, ok, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		if ok {
			out[name] = v
		}
	}
	return out, nil
}

// storedRecord is the at-rest form used by the embedded backend.
type storedRecord struct {
	ID         string                     `json:"id"`
	Collection string                     `json:"collection"`
	CreatedAt  time.Time                  `json:"created_time"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func marshalRecord(r Record) ([]byte, error) {
	props, err := EncodeFields(r.Fields)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]json.RawMessage, len(props))
	for k, v := range props {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw[k] = b
	}
	return json.Marshal(storedRecord{ID: r.ID, Collection: r.Collection, CreatedAt: r.CreatedAt, Properties: raw})
}

func unmarshalRecord(data []byte) (Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return Record{}, err
	}
	fields, err := DecodeFields(sr.Properties)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: sr.ID, Collection: sr.Collection, CreatedAt: sr.CreatedAt, Fields: fields}, nil
}
