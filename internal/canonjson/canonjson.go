// Package canonjson renders values as JSON with object keys sorted at
// every depth, so structurally equal payloads always produce identical
// bytes. Request identity keys are derived from this rendering.
package canonjson

import (
	"bytes"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// Marshal returns the canonical JSON rendering of v.
//
// v is first marshalled normally, then re-parsed and re-emitted with
// sorted keys. Numbers are kept verbatim via json.Number to avoid
// float round-tripping.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := write(&buf, parsed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(val.String())
		return nil

	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonjson: %w", err)
		}
		buf.Write(b)
		return nil
	}
}
