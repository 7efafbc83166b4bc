package object

import (
	"bytes"
	"fmt"
)

// Tag is a parsed annotated tag object.
type Tag struct {
	Object  Hash
	Type    ObjectType
	Name    string
	Tagger  Signature
	Extra   []Header
	Message string
}

// ParseTag decodes an annotated tag body.
func ParseTag(data []byte) (*Tag, error) {
	headers, message, err := parseHeaders(data)
	if err != nil {
		return nil, fmt.Errorf("parse tag: %w", err)
	}
	t := &Tag{Message: message}
	for _, h := range headers {
		switch h.Key {
		case "object":
			if t.Object, err = ParseHash(h.Value); err != nil {
				return nil, fmt.Errorf("%w: tag object: %v", ErrCorrupt, err)
			}
		case "type":
			if t.Type, err = ParseType(h.Value); err != nil {
				return nil, err
			}
		case "tag":
			t.Name = h.Value
		case "tagger":
			if t.Tagger, err = ParseSignature(h.Value); err != nil {
				return nil, err
			}
		default:
			t.Extra = append(t.Extra, h)
		}
	}
	if t.Object == "" {
		return nil, fmt.Errorf("%w: tag without object", ErrCorrupt)
	}
	return t, nil
}

// MarshalTag encodes t in canonical header order.
func MarshalTag(t *Tag) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, "object", string(t.Object))
	writeHeader(&buf, "type", string(t.Type))
	writeHeader(&buf, "tag", t.Name)
	writeHeader(&buf, "tagger", t.Tagger.String())
	for _, h := range t.Extra {
		writeHeader(&buf, h.Key, h.Value)
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}
