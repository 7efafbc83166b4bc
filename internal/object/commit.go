package object

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature identifies an author, committer or tagger at a point in time.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// String renders the signature as it appears in object headers:
// "Name <email> 1700000000 +0100".
func (s Signature) String() string {
	when := s.When
	if when.IsZero() {
		when = time.Unix(0, 0).UTC()
	}
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, when.Unix(), when.Format("-0700"))
}

// ParseSignature parses the header form produced by Signature.String.
func ParseSignature(s string) (Signature, error) {
	lt := strings.IndexByte(s, '<')
	gt := strings.LastIndexByte(s, '>')
	if lt < 0 || gt < lt {
		return Signature{}, fmt.Errorf("%w: malformed signature %q", ErrCorrupt, s)
	}
	sig := Signature{
		Name:  strings.TrimSpace(s[:lt]),
		Email: s[lt+1 : gt],
	}
	fields := strings.Fields(s[gt+1:])
	if len(fields) == 0 {
		return sig, nil
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: signature timestamp %q", ErrCorrupt, fields[0])
	}
	loc := time.UTC
	if len(fields) > 1 {
		loc = parseTZ(fields[1])
	}
	sig.When = time.Unix(secs, 0).In(loc)
	return sig, nil
}

func parseTZ(tz string) *time.Location {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return time.UTC
	}
	hh, err1 := strconv.Atoi(tz[1:3])
	mm, err2 := strconv.Atoi(tz[3:5])
	if err1 != nil || err2 != nil {
		return time.UTC
	}
	offset := hh*3600 + mm*60
	if tz[0] == '-' {
		offset = -offset
	}
	return time.FixedZone(tz, offset)
}

// Header is an extra commit or tag header such as gpgsig or encoding.
// Multi-line values keep their embedded newlines.
type Header struct {
	Key   string
	Value string
}

// Commit is a parsed commit object.
type Commit struct {
	Tree      Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Extra     []Header
	Message   string
}

// ParseCommit decodes a commit body.
func ParseCommit(data []byte) (*Commit, error) {
	headers, message, err := parseHeaders(data)
	if err != nil {
		return nil, fmt.Errorf("parse commit: %w", err)
	}
	c := &Commit{Message: message}
	for _, h := range headers {
		switch h.Key {
		case "tree":
			if c.Tree, err = ParseHash(h.Value); err != nil {
				return nil, fmt.Errorf("%w: commit tree: %w", ErrCorrupt, err)
			}
		case "parent":
			p, err := ParseHash(h.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: commit parent: %w", ErrCorrupt, err)
			}
			c.Parents = append(c.Parents, p)
		case "author":
			if c.Author, err = ParseSignature(h.Value); err != nil {
				return nil, err
			}
		case "committer":
			if c.Committer, err = ParseSignature(h.Value); err != nil {
				return nil, err
			}
		default:
			c.Extra = append(c.Extra, h)
		}
	}
	if c.Tree == "" {
		return nil, fmt.Errorf("%w: commit without tree", ErrCorrupt)
	}
	return c, nil
}

// MarshalCommit encodes c in git's canonical header order.
func MarshalCommit(c *Commit) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, "tree", string(c.Tree))
	for _, p := range c.Parents {
		writeHeader(&buf, "parent", string(p))
	}
	writeHeader(&buf, "author", c.Author.String())
	writeHeader(&buf, "committer", c.Committer.String())
	for _, h := range c.Extra {
		writeHeader(&buf, h.Key, h.Value)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// parseHeaders splits a key/value header block from the message that
// follows the first blank line. Lines starting with a space continue the
// previous value.
func parseHeaders(raw []byte) ([]Header, string, error) {
	end := bytes.Index(raw, []byte("\n\n"))
	message := ""
	block := raw
	if end >= 0 {
		block = raw[:end]
		message = string(raw[end+2:])
	}
	var headers []Header
	for _, line := range bytes.Split(block, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' {
			if len(headers) == 0 {
				return nil, "", fmt.Errorf("%w: continuation line before any header", ErrCorrupt)
			}
			last := &headers[len(headers)-1]
			last.Value += "\n" + string(line[1:])
			continue
		}
		sp := bytes.IndexByte(line, ' ')
		if sp <= 0 {
			return nil, "", fmt.Errorf("%w: header line %q", ErrCorrupt, line)
		}
		headers = append(headers, Header{Key: string(line[:sp]), Value: string(line[sp+1:])})
	}
	return headers, message, nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	lines := strings.Split(value, "\n")
	buf.WriteString(key)
	buf.WriteByte(' ')
	buf.WriteString(lines[0])
	buf.WriteByte('\n')
	for _, l := range lines[1:] {
		buf.WriteByte(' ')
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
}
