package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/repohost/internal/storage"
)

// looseStore keeps one zlib-compressed file per object at "ab/cdef...".
type looseStore struct {
	backend storage.Backend
}

func loosePath(h Hash) string {
	return string(h[:2]) + "/" + string(h[2:])
}

func (l *looseStore) has(h Hash) (bool, error) {
	return l.backend.Has(loosePath(h))
}

func (l *looseStore) write(t ObjectType, data []byte) (Hash, error) {
	h := HashObject(t, data)
	ok, err := l.has(h)
	if err != nil {
		return "", fmt.Errorf("object write %s: %w", h, err)
	}
	if ok {
		return h, nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(objectHeader(t, len(data)))
	zw.Write(data)
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("object write %s: compress: %w", h, err)
	}
	if err := l.backend.Write(loosePath(h), buf.Bytes()); err != nil {
		return "", fmt.Errorf("object write %s: %w", h, err)
	}
	return h, nil
}

// read returns the object and verifies its content hash.
func (l *looseStore) read(h Hash) (ObjectType, []byte, error) {
	rc, err := l.backend.Read(loosePath(h))
	if errors.Is(err, storage.ErrNotExist) {
		return "", nil, fmt.Errorf("object %s: %w", h, ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	defer rc.Close()

	zr, err := zlib.NewReader(rc)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w: %v", h, ErrCorrupt, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w: %v", h, ErrCorrupt, err)
	}
	t, data, err := splitEnvelope(raw)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	if got := HashObject(t, data); got != h {
		return "", nil, fmt.Errorf("object read %s: %w: content hashes to %s", h, ErrCorrupt, got)
	}
	return t, data, nil
}

// list returns every loose object name.
func (l *looseStore) list() ([]Hash, error) {
	paths, err := l.backend.List("")
	if err != nil {
		return nil, err
	}
	out := make([]Hash, 0, len(paths))
	for _, p := range paths {
		name := strings.ReplaceAll(p, "/", "")
		if h, err := ParseHash(name); err == nil && len(p) == HashSize*2+1 {
			out = append(out, h)
		}
	}
	return out, nil
}

func (l *looseStore) remove(h Hash) error {
	return l.backend.Delete(loosePath(h))
}

// splitEnvelope parses "type len\0content".
func splitEnvelope(raw []byte) (ObjectType, []byte, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, fmt.Errorf("%w: missing header terminator", ErrCorrupt)
	}
	typ, size, ok := strings.Cut(string(raw[:nul]), " ")
	if !ok {
		return "", nil, fmt.Errorf("%w: invalid header %q", ErrCorrupt, raw[:nul])
	}
	t, err := ParseType(typ)
	if err != nil {
		return "", nil, err
	}
	n, err := strconv.Atoi(size)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid length %q", ErrCorrupt, size)
	}
	data := raw[nul+1:]
	if len(data) != n {
		return "", nil, fmt.Errorf("%w: length mismatch (header=%d, actual=%d)", ErrCorrupt, n, len(data))
	}
	return t, data, nil
}
