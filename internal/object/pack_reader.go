package object

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	maxDeltaDepth  = 4096
	baseCacheBytes = 32 << 20
)

// BaseResolver supplies REF_DELTA bases that are not inside the pack
// being read (thin packs sent by pushing clients).
type BaseResolver func(h Hash) (ObjectType, []byte, error)

type cachedObject struct {
	typ  ObjectType
	data []byte
}

// Pack gives random access to the objects of one pack file through its
// idx v2 index.
type Pack struct {
	path     string
	f        *os.File
	size     int64
	idx      *PackIndex
	offsets  map[Hash]int64
	external BaseResolver

	mu         sync.Mutex
	cache      map[int64]cachedObject
	cacheBytes int
}

// OpenPack opens "pack-<sha>.pack" together with its ".idx" sibling.
func OpenPack(packPath string) (*Pack, error) {
	idxData, err := os.ReadFile(strings.TrimSuffix(packPath, ".pack") + ".idx")
	if err != nil {
		return nil, fmt.Errorf("open pack index: %w", err)
	}
	idx, err := ReadPackIndex(idxData)
	if err != nil {
		return nil, fmt.Errorf("open pack index %s: %w", packPath, err)
	}
	p, err := openPackFile(packPath)
	if err != nil {
		return nil, err
	}
	trailer := make([]byte, HashSize)
	if _, err := p.f.ReadAt(trailer, p.size-HashSize); err != nil {
		p.Close()
		return nil, fmt.Errorf("read pack trailer: %w", err)
	}
	if hashFromRaw(trailer) != idx.PackChecksum {
		p.Close()
		return nil, fmt.Errorf("%w: pack %s does not match its index", ErrCorrupt, packPath)
	}
	p.idx = idx
	return p, nil
}

func openPackFile(packPath string) (*Pack, error) {
	f, err := os.Open(packPath)
	if err != nil {
		return nil, fmt.Errorf("open pack: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat pack: %w", err)
	}
	if st.Size() < packHeaderSize+HashSize {
		f.Close()
		return nil, fmt.Errorf("%w: pack %s too short", ErrCorrupt, packPath)
	}
	return &Pack{path: packPath, f: f, size: st.Size(), cache: make(map[int64]cachedObject)}, nil
}

// Close releases the pack file.
func (p *Pack) Close() error { return p.f.Close() }

// Path returns the pack file location.
func (p *Pack) Path() string { return p.path }

// Index returns the pack's index.
func (p *Pack) Index() *PackIndex { return p.idx }

// Has reports whether the pack contains h.
func (p *Pack) Has(h Hash) bool {
	_, ok := p.offsetOf(h)
	return ok
}

// Get reads and verifies the object named h.
func (p *Pack) Get(h Hash) (ObjectType, []byte, error) {
	off, ok := p.offsetOf(h)
	if !ok {
		return "", nil, fmt.Errorf("object %s: %w", h, ErrNotFound)
	}
	t, data, err := p.readAt(off, 0)
	if err != nil {
		return "", nil, fmt.Errorf("pack read %s: %w", h, err)
	}
	if got := HashObject(t, data); got != h {
		return "", nil, fmt.Errorf("pack read %s: %w: content hashes to %s", h, ErrCorrupt, got)
	}
	return t, data, nil
}

// Hashes lists every object in the pack in hash order.
func (p *Pack) Hashes() []Hash {
	out := make([]Hash, 0, p.idx.Len())
	for _, e := range p.idx.entries {
		out = append(out, e.Hash)
	}
	return out
}

func (p *Pack) offsetOf(h Hash) (int64, bool) {
	if p.idx != nil {
		e, ok := p.idx.Find(h)
		return int64(e.Offset), ok
	}
	off, ok := p.offsets[h]
	return off, ok
}

func (p *Pack) readAt(offset int64, depth int) (ObjectType, []byte, error) {
	if depth > maxDeltaDepth {
		return "", nil, fmt.Errorf("%w: delta chain deeper than %d", ErrCorrupt, maxDeltaDepth)
	}
	if offset < packHeaderSize || offset >= p.size-HashSize {
		return "", nil, fmt.Errorf("%w: entry offset %d outside pack", ErrCorrupt, offset)
	}
	p.mu.Lock()
	c, ok := p.cache[offset]
	p.mu.Unlock()
	if ok {
		return c.typ, c.data, nil
	}

	br := bufio.NewReader(io.NewSectionReader(p.f, offset, p.size-HashSize-offset))
	code, size, err := readEntryHeader(br)
	if err != nil {
		return "", nil, fmt.Errorf("%w: entry header at %d: %w", ErrCorrupt, offset, err)
	}

	var t ObjectType
	var data []byte
	switch code {
	case packCommit, packTree, packBlob, packTag:
		t, _ = typeFromPackCode(code)
		if data, err = inflate(br, size); err != nil {
			return "", nil, err
		}
	case packOfsDelta:
		dist, err := readOfsOffset(br)
		if err != nil || dist <= 0 || dist > offset {
			return "", nil, fmt.Errorf("%w: bad delta base distance at %d", ErrCorrupt, offset)
		}
		delta, err := inflate(br, size)
		if err != nil {
			return "", nil, err
		}
		bt, base, err := p.readAt(offset-dist, depth+1)
		if err != nil {
			return "", nil, err
		}
		if data, err = applyDelta(base, delta); err != nil {
			return "", nil, err
		}
		t = bt
	case packRefDelta:
		raw := make([]byte, HashSize)
		if _, err := io.ReadFull(br, raw); err != nil {
			return "", nil, fmt.Errorf("%w: truncated delta base name at %d", ErrCorrupt, offset)
		}
		delta, err := inflate(br, size)
		if err != nil {
			return "", nil, err
		}
		bt, base, err := p.refBase(hashFromRaw(raw), depth)
		if err != nil {
			return "", nil, err
		}
		if data, err = applyDelta(base, delta); err != nil {
			return "", nil, err
		}
		t = bt
	default:
		return "", nil, fmt.Errorf("%w: unknown entry type %d at %d", ErrCorrupt, code, offset)
	}
	p.remember(offset, t, data)
	return t, data, nil
}

func (p *Pack) refBase(h Hash, depth int) (ObjectType, []byte, error) {
	if off, ok := p.offsetOf(h); ok {
		return p.readAt(off, depth+1)
	}
	if p.external != nil {
		t, data, err := p.external(h)
		if err == nil {
			return t, data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("%w: delta base %s: %w", ErrCorrupt, h, ErrNotFound)
}

func (p *Pack) remember(offset int64, t ObjectType, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(data) > baseCacheBytes/4 {
		return
	}
	if p.cacheBytes+len(data) > baseCacheBytes {
		p.cache = make(map[int64]cachedObject)
		p.cacheBytes = 0
	}
	p.cache[offset] = cachedObject{typ: t, data: data}
	p.cacheBytes += len(data)
}

// packStream reads a pack sequentially, tracking the consumed offset, the
// running trailer checksum and the CRC32 of the current entry.
type packStream struct {
	br  *bufio.Reader
	n   int64
	sum hash.Hash
	crc hash.Hash32
}

func newPackStream(r io.Reader) *packStream {
	return &packStream{br: bufio.NewReaderSize(r, 64<<10), sum: sha1.New(), crc: crc32.NewIEEE()}
}

func (s *packStream) Read(p []byte) (int, error) {
	n, err := s.br.Read(p)
	s.n += int64(n)
	s.sum.Write(p[:n])
	s.crc.Write(p[:n])
	return n, err
}

func (s *packStream) ReadByte() (byte, error) {
	b, err := s.br.ReadByte()
	if err == nil {
		s.n++
		s.sum.Write([]byte{b})
		s.crc.Write([]byte{b})
	}
	return b, err
}

type scannedEntry struct {
	offset int64
	crc    uint32
	hash   Hash // empty for deltas until resolved
}

// scanPack walks every entry of a pack stream, verifying zlib integrity,
// entry sizes and the trailing checksum.
func scanPack(r io.Reader) ([]scannedEntry, Hash, error) {
	s := newPackStream(r)
	var hdr [packHeaderSize]byte
	if _, err := io.ReadFull(s, hdr[:]); err != nil {
		return nil, "", fmt.Errorf("%w: pack header: %w", ErrCorrupt, err)
	}
	if string(hdr[:4]) != packSignature {
		return nil, "", fmt.Errorf("%w: invalid pack signature %q", ErrCorrupt, hdr[:4])
	}
	if v := be32(hdr[4:8]); v != 2 && v != 3 {
		return nil, "", fmt.Errorf("unsupported pack version %d", v)
	}
	count := be32(hdr[8:12])

	entries := make([]scannedEntry, 0, min(count, 1<<16))
	for i := uint32(0); i < count; i++ {
		e := scannedEntry{offset: s.n}
		s.crc.Reset()
		code, size, err := readEntryHeader(s)
		if err != nil {
			return nil, "", fmt.Errorf("%w: object %d header: %w", ErrCorrupt, i, err)
		}
		switch code {
		case packOfsDelta:
			if _, err := readOfsOffset(s); err != nil {
				return nil, "", fmt.Errorf("%w: object %d delta offset: %w", ErrCorrupt, i, err)
			}
		case packRefDelta:
			if _, err := io.ReadFull(s, make([]byte, HashSize)); err != nil {
				return nil, "", fmt.Errorf("%w: object %d delta base: %w", ErrCorrupt, i, err)
			}
		}
		data, err := inflate(s, size)
		if err != nil {
			return nil, "", fmt.Errorf("object %d: %w", i, err)
		}
		if code != packOfsDelta && code != packRefDelta {
			t, err := typeFromPackCode(code)
			if err != nil {
				return nil, "", fmt.Errorf("object %d: %w", i, err)
			}
			e.hash = HashObject(t, data)
		}
		e.crc = s.crc.Sum32()
		entries = append(entries, e)
	}

	computed := hashFromRaw(s.sum.Sum(nil))
	trailer := make([]byte, HashSize)
	if _, err := io.ReadFull(s.br, trailer); err != nil {
		return nil, "", fmt.Errorf("%w: pack trailer: %w", ErrCorrupt, err)
	}
	if hashFromRaw(trailer) != computed {
		return nil, "", fmt.Errorf("%w: pack checksum mismatch", ErrCorrupt)
	}
	if _, err := s.br.ReadByte(); err != io.EOF {
		return nil, "", fmt.Errorf("%w: trailing data after pack", ErrCorrupt)
	}
	return entries, computed, nil
}

// IndexPack verifies the pack at packPath, resolves every delta and
// writes the matching ".idx" file. external, if non-nil, resolves thin
// pack bases. The returned Pack is open and ready for reads.
func IndexPack(packPath string, external BaseResolver) (*Pack, error) {
	f, err := os.Open(packPath)
	if err != nil {
		return nil, fmt.Errorf("index pack: %w", err)
	}
	entries, checksum, err := scanPack(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("index pack: %w", err)
	}

	p, err := openPackFile(packPath)
	if err != nil {
		return nil, err
	}
	p.external = external
	p.offsets = make(map[Hash]int64, len(entries))
	pending := 0
	for _, e := range entries {
		if e.hash != "" {
			p.offsets[e.hash] = e.offset
		} else {
			pending++
		}
	}
	// REF_DELTA bases may themselves be deltas later in the pack, so keep
	// sweeping until a pass makes no progress.
	for pending > 0 {
		progress := false
		var lastErr error
		for i := range entries {
			if entries[i].hash != "" {
				continue
			}
			t, data, err := p.readAt(entries[i].offset, 0)
			if err != nil {
				lastErr = err
				continue
			}
			entries[i].hash = HashObject(t, data)
			p.offsets[entries[i].hash] = entries[i].offset
			pending--
			progress = true
		}
		if !progress {
			p.Close()
			return nil, fmt.Errorf("index pack: %d unresolved deltas: %w", pending, lastErr)
		}
	}

	rows := make([]PackIndexEntry, len(entries))
	for i, e := range entries {
		rows[i] = PackIndexEntry{Hash: e.hash, Offset: uint64(e.offset), CRC32: e.crc}
	}
	var buf bytes.Buffer
	if err := WritePackIndex(&buf, rows, checksum); err != nil {
		p.Close()
		return nil, err
	}
	if err := writeFileAtomic(strings.TrimSuffix(packPath, ".pack")+".idx", buf.Bytes()); err != nil {
		p.Close()
		return nil, fmt.Errorf("index pack: %w", err)
	}
	p.idx, err = ReadPackIndex(buf.Bytes())
	if err != nil {
		p.Close()
		return nil, err
	}
	p.offsets = nil
	return p, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
