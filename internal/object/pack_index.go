package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	packIndexVersion        = 2
	packIndexHeaderSize     = 8
	packIndexFanoutSize     = 256 * 4
	packIndexLargeOffsetBit = uint32(1 << 31)
)

var packIndexMagic = [4]byte{0xff, 't', 'O', 'c'}

// PackIndexEntry is one row in a pack index file.
type PackIndexEntry struct {
	Hash   Hash
	Offset uint64
	CRC32  uint32
}

// WritePackIndex writes a git idx v2 file for the entries of the pack
// whose trailer is packChecksum.
func WritePackIndex(w io.Writer, entries []PackIndexEntry, packChecksum Hash) error {
	sorted := make([]PackIndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hash < sorted[j].Hash })

	var buf bytes.Buffer
	buf.Write(packIndexMagic[:])
	binary.Write(&buf, binary.BigEndian, uint32(packIndexVersion))

	var fanout [256]uint32
	for _, e := range sorted {
		raw := e.Hash.Raw()
		if raw == nil {
			return fmt.Errorf("pack index: invalid hash %q", e.Hash)
		}
		fanout[raw[0]]++
	}
	var total uint32
	for i := range fanout {
		total += fanout[i]
		binary.Write(&buf, binary.BigEndian, total)
	}
	for _, e := range sorted {
		buf.Write(e.Hash.Raw())
	}
	for _, e := range sorted {
		binary.Write(&buf, binary.BigEndian, e.CRC32)
	}
	var large []uint64
	for _, e := range sorted {
		if e.Offset < uint64(packIndexLargeOffsetBit) {
			binary.Write(&buf, binary.BigEndian, uint32(e.Offset))
			continue
		}
		binary.Write(&buf, binary.BigEndian, packIndexLargeOffsetBit|uint32(len(large)))
		large = append(large, e.Offset)
	}
	for _, off := range large {
		binary.Write(&buf, binary.BigEndian, off)
	}
	buf.Write(packChecksum.Raw())
	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write pack index: %w", err)
	}
	return nil
}

// PackIndex is an in-memory idx v2 file.
type PackIndex struct {
	fanout       [256]uint32
	entries      []PackIndexEntry
	PackChecksum Hash
}

// Len returns the number of objects indexed.
func (idx *PackIndex) Len() int { return len(idx.entries) }

// Entries returns all rows in hash order.
func (idx *PackIndex) Entries() []PackIndexEntry {
	out := make([]PackIndexEntry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Find performs a fanout-bounded binary search for h.
func (idx *PackIndex) Find(h Hash) (PackIndexEntry, bool) {
	raw := h.Raw()
	if raw == nil {
		return PackIndexEntry{}, false
	}
	lo := 0
	if raw[0] > 0 {
		lo = int(idx.fanout[raw[0]-1])
	}
	hi := int(idx.fanout[raw[0]])
	i := lo + sort.Search(hi-lo, func(i int) bool { return idx.entries[lo+i].Hash >= h })
	if i < hi && idx.entries[i].Hash == h {
		return idx.entries[i], true
	}
	return PackIndexEntry{}, false
}

// ReadPackIndex parses and checksums an idx v2 file.
func ReadPackIndex(data []byte) (*PackIndex, error) {
	if len(data) < packIndexHeaderSize+packIndexFanoutSize+2*HashSize {
		return nil, fmt.Errorf("%w: pack index too short: %d bytes", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:4], packIndexMagic[:]) {
		return nil, fmt.Errorf("%w: invalid pack index magic %q", ErrCorrupt, data[:4])
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != packIndexVersion {
		return nil, fmt.Errorf("unsupported pack index version %d", v)
	}
	body := data[:len(data)-HashSize]
	if sum := sha1.Sum(body); !bytes.Equal(sum[:], data[len(body):]) {
		return nil, fmt.Errorf("%w: pack index checksum mismatch", ErrCorrupt)
	}

	idx := &PackIndex{}
	cursor := packIndexHeaderSize
	for i := range idx.fanout {
		idx.fanout[i] = binary.BigEndian.Uint32(data[cursor:])
		cursor += 4
	}
	n := int(idx.fanout[255])
	names := cursor
	crcs := names + n*HashSize
	offsets := crcs + n*4
	largeStart := offsets + n*4
	if largeStart+2*HashSize > len(data) {
		return nil, fmt.Errorf("%w: pack index truncated", ErrCorrupt)
	}

	idx.entries = make([]PackIndexEntry, n)
	for i := 0; i < n; i++ {
		off := uint64(binary.BigEndian.Uint32(data[offsets+i*4:]))
		if uint32(off)&packIndexLargeOffsetBit != 0 {
			pos := largeStart + int(uint32(off)&^packIndexLargeOffsetBit)*8
			if pos+8 > len(data)-2*HashSize {
				return nil, fmt.Errorf("%w: pack index large offset out of range", ErrCorrupt)
			}
			off = binary.BigEndian.Uint64(data[pos:])
		}
		idx.entries[i] = PackIndexEntry{
			Hash:   hashFromRaw(data[names+i*HashSize : names+(i+1)*HashSize]),
			CRC32:  binary.BigEndian.Uint32(data[crcs+i*4:]),
			Offset: off,
		}
	}
	idx.PackChecksum = hashFromRaw(data[len(data)-2*HashSize : len(data)-HashSize])
	return idx, nil
}
