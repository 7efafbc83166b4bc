package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	packSignature  = "PACK"
	packHeaderSize = 12
)

// PackWriter streams whole objects into a version 2 pack. The trailing
// SHA-1 is computed over everything written and appended by Close.
type PackWriter struct {
	w       io.Writer
	sum     hash.Hash
	total   uint32
	written uint32
	offset  int64
	entries []PackIndexEntry
	crc     hash.Hash32
}

// NewPackWriter writes the pack header for count objects.
func NewPackWriter(w io.Writer, count uint32) (*PackWriter, error) {
	pw := &PackWriter{w: w, sum: sha1.New(), total: count, crc: crc32.NewIEEE()}
	var hdr [packHeaderSize]byte
	copy(hdr[:4], packSignature)
	binary.BigEndian.PutUint32(hdr[4:8], 2)
	binary.BigEndian.PutUint32(hdr[8:12], count)
	if err := pw.write(hdr[:]); err != nil {
		return nil, err
	}
	return pw, nil
}

func (pw *PackWriter) write(p []byte) error {
	n, err := pw.w.Write(p)
	pw.sum.Write(p[:n])
	pw.crc.Write(p[:n])
	pw.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write pack: %w", err)
	}
	return nil
}

// WriteObject appends one whole object.
func (pw *PackWriter) WriteObject(t ObjectType, data []byte) error {
	if pw.written >= pw.total {
		return fmt.Errorf("write pack: more than the %d declared objects", pw.total)
	}
	start := pw.offset
	pw.crc.Reset()
	var hdr bytes.Buffer
	writeEntryHeader(&hdr, t.packCode(), int64(len(data)))
	if err := pw.write(hdr.Bytes()); err != nil {
		return err
	}
	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	zw.Write(data)
	if err := zw.Close(); err != nil {
		return fmt.Errorf("write pack: compress: %w", err)
	}
	if err := pw.write(zbuf.Bytes()); err != nil {
		return err
	}
	pw.entries = append(pw.entries, PackIndexEntry{
		Hash:   HashObject(t, data),
		Offset: uint64(start),
		CRC32:  pw.crc.Sum32(),
	})
	pw.written++
	return nil
}

// Close appends the trailer and returns the pack checksum.
func (pw *PackWriter) Close() (Hash, error) {
	if pw.written != pw.total {
		return "", fmt.Errorf("write pack: declared %d objects, wrote %d", pw.total, pw.written)
	}
	trailer := pw.sum.Sum(nil)
	if _, err := pw.w.Write(trailer); err != nil {
		return "", fmt.Errorf("write pack trailer: %w", err)
	}
	return hashFromRaw(trailer), nil
}

// Entries returns index rows for every object written so far.
func (pw *PackWriter) Entries() []PackIndexEntry { return pw.entries }

func writeEntryHeader(w *bytes.Buffer, code int, size int64) {
	b := byte((code&0x07)<<4) | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		w.WriteByte(b | 0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	w.WriteByte(b)
}

func readEntryHeader(r io.ByteReader) (code int, size int64, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	code = int((b >> 4) & 0x07)
	size = int64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		if shift > 60 {
			return 0, 0, fmt.Errorf("%w: entry size overflows", ErrCorrupt)
		}
		if b, err = r.ReadByte(); err != nil {
			return 0, 0, err
		}
		size |= int64(b&0x7f) << shift
		shift += 7
	}
	return code, size, nil
}

// readOfsOffset decodes the big-endian, offset-biased distance of an
// OFS_DELTA base.
func readOfsOffset(r io.ByteReader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	offset := int64(b & 0x7f)
	for b&0x80 != 0 {
		if b, err = r.ReadByte(); err != nil {
			return 0, err
		}
		offset = ((offset + 1) << 7) | int64(b&0x7f)
	}
	return offset, nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// inflate decompresses exactly one zlib stream of the expected size.
// r must implement io.ByteReader so the decompressor stops at the end of
// the stream instead of reading ahead into the next entry.
func inflate(r byteReader, size int64) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrCorrupt, err)
	}
	defer zr.Close()
	buf := bytes.NewBuffer(make([]byte, 0, min(size, 1<<20)))
	n, err := io.Copy(buf, io.LimitReader(zr, size+1))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrCorrupt, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: inflated %d bytes, header says %d", ErrCorrupt, n, size)
	}
	return buf.Bytes(), nil
}

// applyDelta applies a git delta instruction stream to base.
func applyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)
	baseSize, err := readDeltaSize(dr)
	if err != nil {
		return nil, fmt.Errorf("%w: delta base size: %w", ErrCorrupt, err)
	}
	if baseSize != int64(len(base)) {
		return nil, fmt.Errorf("%w: delta base size %d, have %d", ErrCorrupt, baseSize, len(base))
	}
	resultSize, err := readDeltaSize(dr)
	if err != nil {
		return nil, fmt.Errorf("%w: delta result size: %w", ErrCorrupt, err)
	}
	result := make([]byte, 0, resultSize)
	for dr.Len() > 0 {
		cmd, _ := dr.ReadByte()
		switch {
		case cmd&0x80 != 0:
			var offset, size int64
			for i := uint(0); i < 4; i++ {
				if cmd&(1<<i) != 0 {
					b, err := dr.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("%w: truncated delta copy", ErrCorrupt)
					}
					offset |= int64(b) << (8 * i)
				}
			}
			for i := uint(0); i < 3; i++ {
				if cmd&(0x10<<i) != 0 {
					b, err := dr.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("%w: truncated delta copy", ErrCorrupt)
					}
					size |= int64(b) << (8 * i)
				}
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > int64(len(base)) {
				return nil, fmt.Errorf("%w: delta copy out of bounds: offset=%d size=%d base=%d", ErrCorrupt, offset, size, len(base))
			}
			result = append(result, base[offset:offset+size]...)
		case cmd > 0:
			start := len(result)
			result = append(result, make([]byte, cmd)...)
			if _, err := io.ReadFull(dr, result[start:]); err != nil {
				return nil, fmt.Errorf("%w: truncated delta insert", ErrCorrupt)
			}
		default:
			return nil, fmt.Errorf("%w: delta opcode 0", ErrCorrupt)
		}
	}
	if int64(len(result)) != resultSize {
		return nil, fmt.Errorf("%w: delta result size %d, expected %d", ErrCorrupt, len(result), resultSize)
	}
	return result, nil
}

func readDeltaSize(r io.ByteReader) (int64, error) {
	var size int64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		size |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return size, nil
		}
	}
}
