package object

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := []byte("hello world\n")
	h, err := s.Put(TypeBlob, data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if h != HashObject(TypeBlob, data) {
		t.Fatalf("put returned %s, want content hash", h)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), string(h[:2]), string(h[2:]))); err != nil {
		t.Fatalf("expected loose file: %v", err)
	}
	typ, got, err := s.Get(h)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if typ != TypeBlob || !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: %s %q", typ, got)
	}
	again, err := s.Put(TypeBlob, data)
	if err != nil || again != h {
		t.Fatalf("second put: %s %v", again, err)
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Get(HashObject(TypeBlob, []byte("nope")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Exists(HashObject(TypeBlob, []byte("nope"))) {
		t.Fatal("missing object reported as existing")
	}
}

func TestStoreDetectsCorruptLooseObject(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Put(TypeBlob, []byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte("blob 8\x00tampered"))
	zw.Close()
	path := filepath.Join(s.Root(), string(h[:2]), string(h[2:]))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(h); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	_, corrupt, err := s.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(corrupt) != 1 || corrupt[0] != h {
		t.Fatalf("expected %s flagged, got %v", h, corrupt)
	}
}

// writeHistory stores a two-commit history and returns (first, second).
func writeHistory(t *testing.T, s *Store) (Hash, Hash) {
	t.Helper()
	sig := Signature{Name: "T", Email: "t@example.com", When: time.Unix(1700000000, 0).UTC()}
	b1, _ := s.WriteBlob([]byte("hello"))
	t1, err := s.WriteTree(&Tree{Entries: []TreeEntry{{Mode: ModeFile, Name: "README.md", Hash: b1}}})
	if err != nil {
		t.Fatal(err)
	}
	c1, err := s.WriteCommit(&Commit{Tree: t1, Author: sig, Committer: sig, Message: "one\n"})
	if err != nil {
		t.Fatal(err)
	}
	b2, _ := s.WriteBlob([]byte("hello world"))
	t2, _ := s.WriteTree(&Tree{Entries: []TreeEntry{{Mode: ModeFile, Name: "README.md", Hash: b2}}})
	c2, err := s.WriteCommit(&Commit{Tree: t2, Parents: []Hash{c1}, Author: sig, Committer: sig, Message: "two\n"})
	if err != nil {
		t.Fatal(err)
	}
	return c1, c2
}

func TestIterateReachable(t *testing.T) {
	s := openTestStore(t)
	c1, c2 := writeHistory(t, s)

	all, err := s.ReachableSet(context.Background(), []Hash{c2})
	if err != nil {
		t.Fatalf("reachable: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 reachable objects, got %d", len(all))
	}

	have, err := s.ReachableSet(context.Background(), []Hash{c1})
	if err != nil {
		t.Fatal(err)
	}
	var missing []Hash
	for h, err := range s.IterateReachable(context.Background(), []Hash{c2}, have) {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		missing = append(missing, h)
	}
	if len(missing) != 3 || missing[0] != c2 {
		t.Fatalf("expected commit, tree and blob of the second commit, got %v", missing)
	}
}

func TestIterateReachableHonorsCancellation(t *testing.T) {
	s := openTestStore(t)
	_, c2 := writeHistory(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range s.IterateReachable(ctx, []Hash{c2}, nil) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		return
	}
	t.Fatal("expected the sequence to yield an error")
}

func TestRepackMovesLooseObjectsIntoPack(t *testing.T) {
	s := openTestStore(t)
	c1, c2 := writeHistory(t, s)

	stats, err := s.Repack()
	if err != nil {
		t.Fatalf("repack: %v", err)
	}
	if stats.Objects != 6 || stats.LooseRemoved != 6 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "pack", "pack-"+string(stats.Pack)+".idx")); err != nil {
		t.Fatalf("expected idx file: %v", err)
	}
	for _, h := range []Hash{c1, c2} {
		if _, err := s.ReadCommit(h); err != nil {
			t.Fatalf("read %s after repack: %v", h, err)
		}
	}

	reopened, err := Open(s.Root())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	c, err := reopened.ReadCommit(c2)
	if err != nil {
		t.Fatalf("read from reopened store: %v", err)
	}
	if len(c.Parents) != 1 || c.Parents[0] != c1 {
		t.Fatalf("unexpected parents %v", c.Parents)
	}
	checked, corrupt, err := reopened.Verify()
	if err != nil || checked != 6 || len(corrupt) != 0 {
		t.Fatalf("verify after repack: checked=%d corrupt=%v err=%v", checked, corrupt, err)
	}
}

func TestQuarantineMigrate(t *testing.T) {
	s := openTestStore(t)
	q, err := s.Quarantine()
	if err != nil {
		t.Fatal(err)
	}
	h, err := q.Put(TypeBlob, []byte("pushed"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Exists(h) {
		t.Fatal("quarantined object visible before migrate")
	}
	if !q.Exists(h) {
		t.Fatal("quarantine cannot see its own object")
	}
	if err := q.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !s.Exists(h) {
		t.Fatal("object missing after migrate")
	}
	if _, err := os.Stat(q.Root()); !os.IsNotExist(err) {
		t.Fatalf("quarantine dir should be gone, stat err=%v", err)
	}
}

type rawEntry struct {
	code int
	base int  // index of the OFS_DELTA base
	ref  Hash // REF_DELTA base
	data []byte
}

func buildRawPack(t *testing.T, entries []rawEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("PACK")
	binary.Write(&buf, binary.BigEndian, uint32(2))
	binary.Write(&buf, binary.BigEndian, uint32(len(entries)))
	offsets := make([]int64, len(entries))
	for i, e := range entries {
		offsets[i] = int64(buf.Len())
		writeEntryHeader(&buf, e.code, int64(len(e.data)))
		switch e.code {
		case packOfsDelta:
			buf.Write(encodeOfs(offsets[i] - offsets[e.base]))
		case packRefDelta:
			buf.Write(e.ref.Raw())
		}
		zw := zlib.NewWriter(&buf)
		zw.Write(e.data)
		zw.Close()
	}
	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func encodeOfs(d int64) []byte {
	out := []byte{byte(d & 0x7f)}
	for d >>= 7; d > 0; d >>= 7 {
		d--
		out = append([]byte{byte(0x80 | d&0x7f)}, out...)
	}
	return out
}

// appendDelta builds a delta that copies all of base and appends suffix.
func appendDelta(base, suffix []byte) []byte {
	var d []byte
	d = appendVarint(d, len(base))
	d = appendVarint(d, len(base)+len(suffix))
	d = append(d, 0x80|0x10, byte(len(base)))
	d = append(d, byte(len(suffix)))
	return append(d, suffix...)
}

func appendVarint(b []byte, n int) []byte {
	for n >= 0x80 {
		b = append(b, byte(n&0x7f)|0x80)
		n >>= 7
	}
	return append(b, byte(n))
}

func TestUnpackResolvesDeltas(t *testing.T) {
	s := openTestStore(t)
	base := []byte("hello world\n")
	ofsResult := append(append([]byte{}, base...), "second line\n"...)
	refResult := append(append([]byte{}, base...), "other\n"...)
	pack := buildRawPack(t, []rawEntry{
		{code: packBlob, data: base},
		{code: packOfsDelta, base: 0, data: appendDelta(base, []byte("second line\n"))},
		{code: packRefDelta, ref: HashObject(TypeBlob, base), data: appendDelta(base, []byte("other\n"))},
	})

	q, err := s.Quarantine()
	if err != nil {
		t.Fatal(err)
	}
	got, err := q.Unpack(bytes.NewReader(pack))
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(got))
	}
	if err := q.Migrate(); err != nil {
		t.Fatal(err)
	}
	for _, want := range [][]byte{base, ofsResult, refResult} {
		data, err := s.ReadBlob(HashObject(TypeBlob, want))
		if err != nil {
			t.Fatalf("read %q: %v", want, err)
		}
		if !bytes.Equal(data, want) {
			t.Fatalf("got %q want %q", data, want)
		}
	}
}

func TestUnpackThinPackUsesStoreBase(t *testing.T) {
	s := openTestStore(t)
	base := []byte("already here\n")
	if _, err := s.Put(TypeBlob, base); err != nil {
		t.Fatal(err)
	}
	pack := buildRawPack(t, []rawEntry{
		{code: packRefDelta, ref: HashObject(TypeBlob, base), data: appendDelta(base, []byte("more\n"))},
	})
	q, _ := s.Quarantine()
	defer q.Discard()
	if _, err := q.Unpack(bytes.NewReader(pack)); err != nil {
		t.Fatalf("unpack thin pack: %v", err)
	}
	if !q.Exists(HashObject(TypeBlob, []byte("already here\nmore\n"))) {
		t.Fatal("resolved object missing")
	}
}

func TestUnpackRejectsCorruptPacks(t *testing.T) {
	good := buildRawPack(t, []rawEntry{{code: packBlob, data: []byte("payload")}})

	badTrailer := append([]byte{}, good...)
	badTrailer[len(badTrailer)-1] ^= 0xff

	missingBase := buildRawPack(t, []rawEntry{
		{code: packRefDelta, ref: HashObject(TypeBlob, []byte("absent")), data: appendDelta([]byte("absent"), []byte("x"))},
	})

	cases := map[string][]byte{
		"bad trailer":  badTrailer,
		"truncated":    good[:len(good)-8],
		"bad magic":    append([]byte("KCAP"), good[4:]...),
		"missing base": missingBase,
	}
	for name, pack := range cases {
		t.Run(name, func(t *testing.T) {
			s := openTestStore(t)
			q, _ := s.Quarantine()
			defer q.Discard()
			_, err := q.Unpack(bytes.NewReader(pack))
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestPackWriterIngestRoundTrip(t *testing.T) {
	src := openTestStore(t)
	_, c2 := writeHistory(t, src)

	var hashes []Hash
	for h, err := range src.IterateReachable(context.Background(), []Hash{c2}, nil) {
		if err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, h)
	}
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, uint32(len(hashes)))
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hashes {
		typ, data, err := src.Get(h)
		if err != nil {
			t.Fatal(err)
		}
		if err := pw.WriteObject(typ, data); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	dst := openTestStore(t)
	tmp := filepath.Join(dst.Root(), "pack", "tmp-fetch.pack")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := dst.IngestPack(tmp)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst.Root(), "pack", "pack-"+string(sum)+".pack")); err != nil {
		t.Fatalf("pack not moved into place: %v", err)
	}
	for _, h := range hashes {
		if !dst.Exists(h) {
			t.Fatalf("object %s missing after ingest", h)
		}
	}
	commit, err := dst.ReadCommit(c2)
	if err != nil {
		t.Fatalf("read commit from pack: %v", err)
	}
	if commit.Message != "two\n" {
		t.Fatalf("unexpected message %q", commit.Message)
	}
}
