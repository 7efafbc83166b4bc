package object

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/odvcencio/repohost/internal/storage"
)

// Store is one repository's object database: loose objects under
// "objects/ab/cdef..." plus packs under "objects/pack". Reads consult loose
// storage first, then the packs. A Store is safe for concurrent use.
type Store struct {
	root   string
	loose  *looseStore
	parent *Store

	mu    sync.RWMutex
	packs []*Pack
}

// Open opens (creating if needed) the object database rooted at objectsDir.
func Open(objectsDir string) (*Store, error) {
	backend, err := storage.NewLocalBackend(objectsDir)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(objectsDir, "pack"), 0o755); err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	s := &Store{root: objectsDir, loose: &looseStore{backend: backend}}
	if err := s.loadPacks(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) packDir() string { return filepath.Join(s.root, "pack") }

func (s *Store) loadPacks() error {
	matches, err := filepath.Glob(filepath.Join(s.packDir(), "pack-*.pack"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	packs := make([]*Pack, 0, len(matches))
	for _, m := range matches {
		p, err := OpenPack(m)
		if err != nil {
			for _, q := range packs {
				q.Close()
			}
			return fmt.Errorf("open object store: %w", err)
		}
		packs = append(packs, p)
	}
	s.mu.Lock()
	old := s.packs
	s.packs = packs
	s.mu.Unlock()
	for _, p := range old {
		p.Close()
	}
	return nil
}

// Close releases open pack files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, p := range s.packs {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.packs = nil
	return first
}

// Root returns the objects directory.
func (s *Store) Root() string { return s.root }

// Get returns the type and body of h. The returned slice must not be
// modified.
func (s *Store) Get(h Hash) (ObjectType, []byte, error) {
	t, data, err := s.loose.read(h)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return t, data, err
	}
	s.mu.RLock()
	packs := s.packs
	s.mu.RUnlock()
	for _, p := range packs {
		if p.Has(h) {
			return p.Get(h)
		}
	}
	if s.parent != nil {
		return s.parent.Get(h)
	}
	return "", nil, fmt.Errorf("object %s: %w", h, ErrNotFound)
}

// Exists reports whether h is stored in any layout.
func (s *Store) Exists(h Hash) bool {
	if ok, err := s.loose.has(h); err == nil && ok {
		return true
	}
	s.mu.RLock()
	packs := s.packs
	s.mu.RUnlock()
	for _, p := range packs {
		if p.Has(h) {
			return true
		}
	}
	return s.parent != nil && s.parent.Exists(h)
}

// Put stores an object as a loose file unless it already exists and
// returns its name.
func (s *Store) Put(t ObjectType, data []byte) (Hash, error) {
	if !t.Valid() {
		return "", fmt.Errorf("put object: invalid type %q", t)
	}
	h := HashObject(t, data)
	if s.Exists(h) {
		return h, nil
	}
	return s.loose.write(t, data)
}

// Typed convenience methods

func (s *Store) ReadBlob(h Hash) ([]byte, error) {
	return s.readTyped(h, TypeBlob)
}

func (s *Store) ReadTree(h Hash) (*Tree, error) {
	data, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return ParseTree(data)
}

func (s *Store) ReadCommit(h Hash) (*Commit, error) {
	data, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return ParseCommit(data)
}

func (s *Store) ReadTag(h Hash) (*Tag, error) {
	data, err := s.readTyped(h, TypeTag)
	if err != nil {
		return nil, err
	}
	return ParseTag(data)
}

func (s *Store) WriteBlob(data []byte) (Hash, error) { return s.Put(TypeBlob, data) }

func (s *Store) WriteTree(t *Tree) (Hash, error) {
	data, err := MarshalTree(t)
	if err != nil {
		return "", err
	}
	return s.Put(TypeTree, data)
}

func (s *Store) WriteCommit(c *Commit) (Hash, error) { return s.Put(TypeCommit, MarshalCommit(c)) }

// ErrTypeMismatch is returned by the typed readers when an object exists
// with a different type.
var ErrTypeMismatch = errors.New("object type mismatch")

func (s *Store) readTyped(h Hash, want ObjectType) ([]byte, error) {
	t, data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("object %s is a %s, not a %s: %w", h, t, want, ErrTypeMismatch)
	}
	return data, nil
}

// PeelToCommit follows annotated tags until it reaches a commit.
func (s *Store) PeelToCommit(h Hash) (Hash, error) {
	for i := 0; i < 16; i++ {
		t, data, err := s.Get(h)
		if err != nil {
			return "", err
		}
		switch t {
		case TypeCommit:
			return h, nil
		case TypeTag:
			tag, err := ParseTag(data)
			if err != nil {
				return "", err
			}
			h = tag.Object
		default:
			return "", fmt.Errorf("object %s is a %s, not a commit: %w", h, t, ErrTypeMismatch)
		}
	}
	return "", fmt.Errorf("tag chain at %s too deep", h)
}

// All lists every object name in loose storage and the packs, sorted and
// deduplicated.
func (s *Store) All() ([]Hash, error) {
	seen := make(map[Hash]struct{})
	loose, err := s.loose.list()
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	for _, h := range loose {
		seen[h] = struct{}{}
	}
	s.mu.RLock()
	for _, p := range s.packs {
		for _, h := range p.Hashes() {
			seen[h] = struct{}{}
		}
	}
	s.mu.RUnlock()
	out := make([]Hash, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// IngestPack indexes a pack file that was written somewhere inside this
// store (for instance a fetched pack) and moves it into place as
// "pack-<checksum>.pack". The source file is consumed.
func (s *Store) IngestPack(tmpPath string) (Hash, error) {
	p, err := IndexPack(tmpPath, s.Get)
	if err != nil {
		os.Remove(tmpPath)
		os.Remove(strings.TrimSuffix(tmpPath, ".pack") + ".idx")
		return "", err
	}
	sum := p.Index().PackChecksum
	p.Close()

	base := filepath.Join(s.packDir(), "pack-"+string(sum))
	srcBase := strings.TrimSuffix(tmpPath, ".pack")
	if err := os.Rename(tmpPath, base+".pack"); err != nil {
		return "", fmt.Errorf("ingest pack: %w", err)
	}
	if err := os.Rename(srcBase+".idx", base+".idx"); err != nil {
		return "", fmt.Errorf("ingest pack: %w", err)
	}
	if err := s.loadPacks(); err != nil {
		return "", err
	}
	return sum, nil
}

// Quarantine returns a temporary store whose writes land in a private
// directory under this store and whose reads fall through to it. Call
// Migrate to publish its objects or Discard to drop them.
func (s *Store) Quarantine() (*Store, error) {
	dir := filepath.Join(s.root, "incoming-"+uuid.NewString())
	backend, err := storage.NewLocalBackend(dir)
	if err != nil {
		return nil, fmt.Errorf("create quarantine: %w", err)
	}
	return &Store{root: dir, loose: &looseStore{backend: backend}, parent: s}, nil
}

// Unpack reads a pack stream into this store's loose storage. Every
// entry is checked for zlib integrity and size, deltas are resolved
// against the pack or the store, and the pack trailer must match. It
// returns the names of the objects received.
func (s *Store) Unpack(r io.Reader) ([]Hash, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.root, "receive-*.pack")
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer os.Remove(strings.TrimSuffix(tmpPath, ".pack") + ".idx")

	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("unpack: spool pack: %w", err)
	}

	p, err := IndexPack(tmpPath, s.Get)
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	defer p.Close()
	hashes := p.Hashes()
	for _, h := range hashes {
		t, data, err := p.Get(h)
		if err != nil {
			return nil, fmt.Errorf("unpack: %w", err)
		}
		if _, err := s.loose.write(t, data); err != nil {
			return nil, fmt.Errorf("unpack: %w", err)
		}
	}
	return hashes, nil
}

// Migrate moves a quarantine's objects into the parent store and removes
// the quarantine directory.
func (s *Store) Migrate() error {
	if s.parent == nil {
		return errors.New("migrate: store is not a quarantine")
	}
	hashes, err := s.loose.list()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, h := range hashes {
		if ok, _ := s.parent.loose.has(h); ok {
			continue
		}
		if err := os.MkdirAll(filepath.Join(s.parent.root, string(h[:2])), 0o755); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		src := filepath.Join(s.root, string(h[:2]), string(h[2:]))
		dst := filepath.Join(s.parent.root, string(h[:2]), string(h[2:]))
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("migrate %s: %w", h, err)
		}
	}
	return s.Discard()
}

// Discard removes a quarantine and everything written to it.
func (s *Store) Discard() error {
	if s.parent == nil {
		return errors.New("discard: store is not a quarantine")
	}
	return os.RemoveAll(s.root)
}
