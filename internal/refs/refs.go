package refs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/odvcencio/repohost/internal/object"
)

const (
	HeadsPrefix = "refs/heads/"
	TagsPrefix  = "refs/tags/"
	headFile    = "HEAD"
	packedFile  = "packed-refs"
)

var (
	ErrNotFound    = errors.New("reference not found")
	ErrInvalidName = errors.New("invalid reference name")
	ErrLocked      = errors.New("reference is locked")
)

// CASMismatchError reports a compare-and-swap update whose expected old
// value did not match the reference's current value.
type CASMismatchError struct {
	Name     string
	Expected object.Hash
	Actual   object.Hash
}

func (e *CASMismatchError) Error() string {
	return fmt.Sprintf("ref %s: expected %s, found %s", e.Name, display(e.Expected), display(e.Actual))
}

func display(h object.Hash) string {
	if h.IsZero() {
		return "(none)"
	}
	return string(h)
}

// Store manages the references of one bare repository: loose files under
// refs/, a read-mostly packed-refs file and the symbolic HEAD.
type Store struct {
	root string
	mu   sync.Mutex
}

// New returns the reference store for the repository rooted at repoRoot.
func New(repoRoot string) *Store {
	return &Store{root: repoRoot}
}

// Init writes the refs/heads and refs/tags directories and points HEAD
// at defaultBranch.
func (s *Store) Init(defaultBranch string) error {
	for _, d := range []string{HeadsPrefix, TagsPrefix} {
		if err := os.MkdirAll(filepath.Join(s.root, filepath.FromSlash(d)), 0o755); err != nil {
			return err
		}
	}
	return s.SetDefaultBranch(defaultBranch)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// ValidateName applies the subset of git's ref name rules that matter
// for a hosting service: full names under refs/, no empty or dot
// components, no control or special characters.
func ValidateName(name string) error {
	if !strings.HasPrefix(name, "refs/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".") {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Get returns the value of the fully qualified reference name.
func (s *Store) Get(name string) (object.Hash, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	h, err := s.readLoose(name)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return h, err
	}
	packed, err := s.readPacked()
	if err != nil {
		return "", err
	}
	if h, ok := packed[name]; ok {
		return h, nil
	}
	return "", fmt.Errorf("ref %s: %w", name, ErrNotFound)
}

// Resolve looks up HEAD, a full reference name, or a short branch or tag
// name, in that order.
func (s *Store) Resolve(name string) (object.Hash, error) {
	if name == headFile {
		return s.Head()
	}
	if strings.HasPrefix(name, "refs/") {
		return s.Get(name)
	}
	for _, prefix := range []string{HeadsPrefix, TagsPrefix} {
		h, err := s.Get(prefix + name)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidName) {
			return "", err
		}
	}
	return "", fmt.Errorf("ref %s: %w", name, ErrNotFound)
}

func (s *Store) readLoose(name string) (object.Hash, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ref %s: %w", name, ErrNotFound)
	}
	if err != nil {
		// A directory at this path means the name is only a prefix.
		if fi, serr := os.Stat(s.path(name)); serr == nil && fi.IsDir() {
			return "", fmt.Errorf("ref %s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("ref %s: %w", name, err)
	}
	h, err := object.ParseHash(string(data))
	if err != nil {
		return "", fmt.Errorf("ref %s: %w", name, err)
	}
	return h, nil
}

func (s *Store) readPacked() (map[string]object.Hash, error) {
	f, err := os.Open(filepath.Join(s.root, packedFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]object.Hash{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	defer f.Close()
	out := make(map[string]object.Hash)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' || line[0] == '^' {
			continue
		}
		hex, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		h, err := object.ParseHash(hex)
		if err != nil {
			return nil, fmt.Errorf("read packed-refs: %w", err)
		}
		out[name] = h
	}
	return out, sc.Err()
}

// Set unconditionally points name at h.
func (s *Store) Set(name string, h object.Hash) error {
	return s.Update(name, nil, h)
}

// Update is a compare-and-swap: when expected is non-nil the reference
// must currently hold *expected (the zero hash meaning "must not exist").
// A zero newHash deletes the reference. The write goes through a
// "<name>.lock" file and a rename, and fails with ErrLocked if another
// writer holds the lock.
func (s *Store) Update(name string, expected *object.Hash, newHash object.Hash) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ref %s: %w", name, err)
	}
	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("ref %s: %w", name, ErrLocked)
		}
		return fmt.Errorf("ref %s: %w", name, err)
	}
	committed := false
	defer func() {
		if !committed {
			lock.Close()
			os.Remove(lockPath)
		}
	}()

	current, err := s.Get(name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if expected != nil {
		want := *expected
		if want.IsZero() {
			want = ""
		}
		if current != want {
			return &CASMismatchError{Name: name, Expected: *expected, Actual: current}
		}
	}

	if newHash.IsZero() {
		if current == "" {
			return fmt.Errorf("ref %s: %w", name, ErrNotFound)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete ref %s: %w", name, err)
		}
		if err := s.dropPacked(name); err != nil {
			return err
		}
		lock.Close()
		os.Remove(lockPath)
		committed = true
		s.pruneEmptyDirs(filepath.Dir(path))
		return nil
	}

	if _, err := lock.WriteString(string(newHash) + "\n"); err != nil {
		return fmt.Errorf("write ref %s: %w", name, err)
	}
	if err := lock.Close(); err != nil {
		return fmt.Errorf("write ref %s: %w", name, err)
	}
	if err := os.Rename(lockPath, path); err != nil {
		return fmt.Errorf("write ref %s: %w", name, err)
	}
	committed = true
	return nil
}

// Delete removes name if it currently holds expected (nil skips the check).
func (s *Store) Delete(name string, expected *object.Hash) error {
	return s.Update(name, expected, object.ZeroHash)
}

func (s *Store) dropPacked(name string) error {
	packed, err := s.readPacked()
	if err != nil {
		return err
	}
	if _, ok := packed[name]; !ok {
		return nil
	}
	delete(packed, name)
	names := make([]string, 0, len(packed))
	for n := range packed {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("# pack-refs with: sorted\n")
	for _, n := range names {
		fmt.Fprintf(&b, "%s %s\n", packed[n], n)
	}
	path := filepath.Join(s.root, packedFile)
	tmp := path + ".lock"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("rewrite packed-refs: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) pruneEmptyDirs(dir string) {
	stop := map[string]bool{
		s.path(HeadsPrefix[:len(HeadsPrefix)-1]): true,
		s.path(TagsPrefix[:len(TagsPrefix)-1]):   true,
		s.path("refs"):                           true,
	}
	for !stop[dir] && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// List returns every reference whose full name starts with prefix.
func (s *Store) List(prefix string) (map[string]object.Hash, error) {
	out, err := s.readPacked()
	if err != nil {
		return nil, err
	}
	for name := range out {
		if !strings.HasPrefix(name, prefix) {
			delete(out, name)
		}
	}
	refsDir := s.path("refs")
	err = filepath.WalkDir(refsDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".lock") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		h, err := s.readLoose(name)
		if err != nil {
			return nil
		}
		out[name] = h
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return out, nil
}

// ListAll returns every reference under refs/.
func (s *Store) ListAll() (map[string]object.Hash, error) {
	return s.List("refs/")
}

// DefaultBranch returns the short branch name HEAD points at.
func (s *Store) DefaultBranch() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, headFile))
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	target, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "ref: ")
	if !ok || !strings.HasPrefix(target, HeadsPrefix) {
		return "", fmt.Errorf("HEAD is not a symbolic branch reference: %q", data)
	}
	return strings.TrimPrefix(target, HeadsPrefix), nil
}

// SetDefaultBranch points HEAD at refs/heads/<branch>.
func (s *Store) SetDefaultBranch(branch string) error {
	if err := ValidateName(HeadsPrefix + branch); err != nil {
		return err
	}
	path := filepath.Join(s.root, headFile)
	tmp := path + ".lock"
	if err := os.WriteFile(tmp, []byte("ref: "+HeadsPrefix+branch+"\n"), 0o644); err != nil {
		return fmt.Errorf("write HEAD: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write HEAD: %w", err)
	}
	return nil
}

// Head resolves HEAD to the commit its branch points at.
func (s *Store) Head() (object.Hash, error) {
	branch, err := s.DefaultBranch()
	if err != nil {
		return "", err
	}
	return s.Get(HeadsPrefix + branch)
}
