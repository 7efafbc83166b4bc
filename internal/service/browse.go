package service

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/repohost/internal/diff"
	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/refs"
)

// Branch is a branch head as listed by the API.
type Branch struct {
	Name      string `json:"name"`
	Commit    string `json:"commit"`
	IsDefault bool   `json:"is_default"`
}

// TreeEntry represents a file or directory in a tree listing.
type TreeEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // blob, tree or commit (submodule)
	Mode string `json:"mode"`
	Hash string `json:"hash"`
	Size *int64 `json:"size,omitempty"`
}

// Person is a commit author or committer.
type Person struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

// CommitInfo is a summary of a commit for API responses.
type CommitInfo struct {
	Hash      string   `json:"hash"`
	Tree      string   `json:"tree"`
	Parents   []string `json:"parents"`
	Author    Person   `json:"author"`
	Committer Person   `json:"committer"`
	Message   string   `json:"message"`
}

// BlobContent holds file content for API responses.
type BlobContent struct {
	Path   string `json:"path"`
	Hash   string `json:"hash"`
	Size   int    `json:"size"`
	Binary bool   `json:"binary"`
	Data   []byte `json:"-"`
}

const defaultLogLimit = 50

type BrowseService struct {
	repoSvc *RepoService
}

func NewBrowseService(repoSvc *RepoService) *BrowseService {
	return &BrowseService{repoSvc: repoSvc}
}

// ListBranches returns every branch sorted by name.
func (s *BrowseService) ListBranches(ctx context.Context, slug string) ([]Branch, error) {
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	heads, err := h.Store.Refs.List(refs.HeadsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	def, err := h.Store.Refs.DefaultBranch()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	branches := make([]Branch, 0, len(heads))
	for name, hash := range heads {
		short := strings.TrimPrefix(name, refs.HeadsPrefix)
		branches = append(branches, Branch{Name: short, Commit: string(hash), IsDefault: short == def})
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// ResolveRevision resolves HEAD, a branch, a tag or a full commit hash to
// a commit hash.
func (s *BrowseService) ResolveRevision(ctx context.Context, slug, rev string) (object.Hash, error) {
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return "", err
	}
	defer h.Release()
	return resolveRevision(h.Store.Objects, h.Store.Refs, rev)
}

func resolveRevision(objects *object.Store, store *refs.Store, rev string) (object.Hash, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return "", fmt.Errorf("%w: empty revision", ErrInvalidArgument)
	}
	target, err := store.Resolve(rev)
	if errors.Is(err, refs.ErrNotFound) || errors.Is(err, refs.ErrInvalidName) {
		hash, perr := object.ParseHash(strings.ToLower(rev))
		if perr != nil {
			return "", fmt.Errorf("%w: revision %q", ErrNotFound, rev)
		}
		target, err = hash, nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("resolve %q: %w", rev, err))
	}
	commit, err := objects.PeelToCommit(target)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) || errors.Is(err, object.ErrTypeMismatch) {
			return "", fmt.Errorf("%w: commit %s", ErrNotFound, target)
		}
		return "", classify(fmt.Errorf("resolve %q: %w", rev, err))
	}
	return commit, nil
}

// ListTree returns the entries of the directory at dirPath within a
// commit. An empty path lists the root tree.
func (s *BrowseService) ListTree(ctx context.Context, slug, rev, dirPath string) ([]TreeEntry, error) {
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	objects := h.Store.Objects

	commitHash, err := resolveRevision(objects, h.Store.Refs, rev)
	if err != nil {
		return nil, err
	}
	commit, err := objects.ReadCommit(commitHash)
	if err != nil {
		return nil, classify(fmt.Errorf("read commit: %w", err))
	}

	dirPath = cleanPath(dirPath)
	treeHash := commit.Tree
	if dirPath != "" {
		entry, err := walkPath(objects, commit.Tree, dirPath)
		if err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrPathNotFound, dirPath)
		}
		treeHash = entry.Hash
	}

	tree, err := objects.ReadTree(treeHash)
	if err != nil {
		return nil, classify(fmt.Errorf("read tree: %w", err))
	}
	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		te := TreeEntry{
			Name: e.Name,
			Path: path.Join(dirPath, e.Name),
			Type: string(e.Type()),
			Mode: e.Mode,
			Hash: string(e.Hash),
		}
		if e.Type() == object.TypeBlob {
			data, err := objects.ReadBlob(e.Hash)
			if err != nil {
				return nil, classify(fmt.Errorf("read blob %s: %w", te.Path, err))
			}
			size := int64(len(data))
			te.Size = &size
		}
		entries = append(entries, te)
	}
	return entries, nil
}

// ReadFile returns the blob at filePath within a commit.
func (s *BrowseService) ReadFile(ctx context.Context, slug, rev, filePath string) (*BlobContent, error) {
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	objects := h.Store.Objects

	commitHash, err := resolveRevision(objects, h.Store.Refs, rev)
	if err != nil {
		return nil, err
	}
	commit, err := objects.ReadCommit(commitHash)
	if err != nil {
		return nil, classify(fmt.Errorf("read commit: %w", err))
	}
	filePath = cleanPath(filePath)
	if filePath == "" {
		return nil, ErrNotAFile
	}
	entry, err := walkPath(objects, commit.Tree, filePath)
	if err != nil {
		return nil, err
	}
	if entry.Type() != object.TypeBlob {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, filePath)
	}
	data, err := objects.ReadBlob(entry.Hash)
	if err != nil {
		return nil, classify(fmt.Errorf("read blob: %w", err))
	}
	return &BlobContent{
		Path:   filePath,
		Hash:   string(entry.Hash),
		Size:   len(data),
		Binary: diff.IsBinary(data),
		Data:   data,
	}, nil
}

// GetCommit returns commit metadata.
func (s *BrowseService) GetCommit(ctx context.Context, slug, rev string) (*CommitInfo, error) {
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	hash, err := resolveRevision(h.Store.Objects, h.Store.Refs, rev)
	if err != nil {
		return nil, err
	}
	c, err := h.Store.Objects.ReadCommit(hash)
	if err != nil {
		return nil, classify(fmt.Errorf("read commit: %w", err))
	}
	info := commitInfo(hash, c)
	return &info, nil
}

// ListCommits walks history from rev, newest committer date first,
// following every parent.
func (s *BrowseService) ListCommits(ctx context.Context, slug, rev string, limit int) ([]CommitInfo, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	objects := h.Store.Objects

	start, err := resolveRevision(objects, h.Store.Refs, rev)
	if err != nil {
		return nil, err
	}
	first, err := objects.ReadCommit(start)
	if err != nil {
		return nil, classify(fmt.Errorf("read commit: %w", err))
	}

	seen := map[object.Hash]bool{start: true}
	q := &commitQueue{{hash: start, commit: first}}
	var out []CommitInfo
	for q.Len() > 0 && len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, classify(err)
		}
		next := heap.Pop(q).(queuedCommit)
		out = append(out, commitInfo(next.hash, next.commit))
		for _, p := range next.commit.Parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			pc, err := objects.ReadCommit(p)
			if err != nil {
				return nil, classify(fmt.Errorf("read parent %s: %w", p, err))
			}
			heap.Push(q, queuedCommit{hash: p, commit: pc})
		}
	}
	return out, nil
}

type queuedCommit struct {
	hash   object.Hash
	commit *object.Commit
}

// commitQueue is a max-heap on committer time.
type commitQueue []queuedCommit

func (q commitQueue) Len() int { return len(q) }
func (q commitQueue) Less(i, j int) bool {
	ti, tj := q[i].commit.Committer.When, q[j].commit.Committer.When
	if ti.Equal(tj) {
		return q[i].hash < q[j].hash
	}
	return ti.After(tj)
}
func (q commitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *commitQueue) Push(x any)   { *q = append(*q, x.(queuedCommit)) }
func (q *commitQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}

func commitInfo(h object.Hash, c *object.Commit) CommitInfo {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = string(p)
	}
	return CommitInfo{
		Hash:      string(h),
		Tree:      string(c.Tree),
		Parents:   parents,
		Author:    Person{Name: c.Author.Name, Email: c.Author.Email, Date: c.Author.When},
		Committer: Person{Name: c.Committer.Name, Email: c.Committer.Email, Date: c.Committer.When},
		Message:   c.Message,
	}
}

// cleanPath normalizes an API path: no leading or trailing slashes, and
// "." for the root becomes "".
func cleanPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}

// walkPath descends from root through each segment of p. A missing
// segment, or a file traversed as a directory, is ErrPathNotFound.
func walkPath(objects *object.Store, root object.Hash, p string) (object.TreeEntry, error) {
	current := object.TreeEntry{Mode: object.ModeDir, Hash: root}
	for _, seg := range strings.Split(p, "/") {
		if !current.IsDir() {
			return object.TreeEntry{}, fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
		tree, err := objects.ReadTree(current.Hash)
		if err != nil {
			return object.TreeEntry{}, classify(fmt.Errorf("read tree: %w", err))
		}
		entry, ok := tree.Find(seg)
		if !ok {
			return object.TreeEntry{}, fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
		current = entry
	}
	return current, nil
}
