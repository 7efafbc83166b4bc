package service

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/odvcencio/repohost/internal/diff"
	"github.com/odvcencio/repohost/internal/object"
	"golang.org/x/sync/errgroup"
)

// ChangeKind classifies a FileChange.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
	ChangeRenamed  ChangeKind = "renamed"
)

// diffWorkers bounds concurrent per-file hunk computation.
const diffWorkers = 4

// FileChange is one path that differs between two trees.
type FileChange struct {
	Path    string      `json:"path"`
	OldPath string      `json:"old_path,omitempty"`
	Kind    ChangeKind  `json:"kind"`
	OldHash string      `json:"old_hash,omitempty"`
	NewHash string      `json:"new_hash,omitempty"`
	OldMode string      `json:"old_mode,omitempty"`
	NewMode string      `json:"new_mode,omitempty"`
	Binary  bool        `json:"binary,omitempty"`
	Hunks   []diff.Hunk `json:"hunks,omitempty"`
	Patch   string      `json:"patch,omitempty"`
}

// CommitDiff is a commit compared with its first parent.
type CommitDiff struct {
	Commit CommitInfo   `json:"commit"`
	Parent string       `json:"parent,omitempty"`
	Files  []FileChange `json:"files"`
}

type DiffService struct {
	repoSvc *RepoService
}

func NewDiffService(repoSvc *RepoService) *DiffService {
	return &DiffService{repoSvc: repoSvc}
}

// DiffCommit compares a commit with its first parent, or with the empty
// tree for a root commit.
func (s *DiffService) DiffCommit(ctx context.Context, slug, rev string) (*CommitDiff, error) {
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	objects := h.Store.Objects

	hash, err := resolveRevision(objects, h.Store.Refs, rev)
	if err != nil {
		return nil, err
	}
	commit, err := objects.ReadCommit(hash)
	if err != nil {
		return nil, classify(fmt.Errorf("read commit: %w", err))
	}
	out := &CommitDiff{Commit: commitInfo(hash, commit)}
	var parentTree object.Hash
	if len(commit.Parents) > 0 {
		parent, err := objects.ReadCommit(commit.Parents[0])
		if err != nil {
			return nil, classify(fmt.Errorf("read parent: %w", err))
		}
		out.Parent = string(commit.Parents[0])
		parentTree = parent.Tree
	}
	out.Files, err = diffTrees(ctx, objects, parentTree, commit.Tree)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Diff compares the trees of two revisions.
func (s *DiffService) Diff(ctx context.Context, slug, fromRev, toRev string) ([]FileChange, error) {
	h, err := s.repoSvc.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	objects := h.Store.Objects

	var trees [2]object.Hash
	for i, rev := range []string{fromRev, toRev} {
		hash, err := resolveRevision(objects, h.Store.Refs, rev)
		if err != nil {
			return nil, err
		}
		c, err := objects.ReadCommit(hash)
		if err != nil {
			return nil, classify(fmt.Errorf("read commit: %w", err))
		}
		trees[i] = c.Tree
	}
	return diffTrees(ctx, objects, trees[0], trees[1])
}

// diffTrees lists changed paths between two trees (either may be empty),
// pairs identical removed/added blobs as renames, then computes hunks.
// The result is ordered by path.
func diffTrees(ctx context.Context, objects *object.Store, oldTree, newTree object.Hash) ([]FileChange, error) {
	var changes []FileChange
	if err := compareTrees(ctx, objects, oldTree, newTree, "", &changes); err != nil {
		return nil, err
	}
	changes = detectRenames(changes)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(diffWorkers)
	for i := range changes {
		c := &changes[i]
		if c.Kind == ChangeRenamed || !isBlobMode(c.OldMode, c.NewMode) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return computeHunks(objects, c)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, classify(err)
	}
	if changes == nil {
		changes = []FileChange{}
	}
	return changes, nil
}

// compareTrees walks the union of entry names at one level, recursing
// into subtrees present on either side.
func compareTrees(ctx context.Context, objects *object.Store, oldTree, newTree object.Hash, prefix string, out *[]FileChange) error {
	if oldTree == newTree {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	oldEntries, err := treeEntries(objects, oldTree)
	if err != nil {
		return err
	}
	newEntries, err := treeEntries(objects, newTree)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(oldEntries)+len(newEntries))
	for name := range oldEntries {
		names = append(names, name)
	}
	for name := range newEntries {
		if _, ok := oldEntries[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		o, hasOld := oldEntries[name]
		n, hasNew := newEntries[name]
		p := path.Join(prefix, name)

		oldDir := hasOld && o.IsDir()
		newDir := hasNew && n.IsDir()
		if oldDir || newDir {
			var ot, nt object.Hash
			if oldDir {
				ot = o.Hash
			}
			if newDir {
				nt = n.Hash
			}
			if err := compareTrees(ctx, objects, ot, nt, p, out); err != nil {
				return err
			}
			// A file replaced by a directory (or the reverse) also
			// changes the non-directory side.
			if hasOld && !oldDir {
				*out = append(*out, FileChange{Path: p, Kind: ChangeRemoved, OldHash: string(o.Hash), OldMode: o.Mode})
			}
			if hasNew && !newDir {
				*out = append(*out, FileChange{Path: p, Kind: ChangeAdded, NewHash: string(n.Hash), NewMode: n.Mode})
			}
			continue
		}

		switch {
		case hasOld && hasNew:
			if o.Hash == n.Hash && o.Mode == n.Mode {
				continue
			}
			*out = append(*out, FileChange{
				Path: p, Kind: ChangeModified,
				OldHash: string(o.Hash), NewHash: string(n.Hash),
				OldMode: o.Mode, NewMode: n.Mode,
			})
		case hasOld:
			*out = append(*out, FileChange{Path: p, Kind: ChangeRemoved, OldHash: string(o.Hash), OldMode: o.Mode})
		default:
			*out = append(*out, FileChange{Path: p, Kind: ChangeAdded, NewHash: string(n.Hash), NewMode: n.Mode})
		}
	}
	return nil
}

func treeEntries(objects *object.Store, h object.Hash) (map[string]object.TreeEntry, error) {
	if h.IsZero() {
		return nil, nil
	}
	tree, err := objects.ReadTree(h)
	if err != nil {
		return nil, classify(fmt.Errorf("read tree %s: %w", h, err))
	}
	m := make(map[string]object.TreeEntry, len(tree.Entries))
	for _, e := range tree.Entries {
		m[e.Name] = e
	}
	return m, nil
}

// detectRenames collapses a removed and an added path with the same blob
// into one rename. Candidates are matched in path order, first match wins.
func detectRenames(changes []FileChange) []FileChange {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	added := make(map[string][]int)
	for i, c := range changes {
		if c.Kind == ChangeAdded {
			added[c.NewHash] = append(added[c.NewHash], i)
		}
	}
	drop := make(map[int]bool)
	for i, c := range changes {
		if c.Kind != ChangeRemoved {
			continue
		}
		candidates := added[c.OldHash]
		if len(candidates) == 0 {
			continue
		}
		j := candidates[0]
		added[c.OldHash] = candidates[1:]
		changes[j] = FileChange{
			Path: changes[j].Path, OldPath: c.Path, Kind: ChangeRenamed,
			OldHash: c.OldHash, NewHash: changes[j].NewHash,
			OldMode: c.OldMode, NewMode: changes[j].NewMode,
		}
		drop[i] = true
	}
	if len(drop) == 0 {
		return changes
	}
	out := changes[:0]
	for i, c := range changes {
		if !drop[i] {
			out = append(out, c)
		}
	}
	return out
}

// isBlobMode reports whether both sides (where present) carry file
// content rather than a submodule link.
func isBlobMode(modes ...string) bool {
	for _, m := range modes {
		if m == object.ModeSubmodule {
			return false
		}
	}
	return true
}

func computeHunks(objects *object.Store, c *FileChange) error {
	var oldData, newData []byte
	var err error
	if c.OldHash != "" {
		if oldData, err = objects.ReadBlob(object.Hash(c.OldHash)); err != nil {
			return fmt.Errorf("read blob %s: %w", c.Path, err)
		}
	}
	if c.NewHash != "" {
		if newData, err = objects.ReadBlob(object.Hash(c.NewHash)); err != nil {
			return fmt.Errorf("read blob %s: %w", c.Path, err)
		}
	}
	hunks, binary := diff.Compute(oldData, newData, diff.DefaultContext)
	if binary {
		c.Binary = true
		return nil
	}
	c.Hunks = hunks
	oldName, newName := "a/"+c.Path, "b/"+c.Path
	if c.Kind == ChangeAdded {
		oldName = "/dev/null"
	}
	if c.Kind == ChangeRemoved {
		newName = "/dev/null"
	}
	c.Patch = diff.Unified(oldName, newName, hunks)
	return nil
}
