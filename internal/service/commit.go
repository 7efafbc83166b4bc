package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/refs"
)

// CommitInput is a single-file change committed through the API.
type CommitInput struct {
	Branch  string
	Author  string
	Email   string
	Message string
	Path    string
	Content []byte
	Delete  bool
}

// CommitResult reports the commit created by CommitService.Commit.
type CommitResult struct {
	Commit string `json:"commit"`
	Branch string `json:"branch"`
	Parent string `json:"parent,omitempty"`
}

type CommitService struct {
	repoSvc *RepoService
	now     func() time.Time
}

func NewCommitService(repoSvc *RepoService) *CommitService {
	return &CommitService{repoSvc: repoSvc, now: time.Now}
}

// Commit writes in.Content at in.Path (or deletes it) on top of
// expectedParent and moves the branch with compare-and-swap. An
// expectedParent of "root" or the zero hash creates the branch's first
// commit. A branch that moved meanwhile yields ErrConflict.
func (s *CommitService) Commit(ctx context.Context, slug, expectedParent string, in CommitInput) (*CommitResult, error) {
	filePath := strings.Trim(in.Path, "/")
	if err := validateCommitInput(filePath, in); err != nil {
		return nil, err
	}
	parent, err := parseExpectedParent(expectedParent)
	if err != nil {
		return nil, err
	}

	h, err := s.repoSvc.AcquireWrite(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	objects, store := h.Store.Objects, h.Store.Refs

	branch := strings.TrimPrefix(strings.TrimSpace(in.Branch), refs.HeadsPrefix)
	if branch == "" {
		if branch, err = store.DefaultBranch(); err != nil {
			return nil, classify(fmt.Errorf("read HEAD: %w", err))
		}
	}
	refName := refs.HeadsPrefix + branch
	if err := refs.ValidateName(refName); err != nil {
		return nil, fmt.Errorf("%w: branch %q", ErrInvalidArgument, branch)
	}

	current, err := store.Get(refName)
	switch {
	case errors.Is(err, refs.ErrNotFound):
		current = object.ZeroHash
	case err != nil:
		return nil, classify(fmt.Errorf("read branch: %w", err))
	}
	if current != parent {
		return nil, classify(&refs.CASMismatchError{Name: refName, Expected: parent, Actual: current})
	}

	var baseTree object.Hash
	if !parent.IsZero() {
		c, err := objects.ReadCommit(parent)
		if err != nil {
			return nil, classify(fmt.Errorf("read parent: %w", err))
		}
		baseTree = c.Tree
	}

	var blob *object.Hash
	if !in.Delete {
		b, err := objects.WriteBlob(in.Content)
		if err != nil {
			return nil, fmt.Errorf("write blob: %w", err)
		}
		blob = &b
	}
	newTree, err := rewriteTree(objects, baseTree, strings.Split(filePath, "/"), object.ModeFile, blob)
	if err != nil {
		return nil, err
	}
	if newTree.IsZero() {
		if newTree, err = objects.WriteTree(&object.Tree{}); err != nil {
			return nil, fmt.Errorf("write tree: %w", err)
		}
	}

	now := s.now()
	sig := object.Signature{Name: in.Author, Email: in.Email, When: now}
	message := in.Message
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	c := &object.Commit{Tree: newTree, Author: sig, Committer: sig, Message: message}
	if !parent.IsZero() {
		c.Parents = []object.Hash{parent}
	}
	commitHash, err := objects.WriteCommit(c)
	if err != nil {
		return nil, fmt.Errorf("write commit: %w", err)
	}
	expected := parent
	if err := store.Update(refName, &expected, commitHash); err != nil {
		return nil, classify(fmt.Errorf("update %s: %w", refName, err))
	}
	if err := s.repoSvc.Touch(ctx, slug); err != nil {
		s.repoSvc.logger.Warn("touch repository after commit", "repo", slug, "error", err)
	}

	res := &CommitResult{Commit: string(commitHash), Branch: branch}
	if !parent.IsZero() {
		res.Parent = string(parent)
	}
	return res, nil
}

func validateCommitInput(filePath string, in CommitInput) error {
	switch {
	case strings.TrimSpace(in.Author) == "" || strings.TrimSpace(in.Email) == "":
		return fmt.Errorf("%w: author and email are required", ErrInvalidArgument)
	case strings.ContainsAny(in.Author+in.Email, "<>\n"):
		return fmt.Errorf("%w: author and email must not contain '<', '>' or newlines", ErrInvalidArgument)
	case strings.TrimSpace(in.Message) == "":
		return fmt.Errorf("%w: message is required", ErrInvalidArgument)
	case filePath == "":
		return fmt.Errorf("%w: path is required", ErrInvalidArgument)
	}
	for _, seg := range strings.Split(filePath, "/") {
		if seg == "" || seg == ".." || seg == "." || seg == ".git" {
			return fmt.Errorf("%w: path segment %q", ErrInvalidArgument, seg)
		}
		if strings.IndexFunc(seg, isControl) >= 0 {
			return fmt.Errorf("%w: path segment %q contains a control character", ErrInvalidArgument, seg)
		}
	}
	return nil
}

// isControl reports bytes a tree entry name cannot carry: NUL ends the
// name in the tree encoding, and the rest break patch and log output.
func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func parseExpectedParent(s string) (object.Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "root" || s == "" {
		return object.ZeroHash, nil
	}
	h, err := object.ParseHash(s)
	if err != nil {
		return "", fmt.Errorf("%w: parent %q is not a commit hash", ErrInvalidArgument, s)
	}
	if h.IsZero() {
		return object.ZeroHash, nil
	}
	return h, nil
}

// rewriteTree returns the hash of tree with the entry at segs replaced by
// blob, or removed when blob is nil. Trees left empty are pruned and
// reported as the zero hash.
func rewriteTree(objects *object.Store, tree object.Hash, segs []string, mode string, blob *object.Hash) (object.Hash, error) {
	var entries []object.TreeEntry
	if !tree.IsZero() {
		t, err := objects.ReadTree(tree)
		if err != nil {
			return "", classify(fmt.Errorf("read tree: %w", err))
		}
		entries = append(entries, t.Entries...)
	}

	name := segs[0]
	idx := -1
	for i, e := range entries {
		if e.Name == name {
			idx = i
			break
		}
	}

	var replacement *object.TreeEntry
	if len(segs) == 1 {
		if idx >= 0 && entries[idx].IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrConflict, name)
		}
		if blob == nil {
			if idx < 0 {
				return "", fmt.Errorf("%w: %s", ErrPathNotFound, name)
			}
		} else {
			m := mode
			if idx >= 0 && entries[idx].Mode == object.ModeExecutable {
				m = object.ModeExecutable
			}
			replacement = &object.TreeEntry{Mode: m, Name: name, Hash: *blob}
		}
	} else {
		var sub object.Hash
		if idx >= 0 {
			if !entries[idx].IsDir() {
				return "", fmt.Errorf("%w: %s is a file", ErrConflict, name)
			}
			sub = entries[idx].Hash
		} else if blob == nil {
			return "", fmt.Errorf("%w: %s", ErrPathNotFound, name)
		}
		newSub, err := rewriteTree(objects, sub, segs[1:], mode, blob)
		if err != nil {
			return "", err
		}
		if !newSub.IsZero() {
			replacement = &object.TreeEntry{Mode: object.ModeDir, Name: name, Hash: newSub}
		}
	}

	switch {
	case replacement != nil && idx >= 0:
		entries[idx] = *replacement
	case replacement != nil:
		entries = append(entries, *replacement)
	case idx >= 0:
		entries = append(entries[:idx], entries[idx+1:]...)
	}
	if len(entries) == 0 {
		return object.ZeroHash, nil
	}
	h, err := objects.WriteTree(&object.Tree{Entries: entries})
	if err != nil {
		return "", fmt.Errorf("write tree: %w", err)
	}
	return h, nil
}
