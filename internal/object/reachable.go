package object

import (
	"context"
	"fmt"
	"iter"
)

// IterateReachable lazily yields every object reachable from roots:
// commits to their tree and parents, trees to their entries, tags to
// their target. Objects in exclude are neither yielded nor descended
// into. Submodule commits are skipped since they live in another
// repository. A missing object ends the sequence with an error wrapping
// ErrNotFound.
func (s *Store) IterateReachable(ctx context.Context, roots []Hash, exclude map[Hash]struct{}) iter.Seq2[Hash, error] {
	return func(yield func(Hash, error) bool) {
		visited := make(map[Hash]struct{}, len(roots))
		stack := make([]Hash, 0, len(roots))
		for i := len(roots) - 1; i >= 0; i-- {
			stack = append(stack, roots[i])
		}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			h := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if h.IsZero() {
				continue
			}
			if _, ok := visited[h]; ok {
				continue
			}
			if _, ok := exclude[h]; ok {
				continue
			}
			visited[h] = struct{}{}

			t, data, err := s.Get(h)
			if err != nil {
				yield("", fmt.Errorf("reachable walk: %w", err))
				return
			}
			children, err := referencedHashes(t, data)
			if err != nil {
				yield("", fmt.Errorf("reachable walk %s: %w", h, err))
				return
			}
			if !yield(h, nil) {
				return
			}
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}
}

// ReachableSet collects IterateReachable into a set. Roots that are not
// in the store are ignored rather than reported.
func (s *Store) ReachableSet(ctx context.Context, roots []Hash) (map[Hash]struct{}, error) {
	present := make([]Hash, 0, len(roots))
	for _, r := range roots {
		if s.Exists(r) {
			present = append(present, r)
		}
	}
	out := make(map[Hash]struct{})
	for h, err := range s.IterateReachable(ctx, present, nil) {
		if err != nil {
			return nil, err
		}
		out[h] = struct{}{}
	}
	return out, nil
}

func referencedHashes(t ObjectType, data []byte) ([]Hash, error) {
	switch t {
	case TypeCommit:
		c, err := ParseCommit(data)
		if err != nil {
			return nil, err
		}
		out := make([]Hash, 0, 1+len(c.Parents))
		out = append(out, c.Tree)
		return append(out, c.Parents...), nil
	case TypeTree:
		tree, err := ParseTree(data)
		if err != nil {
			return nil, err
		}
		out := make([]Hash, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			if e.Mode == ModeSubmodule {
				continue
			}
			out = append(out, e.Hash)
		}
		return out, nil
	case TypeTag:
		tag, err := ParseTag(data)
		if err != nil {
			return nil, err
		}
		return []Hash{tag.Object}, nil
	}
	return nil, nil
}
