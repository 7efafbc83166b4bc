package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odvcencio/repohost/internal/object"
)

// FsckReport lists what Fsck found wrong with a repository.
type FsckReport struct {
	Objects    int      `json:"objects"`
	Corrupt    []string `json:"corrupt,omitempty"`
	BrokenRefs []string `json:"broken_refs,omitempty"`
}

// OK reports whether the repository passed every check.
func (r *FsckReport) OK() bool { return len(r.Corrupt) == 0 && len(r.BrokenRefs) == 0 }

// Repack consolidates a repository's objects into a single pack under
// the exclusive lock.
func (s *RepoService) Repack(ctx context.Context, slug string) (object.RepackStats, error) {
	h, err := s.AcquireWrite(ctx, slug)
	if err != nil {
		return object.RepackStats{}, err
	}
	defer h.Release()
	stats, err := h.Store.Objects.Repack()
	if err != nil {
		return stats, classify(fmt.Errorf("repack %s: %w", slug, err))
	}
	s.logger.Info("repository repacked",
		slog.String("repo", slug),
		slog.Int("objects", stats.Objects),
		slog.Int("loose_removed", stats.LooseRemoved),
		slog.Int("packs_removed", stats.PacksRemoved))
	return stats, nil
}

// Fsck re-hashes every object and walks the history of every reference.
// A damaged repository yields the report together with ErrCorruptData.
func (s *RepoService) Fsck(ctx context.Context, slug string) (*FsckReport, error) {
	h, err := s.AcquireRead(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	objects := h.Store.Objects

	report := &FsckReport{}
	checked, corrupt, err := objects.Verify()
	if err != nil {
		return nil, classify(fmt.Errorf("verify %s: %w", slug, err))
	}
	report.Objects = checked
	for _, c := range corrupt {
		report.Corrupt = append(report.Corrupt, string(c))
	}

	all, err := h.Store.Refs.List("refs/")
	if err != nil {
		return nil, classify(fmt.Errorf("list refs: %w", err))
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	verified := make(map[object.Hash]struct{})
	for _, name := range names {
		var walked []object.Hash
		broken := false
		for hash, err := range objects.IterateReachable(ctx, []object.Hash{all[name]}, verified) {
			if err != nil {
				if ctx.Err() != nil {
					return nil, classify(ctx.Err())
				}
				broken = true
				break
			}
			walked = append(walked, hash)
		}
		if broken {
			report.BrokenRefs = append(report.BrokenRefs, name)
			continue
		}
		// Only histories that walked cleanly may be skipped later.
		for _, hash := range walked {
			verified[hash] = struct{}{}
		}
	}

	if !report.OK() {
		return report, fmt.Errorf("%w: %s has %d corrupt objects and %d broken refs", ErrCorruptData, slug, len(report.Corrupt), len(report.BrokenRefs))
	}
	return report, nil
}
