package object

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RepackStats summarizes a Repack run.
type RepackStats struct {
	Objects      int
	LooseRemoved int
	PacksRemoved int
	Pack         Hash
}

// Repack writes every object into one new pack and removes the loose
// files and packs it supersedes. The caller must hold the repository's
// exclusive lock.
func (s *Store) Repack() (RepackStats, error) {
	var stats RepackStats
	all, err := s.All()
	if err != nil {
		return stats, err
	}
	if len(all) == 0 {
		return stats, nil
	}

	tmp, err := os.CreateTemp(s.packDir(), "tmp-*.pack")
	if err != nil {
		return stats, fmt.Errorf("repack: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	bw := bufio.NewWriter(tmp)
	pw, err := NewPackWriter(bw, uint32(len(all)))
	if err != nil {
		tmp.Close()
		return stats, err
	}
	for _, h := range all {
		t, data, err := s.Get(h)
		if err != nil {
			tmp.Close()
			return stats, fmt.Errorf("repack: %w", err)
		}
		if err := pw.WriteObject(t, data); err != nil {
			tmp.Close()
			return stats, err
		}
	}
	sum, err := pw.Close()
	if err == nil {
		err = bw.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return stats, fmt.Errorf("repack: %w", err)
	}

	base := filepath.Join(s.packDir(), "pack-"+string(sum))
	var idx bytes.Buffer
	if err := WritePackIndex(&idx, pw.Entries(), sum); err != nil {
		return stats, err
	}
	if err := writeFileAtomic(base+".idx", idx.Bytes()); err != nil {
		return stats, fmt.Errorf("repack: %w", err)
	}
	if err := os.Rename(tmpPath, base+".pack"); err != nil {
		return stats, fmt.Errorf("repack: %w", err)
	}

	s.mu.RLock()
	var stale []string
	for _, p := range s.packs {
		if p.Path() != base+".pack" {
			stale = append(stale, p.Path())
		}
	}
	s.mu.RUnlock()

	loose, err := s.loose.list()
	if err != nil {
		return stats, err
	}
	if err := s.loadOnly(base + ".pack"); err != nil {
		return stats, err
	}
	for _, h := range loose {
		if err := s.loose.remove(h); err != nil {
			return stats, fmt.Errorf("repack: remove loose %s: %w", h, err)
		}
		stats.LooseRemoved++
	}
	for _, p := range stale {
		os.Remove(p)
		os.Remove(p[:len(p)-len(".pack")] + ".idx")
		stats.PacksRemoved++
	}
	stats.Objects = len(all)
	stats.Pack = sum
	return stats, nil
}

func (s *Store) loadOnly(packPath string) error {
	p, err := OpenPack(packPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.packs
	s.packs = []*Pack{p}
	s.mu.Unlock()
	for _, q := range old {
		q.Close()
	}
	return nil
}

// Verify re-reads every stored object and checks it against its name.
// It returns the names that failed; the error is non-nil only when the
// store could not be enumerated.
func (s *Store) Verify() (checked int, corrupt []Hash, err error) {
	all, err := s.All()
	if err != nil {
		return 0, nil, err
	}
	for _, h := range all {
		checked++
		if _, _, err := s.Get(h); err != nil {
			if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrNotFound) {
				corrupt = append(corrupt, h)
				continue
			}
			return checked, corrupt, err
		}
	}
	return checked, corrupt, nil
}
