package refs

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/odvcencio/repohost/internal/object"
)

const (
	hashA = object.Hash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hashB = object.Hash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	hashC = object.Hash("cccccccccccccccccccccccccccccccccccccccc")
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init("main"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestRefsSetUsesAtomicLockRename(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("refs/heads/main", hashA); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	got, err := s.Get("refs/heads/main")
	if err != nil {
		t.Fatalf("get ref: %v", err)
	}
	if got != hashA {
		t.Fatalf("unexpected ref value: %q", got)
	}
	if _, err := os.Stat(filepath.Join(s.root, "refs", "heads", "main.lock")); !os.IsNotExist(err) {
		t.Fatalf("lock file left behind: %v", err)
	}
}

func TestRefsSetFailsWhenLockExists(t *testing.T) {
	s := newTestStore(t)
	lockPath := filepath.Join(s.root, "refs", "heads", "main.lock")
	if err := os.WriteFile(lockPath, []byte("locked"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := s.Set("refs/heads/main", hashB)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("foreign lock must not be removed: %v", err)
	}
}

func TestRefsUpdateCASMismatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("refs/heads/main", hashA); err != nil {
		t.Fatalf("set ref: %v", err)
	}

	expected := hashC
	err := s.Update("refs/heads/main", &expected, hashB)
	var mismatch *CASMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected CASMismatchError, got %T (%v)", err, err)
	}
	if mismatch.Expected != expected || mismatch.Actual != hashA {
		t.Fatalf("unexpected mismatch error payload: %+v", mismatch)
	}
	got, _ := s.Get("refs/heads/main")
	if got != hashA {
		t.Fatalf("expected ref to remain %s, got %s", hashA, got)
	}
}

func TestRefsUpdateCreateOnlyWithZeroExpected(t *testing.T) {
	s := newTestStore(t)
	zero := object.ZeroHash
	if err := s.Update("refs/heads/feature", &zero, hashA); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Update("refs/heads/feature", &zero, hashB)
	var mismatch *CASMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("second create should fail CAS, got %v", err)
	}
}

func TestRefsConcurrentCASHasSingleWinner(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("refs/heads/main", hashA); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			expected := hashA
			next := hashB
			if i%2 == 1 {
				next = hashC
			}
			results <- s.Update("refs/heads/main", &expected, next)
		}(i)
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful CAS, got %d", wins)
	}
}

func TestRefsDeleteAndPrune(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("refs/heads/topic/one", hashA); err != nil {
		t.Fatal(err)
	}
	expected := hashA
	if err := s.Delete("refs/heads/topic/one", &expected); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("refs/heads/topic/one"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "refs", "heads", "topic")); !os.IsNotExist(err) {
		t.Fatalf("empty directory not pruned: %v", err)
	}
	if err := s.Delete("refs/heads/topic/one", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleting a missing ref should report ErrNotFound, got %v", err)
	}
}

func TestRefsPackedRefsAreShadowedAndDeletable(t *testing.T) {
	s := newTestStore(t)
	packed := "# pack-refs with: peeled fully-peeled sorted\n" +
		string(hashA) + " refs/heads/main\n" +
		string(hashB) + " refs/tags/v1\n" +
		"^" + string(hashC) + "\n"
	if err := os.WriteFile(filepath.Join(s.root, "packed-refs"), []byte(packed), 0o644); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all["refs/tags/v1"] != hashB {
		t.Fatalf("unexpected refs %v", all)
	}

	if err := s.Set("refs/heads/main", hashC); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Resolve("main"); got != hashC {
		t.Fatalf("loose ref should shadow packed value, got %s", got)
	}

	if err := s.Delete("refs/tags/v1", nil); err != nil {
		t.Fatalf("delete packed ref: %v", err)
	}
	if _, err := s.Resolve("v1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected tag gone, got %v", err)
	}
}

func TestRefsDefaultBranchAndHead(t *testing.T) {
	s := newTestStore(t)
	branch, err := s.DefaultBranch()
	if err != nil || branch != "main" {
		t.Fatalf("default branch %q err=%v", branch, err)
	}
	if _, err := s.Head(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty repository HEAD should be unborn, got %v", err)
	}
	if err := s.Set("refs/heads/trunk", hashA); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefaultBranch("trunk"); err != nil {
		t.Fatal(err)
	}
	if h, err := s.Resolve("HEAD"); err != nil || h != hashA {
		t.Fatalf("HEAD resolved to %s err=%v", h, err)
	}
}

func TestValidateName(t *testing.T) {
	good := []string{"refs/heads/main", "refs/heads/feature/x-1", "refs/tags/v1.0"}
	bad := []string{"main", "refs/heads/", "refs/heads/a..b", "refs/heads/.hidden", "refs/heads/x.lock", "refs/heads/a b", "refs/heads/a:b"}
	for _, n := range good {
		if err := ValidateName(n); err != nil {
			t.Errorf("%q rejected: %v", n, err)
		}
	}
	for _, n := range bad {
		if err := ValidateName(n); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%q accepted", n)
		}
	}
}
