package protocol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDiscoverRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		writePktLine(w, "# service=git-upload-pack\n")
		writeFlush(w)
		writePktLine(w, "1111111111111111111111111111111111111111 HEAD\x00symref=HEAD:refs/heads/trunk side-band-64k\n")
		writePktLine(w, "1111111111111111111111111111111111111111 refs/heads/trunk\n")
		writeFlush(w)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Backoff: time.Millisecond})
	adv, err := c.Discover(context.Background(), srv.URL+"/demo.git", ServiceUploadPack)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if adv.HeadTarget != "refs/heads/trunk" || !adv.Has("side-band-64k") {
		t.Fatalf("unexpected advertisement %+v", adv)
	}
}

func TestDiscoverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such repository", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Backoff: time.Millisecond})
	_, err := c.Discover(context.Background(), srv.URL+"/demo.git", ServiceUploadPack)
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusNotFound || status.Temporary() {
		t.Fatalf("expected permanent 404, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls.Load())
	}
}

func TestDiscoverRejectsDumbServersAndSchemes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("1111111111111111111111111111111111111111\trefs/heads/main\n"))
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Backoff: time.Millisecond})
	if _, err := c.Discover(context.Background(), srv.URL+"/demo.git", ServiceUploadPack); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("dumb HTTP should be unsupported, got %v", err)
	}
	if _, err := c.Discover(context.Background(), "ssh://example.com/demo.git", ServiceUploadPack); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("ssh should be unsupported, got %v", err)
	}
}

func TestDiscoverSendsURLCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "s3cret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		writePktLine(w, "# service=git-upload-pack\n")
		writeFlush(w)
		writeFlush(w)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Backoff: time.Millisecond})
	url := "http://alice:s3cret@" + srv.Listener.Addr().String() + "/demo.git"
	adv, err := c.Discover(context.Background(), url, ServiceUploadPack)
	if err != nil {
		t.Fatalf("discover with credentials: %v", err)
	}
	if len(adv.Refs) != 0 {
		t.Fatalf("expected empty repository, got %v", adv.Refs)
	}
}
