package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/repohost/internal/auth"
	"github.com/odvcencio/repohost/internal/database"
	"github.com/odvcencio/repohost/internal/diff"
	"github.com/odvcencio/repohost/internal/models"
	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/protocol"
	"github.com/odvcencio/repohost/internal/repostore"
	"github.com/odvcencio/repohost/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

type testServer struct {
	*httptest.Server
	db      *database.SQLiteDB
	repos   *service.RepoService
	authSvc *auth.Service
	client  *protocol.Client
}

func setupTestServer(t *testing.T, authSvc *auth.Service) *testServer {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	db, err := database.OpenSQLite(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := service.NewRepoService(db, filepath.Join(root, "repos"), "main", logger)
	t.Cleanup(func() { repos.Close() })

	reg := prometheus.NewRegistry()
	srv := NewServer(db, authSvc, repos, nil, ServerOptions{
		Logger:     logger,
		Registerer: reg,
		Gatherer:   reg,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{
		Server:  ts,
		db:      db,
		repos:   repos,
		authSvc: authSvc,
		client:  protocol.NewClient(protocol.ClientOptions{Timeout: 10 * time.Second, MaxAttempts: 1}),
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response, wantStatus int) T {
	t.Helper()
	var v T
	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, wantStatus, resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, wantStatus int, wantCode string) {
	t.Helper()
	env := decodeBody[errorEnvelope](t, resp, wantStatus)
	if env.Error.Code != wantCode {
		t.Fatalf("expected error code %q, got %q (%s)", wantCode, env.Error.Code, env.Error.Message)
	}
	if env.Error.Message == "" {
		t.Fatal("expected a non-empty error message")
	}
}

var testSig = object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Unix(1700000000, 0).UTC()}

// source is a scratch repository commits are built in before pushing.
type source struct {
	repo *repostore.Repo
}

func newSource(t *testing.T) *source {
	t.Helper()
	repo, err := repostore.Init(filepath.Join(t.TempDir(), "src"), "main")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })
	return &source{repo: repo}
}

func (s *source) commitFile(t *testing.T, parent object.Hash, name, content string) object.Hash {
	t.Helper()
	store := s.repo.Objects
	blob, err := store.WriteBlob([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	tree, err := store.WriteTree(&object.Tree{Entries: []object.TreeEntry{{Mode: object.ModeFile, Name: name, Hash: blob}}})
	if err != nil {
		t.Fatal(err)
	}
	c := &object.Commit{Tree: tree, Author: testSig, Committer: testSig, Message: "update " + name + "\n"}
	if !parent.IsZero() {
		c.Parents = []object.Hash{parent}
	}
	h, err := store.WriteCommit(c)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// pack holds closure(tip) minus closure(have).
func (s *source) pack(t *testing.T, tip, have object.Hash) []byte {
	t.Helper()
	ctx := context.Background()
	store := s.repo.Objects
	var exclude []object.Hash
	if !have.IsZero() {
		exclude = append(exclude, have)
	}
	skip, err := store.ReachableSet(ctx, exclude)
	if err != nil {
		t.Fatal(err)
	}
	var hashes []object.Hash
	for h, err := range store.IterateReachable(ctx, []object.Hash{tip}, skip) {
		if err != nil {
			t.Fatal(err)
		}
		hashes = append(hashes, h)
	}
	var buf bytes.Buffer
	pw, err := object.NewPackWriter(&buf, uint32(len(hashes)))
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hashes {
		typ, data, err := store.Get(h)
		if err != nil {
			t.Fatal(err)
		}
		if err := pw.WriteObject(typ, data); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := pw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (s *testServer) push(t *testing.T, remote string, old, tip object.Hash, pack []byte) *protocol.PushReport {
	t.Helper()
	report, err := s.client.Push(context.Background(), remote,
		[]protocol.RefUpdate{{Name: "refs/heads/main", Old: old, New: tip}}, pack)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	return report
}

func TestPushThenBrowse(t *testing.T) {
	srv := setupTestServer(t, nil)

	repo := decodeBody[models.Repository](t, srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{
		"url":         "demo",
		"name":        "Demo",
		"description": "end to end",
		"projectId":   "PRJ-1",
	}), http.StatusCreated)
	if repo.Slug != "demo" || repo.Name != "Demo" || repo.ProjectID != "PRJ-1" || repo.DefaultBranch != "main" {
		t.Fatalf("unexpected repository: %+v", repo)
	}

	src := newSource(t)
	c1 := src.commitFile(t, "", "README.md", "hello")
	report := srv.push(t, srv.URL+"/demo.git", object.ZeroHash, c1, src.pack(t, c1, ""))
	if !report.OK() {
		t.Fatalf("push rejected: %+v", report)
	}

	entries := decodeBody[[]service.TreeEntry](t, srv.do(t, http.MethodGet, "/api/repo/demo/tree/"+string(c1), "", nil), http.StatusOK)
	if len(entries) != 1 || entries[0].Name != "README.md" || entries[0].Type != "blob" {
		t.Fatalf("unexpected tree: %+v", entries)
	}

	resp := srv.do(t, http.MethodGet, "/api/repo/demo/file/"+string(c1)+"/README.md", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected file content %q, got %q", "hello", data)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text content type, got %q", ct)
	}

	branches := decodeBody[[]service.Branch](t, srv.do(t, http.MethodGet, "/api/repo/demo/branches", "", nil), http.StatusOK)
	if len(branches) != 1 || branches[0].Name != "main" || branches[0].Commit != string(c1) || !branches[0].IsDefault {
		t.Fatalf("unexpected branches: %+v", branches)
	}

	c2 := src.commitFile(t, c1, "README.md", "hello world")
	if report := srv.push(t, srv.URL+"/demo.git", c1, c2, src.pack(t, c2, c1)); !report.OK() {
		t.Fatalf("second push rejected: %+v", report)
	}

	cd := decodeBody[service.CommitDiff](t, srv.do(t, http.MethodGet, "/api/repo/demo/commit/"+string(c2), "", nil), http.StatusOK)
	if cd.Parent != string(c1) || len(cd.Files) != 1 {
		t.Fatalf("unexpected commit diff: %+v", cd)
	}
	change := cd.Files[0]
	if change.Path != "README.md" || change.Kind != service.ChangeModified || len(change.Hunks) != 1 {
		t.Fatalf("unexpected change: %+v", change)
	}
	var added, deleted int
	for _, l := range change.Hunks[0].Lines {
		switch l.Kind {
		case diff.LineAdd:
			added++
		case diff.LineDelete:
			deleted++
		}
	}
	if added != 1 || deleted != 1 {
		t.Fatalf("expected one added and one deleted line, got +%d -%d", added, deleted)
	}

	log := decodeBody[[]service.CommitInfo](t, srv.do(t, http.MethodGet, "/api/repo/demo/commits/main?limit=1", "", nil), http.StatusOK)
	if len(log) != 1 || log[0].Hash != string(c2) {
		t.Fatalf("unexpected log: %+v", log)
	}

	ranged := decodeBody[diffResponse](t, srv.do(t, http.MethodGet, "/api/repo/demo/diff/"+string(c1)+"..."+string(c2), "", nil), http.StatusOK)
	if len(ranged.Files) != 1 || ranged.Files[0].Path != "README.md" {
		t.Fatalf("unexpected range diff: %+v", ranged)
	}

	listed := decodeBody[[]models.Repository](t, srv.do(t, http.MethodGet, "/api/repo", "", nil), http.StatusOK)
	if len(listed) != 1 || listed[0].Slug != "demo" {
		t.Fatalf("unexpected list: %+v", listed)
	}

	if resp := srv.do(t, http.MethodDelete, "/api/repo/demo", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.StatusCode)
	}
	expectError(t, srv.do(t, http.MethodGet, "/api/repo/demo", "", nil), http.StatusNotFound, codeNotFound)
	expectError(t, srv.do(t, http.MethodGet, "/api/repo/demo/tree/"+string(c1), "", nil), http.StatusNotFound, codeNotFound)
}

func TestCommitThroughAPI(t *testing.T) {
	srv := setupTestServer(t, nil)
	decodeBody[models.Repository](t, srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{"url": "notes"}), http.StatusCreated)

	first := decodeBody[service.CommitResult](t, srv.do(t, http.MethodPost, "/api/repo/notes/commit/root", "", map[string]any{
		"author":  "Ada",
		"email":   "ada@example.com",
		"message": "add todo",
		"path":    "docs/todo.txt",
		"content": "ship it\n",
	}), http.StatusCreated)
	if first.Branch != "main" || first.Parent != "" {
		t.Fatalf("unexpected first commit: %+v", first)
	}

	// A stale parent loses the compare-and-swap.
	expectError(t, srv.do(t, http.MethodPost, "/api/repo/notes/commit/root", "", map[string]any{
		"author":  "Ada",
		"email":   "ada@example.com",
		"message": "again",
		"path":    "docs/todo.txt",
		"content": "other\n",
	}), http.StatusConflict, codeConflict)

	second := decodeBody[service.CommitResult](t, srv.do(t, http.MethodPost, "/api/repo/notes/commit/"+first.Commit, "", map[string]any{
		"author":   "Ada",
		"email":    "ada@example.com",
		"message":  "binary",
		"path":     "logo.bin",
		"content":  "AAEC",
		"encoding": "base64",
	}), http.StatusCreated)
	if second.Parent != first.Commit {
		t.Fatalf("expected parent %s, got %s", first.Commit, second.Parent)
	}

	resp := srv.do(t, http.MethodGet, "/api/repo/notes/file/main/logo.bin", "", nil)
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(data, []byte{0, 1, 2}) {
		t.Fatalf("unexpected binary content %v", data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("expected octet-stream, got %q", ct)
	}

	entries := decodeBody[[]service.TreeEntry](t, srv.do(t, http.MethodGet, "/api/repo/notes/tree/main/docs", "", nil), http.StatusOK)
	if len(entries) != 1 || entries[0].Path != "docs/todo.txt" {
		t.Fatalf("unexpected subtree: %+v", entries)
	}

	// The pushed history is what a git client fetches.
	adv, err := srv.client.Discover(context.Background(), srv.URL+"/notes.git", protocol.ServiceUploadPack)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := adv.Refs["refs/heads/main"]; string(got) != second.Commit {
		t.Fatalf("expected advertised main %s, got %s", second.Commit, got)
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv := setupTestServer(t, nil)
	decodeBody[models.Repository](t, srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{"url": "demo"}), http.StatusCreated)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "duplicate repo", method: http.MethodPost, path: "/api/repo", body: map[string]string{"url": "demo"}, wantStatus: http.StatusConflict, wantCode: codeAlreadyExists},
		{name: "missing url", method: http.MethodPost, path: "/api/repo", body: map[string]string{"name": "x"}, wantStatus: http.StatusBadRequest, wantCode: codeInvalidArgument},
		{name: "invalid slug", method: http.MethodPost, path: "/api/repo", body: map[string]string{"url": "../etc"}, wantStatus: http.StatusBadRequest, wantCode: codeInvalidArgument},
		{name: "unknown field", method: http.MethodPost, path: "/api/repo", body: map[string]any{"url": "x", "private": true}, wantStatus: http.StatusBadRequest, wantCode: codeInvalidArgument},
		{name: "unknown repo", method: http.MethodGet, path: "/api/repo/nope/branches", wantStatus: http.StatusNotFound, wantCode: codeNotFound},
		{name: "unknown revision", method: http.MethodGet, path: "/api/repo/demo/tree/main", wantStatus: http.StatusNotFound, wantCode: codeNotFound},
		{name: "bad limit", method: http.MethodGet, path: "/api/repo/demo/commits/main?limit=0", wantStatus: http.StatusBadRequest, wantCode: codeInvalidArgument},
		{name: "bad diff range", method: http.MethodGet, path: "/api/repo/demo/diff/main", wantStatus: http.StatusBadRequest, wantCode: codeInvalidArgument},
		{name: "bad parent", method: http.MethodPost, path: "/api/repo/demo/commit/xyz", body: map[string]string{"author": "a", "email": "a@b", "message": "m", "path": "f", "content": "c"}, wantStatus: http.StatusBadRequest, wantCode: codeInvalidArgument},
		{name: "clone disabled", method: http.MethodPost, path: "/api/repo/copy/clone", body: map[string]string{"source_url": "https://example.com/x.git"}, wantStatus: http.StatusNotImplemented, wantCode: codeUnsupported},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, srv.do(t, tc.method, tc.path, "", tc.body), tc.wantStatus, tc.wantCode)
		})
	}
}

func TestDeleteBusyRepository(t *testing.T) {
	srv := setupTestServer(t, nil)
	decodeBody[models.Repository](t, srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{"url": "demo"}), http.StatusCreated)

	h, err := srv.repos.AcquireRead(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	expectError(t, srv.do(t, http.MethodDelete, "/api/repo/demo", "", nil), http.StatusLocked, codeBusy)
	h.Release()

	if resp := srv.do(t, http.MethodDelete, "/api/repo/demo", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204 after release, got %d", resp.StatusCode)
	}
}

func TestWritesRequireAuthWhenConfigured(t *testing.T) {
	authSvc := auth.NewService("test-secret", time.Hour)
	srv := setupTestServer(t, authSvc)

	expectError(t, srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{"url": "demo"}), http.StatusUnauthorized, codeUnauthorized)
	expectError(t, srv.do(t, http.MethodPost, "/api/repo", "not-a-token", map[string]string{"url": "demo"}), http.StatusUnauthorized, codeUnauthorized)

	token, err := authSvc.GenerateToken(1, "ada")
	if err != nil {
		t.Fatal(err)
	}
	decodeBody[models.Repository](t, srv.do(t, http.MethodPost, "/api/repo", token, map[string]string{"url": "demo"}), http.StatusCreated)

	// Reads stay anonymous.
	decodeBody[[]service.Branch](t, srv.do(t, http.MethodGet, "/api/repo/demo/branches", "", nil), http.StatusOK)

	src := newSource(t)
	c1 := src.commitFile(t, "", "README.md", "hello")
	pack := src.pack(t, c1, "")

	_, err = srv.client.Push(context.Background(), srv.URL+"/demo.git",
		[]protocol.RefUpdate{{Name: "refs/heads/main", Old: object.ZeroHash, New: c1}}, pack)
	var statusErr *protocol.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 push without credentials, got %v", err)
	}

	authed := strings.Replace(srv.URL, "http://", "http://ada:"+token+"@", 1)
	if report := srv.push(t, authed+"/demo.git", object.ZeroHash, c1, pack); !report.OK() {
		t.Fatalf("authenticated push rejected: %+v", report)
	}
}

func TestMetricsEndpointServesProtocolCounters(t *testing.T) {
	srv := setupTestServer(t, nil)
	decodeBody[models.Repository](t, srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{"url": "demo"}), http.StatusCreated)
	src := newSource(t)
	c1 := src.commitFile(t, "", "README.md", "hello")
	srv.push(t, srv.URL+"/demo.git", object.ZeroHash, c1, src.pack(t, c1, ""))

	resp := srv.do(t, http.MethodGet, "/metrics", "", nil)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"repohost_http_requests_total", "repohost_protocol_ref_updates_total"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}

func TestCancelledRequestMapsToClientClosed(t *testing.T) {
	srv := setupTestServer(t, nil)
	resp := srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{"url": "demo"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected status 201, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/repo/demo/branches", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Config.Handler.ServeHTTP(rec, req)

	if rec.Code != statusClientClosedRequest {
		t.Fatalf("expected status 499, got %d: %s", rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != codeCancelled {
		t.Fatalf("expected code %q, got %q", codeCancelled, env.Error.Code)
	}
}

// smallBufferListener shrinks each accepted connection's send buffer so a
// response the client is not reading stalls the handler quickly.
type smallBufferListener struct{ net.Listener }

func (l smallBufferListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetWriteBuffer(4 << 10)
	}
	return conn, err
}

func TestDeleteIsBusyWhileUploadPackStreams(t *testing.T) {
	srv := setupTestServer(t, nil)
	decodeBody[models.Repository](t, srv.do(t, http.MethodPost, "/api/repo", "", map[string]string{"url": "demo"}), http.StatusCreated)

	payload := make([]byte, 4<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	src := newSource(t)
	tip := src.commitFile(t, "", "blob.bin", string(payload))
	if report := srv.push(t, srv.URL+"/demo.git", object.ZeroHash, tip, src.pack(t, tip, "")); !report.OK() {
		t.Fatalf("push rejected: %+v", report)
	}

	slow := httptest.NewUnstartedServer(srv.Config.Handler)
	slow.Listener = smallBufferListener{slow.Listener}
	slow.Start()
	t.Cleanup(slow.Close)
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetReadBuffer(4 << 10)
			}
			return conn, err
		},
	}}
	t.Cleanup(client.CloseIdleConnections)

	var body bytes.Buffer
	body.WriteString(fmt.Sprintf("%04xwant %s\n", 4+5+40+1, tip))
	body.WriteString("0000")
	body.WriteString("0009done\n")
	req, err := http.NewRequest(http.MethodPost, slow.URL+"/demo.git/git-upload-pack", &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload-pack: expected status 200, got %d", resp.StatusCode)
	}
	head := make([]byte, 8)
	if _, err := io.ReadFull(resp.Body, head); err != nil {
		t.Fatalf("read response start: %v", err)
	}
	if string(head) != "0008NAK\n" {
		t.Fatalf("unexpected response start %q", head)
	}

	expectError(t, srv.do(t, http.MethodDelete, "/api/repo/demo", "", nil), http.StatusLocked, codeBusy)

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		t.Fatalf("drain upload-pack: %v", err)
	}
	if n < int64(len(payload)) {
		t.Fatalf("pack shorter than the blob it carries: %d bytes", n)
	}
	resp.Body.Close()

	// The handler releases the repository just after its last write.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := srv.do(t, http.MethodDelete, "/api/repo/demo", "", nil)
		if resp.StatusCode == http.StatusNoContent {
			break
		}
		if resp.StatusCode != http.StatusLocked || time.Now().After(deadline) {
			t.Fatalf("delete after drain: expected status 204, got %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
	expectError(t, srv.do(t, http.MethodGet, "/api/repo/demo", "", nil), http.StatusNotFound, codeNotFound)
}
