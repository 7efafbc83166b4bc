package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/odvcencio/repohost/internal/object"
)

// Response limits for the parts of a session that are buffered.
const (
	responseLimitRefs   = 8 << 20
	responseLimitReport = 1 << 20
)

// StatusError is a non-success HTTP reply from a remote.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool { return isRetryableStatus(e.Code) }

// ClientOptions configures the smart HTTP client.
type ClientOptions struct {
	Timeout     time.Duration // HTTP client timeout (default 10m)
	MaxAttempts int           // retry attempts for idempotent requests (default 3)
	Backoff     time.Duration // first retry delay, doubled per attempt (default 1s)
	Agent       string
}

// Client speaks the client side of git smart HTTP.
type Client struct {
	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
	agent       string
}

func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Agent == "" {
		opts.Agent = "repohost/1.0"
	}
	return &Client{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		agent:       opts.Agent,
	}
}

// Advertisement is a remote's reference list for one service.
type Advertisement struct {
	URL          string
	Service      string
	Refs         map[string]object.Hash // full names; peeled "^{}" lines omitted
	Head         object.Hash            // value of HEAD, zero when unborn
	HeadTarget   string                 // symref target of HEAD when advertised
	Capabilities map[string]string
}

func (a *Advertisement) Has(capability string) bool {
	_, ok := a.Capabilities[capability]
	return ok
}

type endpoint struct {
	base       string
	user, pass string
}

func parseRemote(raw string) (endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return endpoint{}, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return endpoint{}, fmt.Errorf("%w: remote scheme %q (only http and https)", ErrUnsupported, u.Scheme)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("parse remote url: missing host in %q", raw)
	}
	var ep endpoint
	if u.User != nil {
		ep.user = u.User.Username()
		ep.pass, _ = u.User.Password()
		u.User = nil
	}
	u.RawQuery, u.Fragment = "", ""
	ep.base = strings.TrimRight(u.String(), "/")
	return ep, nil
}

func (c *Client) newRequest(ctx context.Context, ep endpoint, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "git/2.0 ("+c.agent+")")
	if ep.user != "" || ep.pass != "" {
		req.SetBasicAuth(ep.user, ep.pass)
	}
	return req, nil
}

// Discover fetches the reference advertisement of a remote repository.
func (c *Client) Discover(ctx context.Context, repoURL, service string) (*Advertisement, error) {
	ep, err := parseRemote(repoURL)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, ep, http.MethodGet, "/info/refs?service="+service, nil)
	if err != nil {
		return nil, err
	}
	resp, err := retryDo(ctx, c.httpClient, req, c.maxAttempts, c.backoff)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-"+service+"-advertisement" {
		return nil, fmt.Errorf("%w: remote does not speak smart HTTP (content type %q)", ErrUnsupported, ct)
	}
	adv, err := parseAdvertisement(bufio.NewReader(io.LimitReader(resp.Body, responseLimitRefs)), service)
	if err != nil {
		return nil, err
	}
	adv.URL = repoURL
	return adv, nil
}

func parseAdvertisement(r *bufio.Reader, service string) (*Advertisement, error) {
	adv := &Advertisement{Service: service, Refs: map[string]object.Hash{}, Capabilities: map[string]string{}}
	first, err := readPktLine(r)
	if err != nil {
		return nil, err
	}
	if strings.TrimRight(string(first), "\n") != "# service="+service {
		return nil, fmt.Errorf("%w: unexpected first line %q", ErrMalformed, first)
	}
	if line, err := readPktLine(r); err != nil || line != nil {
		return nil, fmt.Errorf("%w: missing flush after service line", ErrMalformed)
	}
	for i := 0; ; i++ {
		line, err := readPktLine(r)
		if err != nil {
			return nil, err
		}
		if line == nil {
			break
		}
		s := strings.TrimRight(string(line), "\n")
		if i == 0 {
			s, adv.Capabilities = splitCapabilities(s)
		}
		if strings.HasPrefix(s, "ERR ") {
			return nil, &RemoteError{Message: s[4:]}
		}
		hashText, name, ok := strings.Cut(s, " ")
		if !ok {
			return nil, fmt.Errorf("%w: ref line %q", ErrMalformed, s)
		}
		h, err := object.ParseHash(hashText)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		switch {
		case name == "capabilities^{}":
		case name == "HEAD":
			adv.Head = h
		case strings.HasSuffix(name, "^{}"):
		default:
			adv.Refs[name] = h
		}
	}
	if target, ok := strings.CutPrefix(adv.Capabilities["symref"], "HEAD:"); ok {
		adv.HeadTarget = target
	}
	return adv, nil
}

// FetchPack asks for the objects reachable from wants and not from haves
// and copies the raw pack to w. adv must come from Discover for
// git-upload-pack.
func (c *Client) FetchPack(ctx context.Context, adv *Advertisement, wants, haves []object.Hash, w io.Writer) error {
	if len(wants) == 0 {
		return errors.New("fetch pack: no wants")
	}
	ep, err := parseRemote(adv.URL)
	if err != nil {
		return err
	}
	var caps []string
	for _, name := range []string{"side-band-64k", "ofs-delta", "no-progress"} {
		if adv.Has(name) {
			caps = append(caps, name)
		}
	}
	caps = append(caps, "agent="+c.agent)

	var body bytes.Buffer
	for i, want := range wants {
		line := "want " + string(want)
		if i == 0 {
			line += " " + strings.Join(caps, " ")
		}
		writePktLine(&body, line+"\n")
	}
	writeFlush(&body)
	for _, have := range haves {
		writePktLine(&body, "have "+string(have)+"\n")
	}
	writePktLine(&body, "done\n")

	req, err := c.newRequest(ctx, ep, http.MethodPost, "/"+ServiceUploadPack, body.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-git-upload-pack-request")
	req.Header.Set("Accept", "application/x-git-upload-pack-result")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	br := bufio.NewReaderSize(resp.Body, 64<<10)
	line, err := readPktLine(br)
	if err != nil {
		return fmt.Errorf("fetch pack: read acknowledgement: %w", err)
	}
	ack := strings.TrimRight(string(line), "\n")
	switch {
	case strings.HasPrefix(ack, "ERR "):
		return &RemoteError{Message: ack[4:]}
	case ack == "NAK" || strings.HasPrefix(ack, "ACK "):
	default:
		return fmt.Errorf("%w: expected NAK, got %q", ErrMalformed, ack)
	}
	if adv.Has("side-band-64k") {
		return demuxSideband(br, w, nil)
	}
	_, err = io.Copy(w, br)
	return err
}

// Push sends reference updates and an optional pack to git-receive-pack
// and returns the parsed report.
func (c *Client) Push(ctx context.Context, repoURL string, updates []RefUpdate, pack []byte) (*PushReport, error) {
	if len(updates) == 0 {
		return &PushReport{}, nil
	}
	ep, err := parseRemote(repoURL)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	for i, u := range updates {
		line := fmt.Sprintf("%s %s %s", zeroIfEmpty(u.Old), zeroIfEmpty(u.New), u.Name)
		if i == 0 {
			line += "\x00report-status side-band-64k agent=" + c.agent
		}
		writePktLine(&body, line+"\n")
	}
	writeFlush(&body)
	body.Write(pack)

	req, err := c.newRequest(ctx, ep, http.MethodPost, "/"+ServiceReceivePack, body.Bytes())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-git-receive-pack-request")
	req.Header.Set("Accept", "application/x-git-receive-pack-result")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var inner bytes.Buffer
	if err := demuxSideband(bufio.NewReader(io.LimitReader(resp.Body, responseLimitReport)), &inner, nil); err != nil {
		return nil, err
	}
	return parseReport(bufio.NewReader(&inner))
}

func parseReport(r *bufio.Reader) (*PushReport, error) {
	report := &PushReport{}
	first, err := readPktLine(r)
	if err != nil {
		return nil, fmt.Errorf("read push report: %w", err)
	}
	unpack, ok := strings.CutPrefix(strings.TrimRight(string(first), "\n"), "unpack ")
	if !ok {
		return nil, fmt.Errorf("%w: report starts with %q", ErrMalformed, first)
	}
	if unpack != "ok" {
		report.UnpackError = unpack
	}
	for {
		line, err := readPktLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return report, nil
			}
			return nil, err
		}
		if line == nil {
			return report, nil
		}
		s := strings.TrimRight(string(line), "\n")
		switch {
		case strings.HasPrefix(s, "ok "):
			report.Results = append(report.Results, RefResult{Name: s[3:]})
		case strings.HasPrefix(s, "ng "):
			name, reason, _ := strings.Cut(s[3:], " ")
			if reason == "" {
				reason = "rejected"
			}
			report.Results = append(report.Results, RefResult{Name: name, Reason: reason})
		default:
			return nil, fmt.Errorf("%w: report line %q", ErrMalformed, s)
		}
	}
}

func zeroIfEmpty(h object.Hash) object.Hash {
	if h == "" {
		return object.ZeroHash
	}
	return h
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
