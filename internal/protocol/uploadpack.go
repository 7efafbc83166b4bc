package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/repostore"
)

var (
	// ErrUnsupported reports a request feature this server does not offer
	// (shallow clones, partial clone filters).
	ErrUnsupported = errors.New("unsupported")
	// ErrUnknownObject reports a want that names no object in the repository.
	ErrUnknownObject = errors.New("unknown object")
)

type uploadRequest struct {
	wants []object.Hash
	haves []object.Hash
	caps  map[string]string
	done  bool
}

func (u *uploadRequest) sideband() (bool, bool) {
	if _, ok := u.caps["side-band-64k"]; ok {
		return true, true
	}
	_, ok := u.caps["side-band"]
	return ok, false
}

// parseUploadRequest reads want/have negotiation lines up to "done" or
// the end of the body. Flush packets between sections are skipped.
func parseUploadRequest(r *bufio.Reader) (*uploadRequest, error) {
	req := &uploadRequest{caps: map[string]string{}}
	for {
		line, err := readPktLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return req, nil
			}
			return nil, err
		}
		if line == nil {
			continue
		}
		s := strings.TrimRight(string(line), "\n")
		if len(req.wants) == 0 && strings.HasPrefix(s, "want ") {
			var caps map[string]string
			s, caps = splitCapabilities(s)
			req.caps = caps
			if fields := strings.Fields(s); len(fields) > 2 {
				// Clients separate capabilities from the first want by a space.
				s = fields[0] + " " + fields[1]
				for _, c := range fields[2:] {
					name, value, _ := strings.Cut(c, "=")
					req.caps[name] = value
				}
			}
		}
		keyword, arg, _ := strings.Cut(s, " ")
		switch keyword {
		case "want", "have":
			h, err := object.ParseHash(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line: %w", ErrMalformed, keyword, err)
			}
			if keyword == "want" {
				req.wants = append(req.wants, h)
			} else {
				req.haves = append(req.haves, h)
			}
		case "done":
			req.done = true
			return req, nil
		case "shallow", "deepen", "deepen-since", "deepen-not", "deepen-relative":
			return nil, fmt.Errorf("%w: shallow clones are not supported", ErrUnsupported)
		case "filter":
			return nil, fmt.Errorf("%w: object filters are not supported", ErrUnsupported)
		default:
			return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformed, s)
		}
	}
}

// uploadPack answers one stateless upload-pack round. Without "done" it
// only acknowledges with NAK; with it, it streams a pack holding
// closure(wants) minus closure(haves).
func (h *Handler) uploadPack(ctx context.Context, repo *repostore.Repo, req *uploadRequest, w io.Writer) error {
	if len(req.wants) == 0 {
		return writeFlush(w)
	}
	for _, want := range req.wants {
		if !repo.Objects.Exists(want) {
			writePktLine(w, fmt.Sprintf("ERR upload-pack: not our ref %s\n", want))
			return fmt.Errorf("%w: %s", ErrUnknownObject, want)
		}
	}
	if !req.done {
		return writePktLine(w, "NAK\n")
	}

	haves := make([]object.Hash, 0, len(req.haves))
	for _, have := range req.haves {
		if repo.Objects.Exists(have) {
			haves = append(haves, have)
		}
	}
	exclude, err := repo.Objects.ReachableSet(ctx, haves)
	if err != nil {
		return h.failBeforePack(w, err)
	}
	var send []object.Hash
	for oid, err := range repo.Objects.IterateReachable(ctx, req.wants, exclude) {
		if err != nil {
			return h.failBeforePack(w, err)
		}
		send = append(send, oid)
	}

	if err := writePktLine(w, "NAK\n"); err != nil {
		return err
	}

	useBand, large := req.sideband()
	var out io.Writer = w
	if useBand {
		out = newSidebandWriter(w, bandData, large)
		if _, quiet := req.caps["no-progress"]; !quiet {
			fmt.Fprintf(newSidebandWriter(w, bandProgress, large), "Enumerating objects: %d, done.\n", len(send))
		}
	}
	if err := h.writePack(ctx, repo.Objects, send, out); err != nil {
		if useBand {
			fmt.Fprintf(newSidebandWriter(w, bandError, large), "upload-pack: %v\n", err)
		}
		return err
	}
	h.opts.Metrics.sent(len(send))
	if useBand {
		return writeFlush(w)
	}
	return nil
}

func (h *Handler) failBeforePack(w io.Writer, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	h.opts.Logger.Error("upload-pack object walk failed", slog.String("error", err.Error()))
	writePktLine(w, "ERR upload-pack: repository object graph is incomplete\n")
	return err
}

// writePack streams objects as a version 2 pack. Objects are sent whole.
func (h *Handler) writePack(ctx context.Context, store *object.Store, hashes []object.Hash, w io.Writer) error {
	bw := bufio.NewWriterSize(w, maxPktPayload-1)
	pw, err := object.NewPackWriter(bw, uint32(len(hashes)))
	if err != nil {
		return err
	}
	for _, oid := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, data, err := store.Get(oid)
		if err != nil {
			return fmt.Errorf("read %s: %w", oid, err)
		}
		if err := pw.WriteObject(t, data); err != nil {
			return err
		}
	}
	if _, err := pw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}
