package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/refs"
	"github.com/odvcencio/repohost/internal/repostore"
)

// RefUpdate is one receive-pack command. A zero Old creates the
// reference; a zero New deletes it.
type RefUpdate struct {
	Name string
	Old  object.Hash
	New  object.Hash
}

func (u RefUpdate) isDelete() bool { return u.New.IsZero() }

// RefResult is the per-reference outcome of a push. Reason is empty when
// the update was applied.
type RefResult struct {
	Name   string
	Reason string
}

// PushReport is the receive-pack report-status payload.
type PushReport struct {
	UnpackError string
	Results     []RefResult

	err error // cause of an unpack failure, server side only
}

// OK reports whether the pack unpacked and every reference was updated.
func (r *PushReport) OK() bool {
	if r.UnpackError != "" {
		return false
	}
	for _, res := range r.Results {
		if res.Reason != "" {
			return false
		}
	}
	return true
}

// parseCommands reads the command list up to the first flush packet.
func parseCommands(r *bufio.Reader) ([]RefUpdate, map[string]string, error) {
	var cmds []RefUpdate
	caps := map[string]string{}
	for {
		line, err := readPktLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) && len(cmds) == 0 {
				return nil, caps, nil
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: command list not terminated", ErrMalformed)
			}
			return nil, nil, err
		}
		if line == nil {
			return cmds, caps, nil
		}
		s := strings.TrimRight(string(line), "\n")
		if len(cmds) == 0 {
			s, caps = splitCapabilities(s)
		}
		if strings.HasPrefix(s, "shallow ") {
			return nil, nil, fmt.Errorf("%w: shallow pushes are not supported", ErrUnsupported)
		}
		parts := strings.SplitN(s, " ", 3)
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("%w: command %q", ErrMalformed, s)
		}
		oldHash, err := object.ParseHash(parts[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		newHash, err := object.ParseHash(parts[1])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		cmds = append(cmds, RefUpdate{Name: parts[2], Old: oldHash, New: newHash})
	}
}

// receivePack unpacks the pack that follows the commands into a
// quarantine, checks connectivity of every new tip, publishes the
// objects and then applies each reference update with compare-and-swap.
// A pack failure rejects every command and changes nothing.
func (h *Handler) receivePack(ctx context.Context, repo *repostore.Repo, cmds []RefUpdate, pack *bufio.Reader) *PushReport {
	report := &PushReport{Results: make([]RefResult, len(cmds))}
	for i, c := range cmds {
		report.Results[i].Name = c.Name
	}
	rejectAll := func(reason string) *PushReport {
		for i := range report.Results {
			if report.Results[i].Reason == "" {
				report.Results[i].Reason = reason
			}
			h.opts.Metrics.refUpdate(false)
		}
		return report
	}

	quarantine, err := repo.Objects.Quarantine()
	if err != nil {
		report.UnpackError = "unable to create quarantine"
		return rejectAll("unpacker error")
	}
	defer quarantine.Discard()

	if _, err := pack.Peek(1); err == nil {
		received, err := quarantine.Unpack(pack)
		if err != nil {
			h.opts.Logger.Warn("receive-pack unpack failed", slog.String("error", err.Error()))
			report.UnpackError = unpackReason(err)
			report.err = err
			return rejectAll("unpacker error")
		}
		h.opts.Metrics.received(len(received))
	}
	if err := ctx.Err(); err != nil {
		report.UnpackError = "cancelled"
		return rejectAll("unpacker error")
	}

	// Tips whose closure is already verified; IterateReachable does not
	// descend into them again.
	verified := make(map[object.Hash]struct{})
	for i, c := range cmds {
		if err := refs.ValidateName(c.Name); err != nil {
			report.Results[i].Reason = "funny refname"
			continue
		}
		if c.isDelete() {
			continue
		}
		t, _, err := quarantine.Get(c.New)
		if err != nil {
			report.Results[i].Reason = "missing necessary objects"
			continue
		}
		if strings.HasPrefix(c.Name, refs.HeadsPrefix) && t != object.TypeCommit {
			report.Results[i].Reason = "branch must point at a commit"
			continue
		}
		var walked []object.Hash
		for oid, err := range quarantine.IterateReachable(ctx, []object.Hash{c.New}, verified) {
			if err != nil {
				report.Results[i].Reason = "missing necessary objects"
				break
			}
			walked = append(walked, oid)
		}
		if report.Results[i].Reason == "" {
			for _, oid := range walked {
				verified[oid] = struct{}{}
			}
		}
	}

	if err := quarantine.Migrate(); err != nil {
		h.opts.Logger.Error("receive-pack migrate failed", slog.String("error", err.Error()))
		report.UnpackError = "unable to migrate objects"
		for i := range report.Results {
			report.Results[i].Reason = "unpacker error"
		}
		return report
	}

	defaultBranch, _ := repo.Refs.DefaultBranch()
	for i, c := range cmds {
		if report.Results[i].Reason != "" {
			h.opts.Metrics.refUpdate(false)
			continue
		}
		report.Results[i].Reason = applyUpdate(repo.Refs, c, defaultBranch)
		h.opts.Metrics.refUpdate(report.Results[i].Reason == "")
	}
	return report
}

func applyUpdate(store *refs.Store, c RefUpdate, defaultBranch string) string {
	var err error
	if c.isDelete() {
		if c.Name == refs.HeadsPrefix+defaultBranch {
			return "refusing to delete the current branch"
		}
		var expected *object.Hash
		if !c.Old.IsZero() {
			expected = &c.Old
		}
		err = store.Delete(c.Name, expected)
	} else {
		old := c.Old
		err = store.Update(c.Name, &old, c.New)
	}
	var mismatch *refs.CASMismatchError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &mismatch):
		return "non-fast-forward"
	case errors.Is(err, refs.ErrNotFound):
		return "no such ref"
	case errors.Is(err, refs.ErrLocked):
		return "failed to lock"
	case errors.Is(err, refs.ErrInvalidName):
		return "funny refname"
	default:
		return "failed to update ref"
	}
}

func unpackReason(err error) string {
	switch {
	case errors.Is(err, object.ErrCorrupt):
		return "corrupt pack"
	case errors.Is(err, object.ErrNotFound):
		return "missing delta base"
	default:
		msg := err.Error()
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		return msg
	}
}

// writeReport renders report-status, wrapped in side-band channel 1 when
// the client negotiated it.
func writeReport(w io.Writer, report *PushReport, useBand, large bool) error {
	var buf bytes.Buffer
	if report.UnpackError != "" {
		writePktLine(&buf, "unpack "+report.UnpackError+"\n")
	} else {
		writePktLine(&buf, "unpack ok\n")
	}
	for _, res := range report.Results {
		if res.Reason == "" {
			writePktLine(&buf, "ok "+res.Name+"\n")
		} else {
			writePktLine(&buf, "ng "+res.Name+" "+res.Reason+"\n")
		}
	}
	writeFlush(&buf)
	if !useBand {
		_, err := w.Write(buf.Bytes())
		return err
	}
	if _, err := newSidebandWriter(w, bandData, large).Write(buf.Bytes()); err != nil {
		return err
	}
	return writeFlush(w)
}
