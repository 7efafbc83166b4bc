package protocol

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/odvcencio/repohost/internal/object"
	"github.com/odvcencio/repohost/internal/refs"
	"github.com/odvcencio/repohost/internal/repostore"
)

const (
	ServiceUploadPack  = "git-upload-pack"
	ServiceReceivePack = "git-receive-pack"
)

type advertisedRef struct {
	name string
	hash object.Hash
}

// advertisedRefs lists HEAD (when its branch exists) followed by every
// reference in name order. With peel, annotated tags are followed by
// their "^{}" peeled line.
func advertisedRefs(repo *repostore.Repo, peel bool) ([]advertisedRef, string, error) {
	branch, err := repo.Refs.DefaultBranch()
	if err != nil {
		return nil, "", err
	}
	all, err := repo.Refs.ListAll()
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]advertisedRef, 0, len(names)+1)
	if h, ok := all[refs.HeadsPrefix+branch]; ok {
		out = append(out, advertisedRef{name: "HEAD", hash: h})
	}
	for _, name := range names {
		h := all[name]
		out = append(out, advertisedRef{name: name, hash: h})
		if !peel || !strings.HasPrefix(name, refs.TagsPrefix) {
			continue
		}
		peeled, err := peelTag(repo.Objects, h)
		if err != nil {
			if errors.Is(err, object.ErrNotFound) {
				continue
			}
			return nil, "", err
		}
		if peeled != h {
			out = append(out, advertisedRef{name: name + "^{}", hash: peeled})
		}
	}
	return out, branch, nil
}

// peelTag follows annotated tags until it reaches a non-tag object.
func peelTag(store *object.Store, h object.Hash) (object.Hash, error) {
	for range 16 {
		t, data, err := store.Get(h)
		if err != nil {
			return "", err
		}
		if t != object.TypeTag {
			return h, nil
		}
		tag, err := object.ParseTag(data)
		if err != nil {
			return "", err
		}
		h = tag.Object
	}
	return "", fmt.Errorf("peel %s: tag chain too deep", h)
}

func (h *Handler) capabilities(service, defaultBranch string) string {
	agent := "agent=" + h.opts.Agent
	if service == ServiceReceivePack {
		return "report-status delete-refs side-band-64k ofs-delta no-thin " + agent
	}
	return "side-band-64k side-band ofs-delta no-progress symref=HEAD:" + refs.HeadsPrefix + defaultBranch + " " + agent
}

// writeAdvertisement writes the smart HTTP ref advertisement for service.
func (h *Handler) writeAdvertisement(w io.Writer, repo *repostore.Repo, service string) error {
	list, branch, err := advertisedRefs(repo, service == ServiceUploadPack)
	if err != nil {
		return err
	}
	if err := writePktLine(w, fmt.Sprintf("# service=%s\n", service)); err != nil {
		return err
	}
	if err := writeFlush(w); err != nil {
		return err
	}
	caps := h.capabilities(service, branch)
	if len(list) == 0 {
		if err := writePktLine(w, fmt.Sprintf("%s capabilities^{}\x00%s\n", object.ZeroHash, caps)); err != nil {
			return err
		}
		return writeFlush(w)
	}
	for i, ref := range list {
		line := fmt.Sprintf("%s %s", ref.hash, ref.name)
		if i == 0 {
			line += "\x00" + caps
		}
		if err := writePktLine(w, line+"\n"); err != nil {
			return err
		}
	}
	return writeFlush(w)
}
