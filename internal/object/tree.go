package object

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// TreeEntry is one named child of a tree.
type TreeEntry struct {
	Mode string
	Name string
	Hash Hash
}

// IsDir reports whether the entry points at a subtree.
func (e TreeEntry) IsDir() bool { return e.Mode == ModeDir || e.Mode == "040000" }

// Type returns the object type the entry's hash refers to.
func (e TreeEntry) Type() ObjectType {
	switch {
	case e.IsDir():
		return TypeTree
	case e.Mode == ModeSubmodule:
		return TypeCommit
	default:
		return TypeBlob
	}
}

// Tree is a parsed tree object.
type Tree struct {
	Entries []TreeEntry
}

// Find returns the entry with the given name.
func (t *Tree) Find(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// ParseTree decodes a tree body: repeated "mode name\0<20-byte hash>".
func ParseTree(data []byte) (*Tree, error) {
	t := &Tree{}
	for pos := 0; pos < len(data); {
		sp := bytes.IndexByte(data[pos:], ' ')
		if sp < 0 {
			return nil, fmt.Errorf("%w: tree entry missing mode separator", ErrCorrupt)
		}
		nul := bytes.IndexByte(data[pos+sp:], 0)
		if nul < 0 {
			return nil, fmt.Errorf("%w: tree entry missing name terminator", ErrCorrupt)
		}
		nul += pos + sp
		if nul+1+HashSize > len(data) {
			return nil, fmt.Errorf("%w: tree entry truncated", ErrCorrupt)
		}
		t.Entries = append(t.Entries, TreeEntry{
			Mode: string(data[pos : pos+sp]),
			Name: string(data[pos+sp+1 : nul]),
			Hash: hashFromRaw(data[nul+1 : nul+1+HashSize]),
		})
		pos = nul + 1 + HashSize
	}
	return t, nil
}

// MarshalTree encodes t in git's entry order. Duplicate or empty names
// are rejected.
func MarshalTree(t *Tree) ([]byte, error) {
	entries := make([]TreeEntry, len(t.Entries))
	copy(entries, t.Entries)
	SortEntries(entries)

	var buf bytes.Buffer
	for i, e := range entries {
		if e.Name == "" || strings.ContainsAny(e.Name, "/\x00") {
			return nil, fmt.Errorf("invalid tree entry name %q", e.Name)
		}
		if i > 0 && entries[i-1].Name == e.Name {
			return nil, fmt.Errorf("duplicate tree entry %q", e.Name)
		}
		raw := e.Hash.Raw()
		if raw == nil {
			return nil, fmt.Errorf("tree entry %q: invalid hash %q", e.Name, e.Hash)
		}
		mode := e.Mode
		if mode == "040000" {
			mode = ModeDir
		}
		buf.WriteString(mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

// SortEntries orders entries the way git does: by name, with directory
// names compared as if they had a trailing slash.
func SortEntries(entries []TreeEntry) {
	key := func(e TreeEntry) string {
		if e.IsDir() {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.SliceStable(entries, func(i, j int) bool { return key(entries[i]) < key(entries[j]) })
}
