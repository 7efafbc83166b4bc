package object

import "fmt"

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeCommit ObjectType = "commit"
	TypeTree   ObjectType = "tree"
	TypeBlob   ObjectType = "blob"
	TypeTag    ObjectType = "tag"
)

// Pack entry type codes as encoded in pack object headers.
const (
	packCommit   = 1
	packTree     = 2
	packBlob     = 3
	packTag      = 4
	packOfsDelta = 6
	packRefDelta = 7
)

// Valid reports whether t is one of the four git object types.
func (t ObjectType) Valid() bool {
	switch t {
	case TypeCommit, TypeTree, TypeBlob, TypeTag:
		return true
	}
	return false
}

func (t ObjectType) packCode() int {
	switch t {
	case TypeCommit:
		return packCommit
	case TypeTree:
		return packTree
	case TypeBlob:
		return packBlob
	case TypeTag:
		return packTag
	}
	return 0
}

func typeFromPackCode(code int) (ObjectType, error) {
	switch code {
	case packCommit:
		return TypeCommit, nil
	case packTree:
		return TypeTree, nil
	case packBlob:
		return TypeBlob, nil
	case packTag:
		return TypeTag, nil
	}
	return "", fmt.Errorf("%w: pack type %d is not a whole object", ErrCorrupt, code)
}

// ParseType converts a type name into an ObjectType.
func ParseType(s string) (ObjectType, error) {
	t := ObjectType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown object type %q", ErrCorrupt, s)
	}
	return t, nil
}

// Tree entry modes in git's canonical spelling.
const (
	ModeDir        = "40000"
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeSubmodule  = "160000"
)
