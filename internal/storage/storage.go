// Package storage persists collaborative object operation logs.
//
// Merge semantics are not handled here: an object is an append-only set of
// operations keyed by id, and committing the same operation twice is a no-op.
package storage

import (
	"context"
	"errors"
	"fmt"
)

type (
	RepoID   string
	ObjectID string
	OpID     string
)

var (
	ErrNotFound           = errors.New("storage: not found")
	ErrManifestMismatch   = errors.New("storage: manifest mismatch")
	ErrIncompleteTransfer = errors.New("storage: incomplete transfer")
	ErrRecordTooLarge     = errors.New("storage: record too large")
	ErrClosed             = errors.New("storage: closed")
)

// Operation is one entry of an object's operation log.
type Operation struct {
	ID        OpID   `cbor:"1,keyasint"`
	Parents   []OpID `cbor:"2,keyasint,omitempty"`
	Author    string `cbor:"3,keyasint"`
	Timestamp uint64 `cbor:"4,keyasint"`
	Action    []byte `cbor:"5,keyasint"`
}

// Manifest describes the type of an object.
type Manifest struct {
	TypeName string `cbor:"1,keyasint"`
	Version  uint32 `cbor:"2,keyasint"`
}

// ObjectTip is the latest committed operation of an object.
type ObjectTip struct {
	Repo   RepoID
	Object ObjectID
	Tip    OpID
}

// OpsKind says which stage of an operation walk failed.
type OpsKind int

const (
	OpsCommit OpsKind = iota + 1
	OpsLoad
	OpsManifest
)

func (k OpsKind) String() string {
	switch k {
	case OpsCommit:
		return "commit"
	case OpsLoad:
		return "load"
	case OpsManifest:
		return "manifest"
	default:
		return "unknown"
	}
}

// OpsError is returned by operation walks.
type OpsError struct {
	Kind   OpsKind
	Repo   RepoID
	Object ObjectID
	Err    error
}

func (e *OpsError) Error() string {
	return fmt.Sprintf("storage: %s %s/%s: %v", e.Kind, e.Repo, e.Object, e.Err)
}

func (e *OpsError) Unwrap() error {
	return e.Err
}

// Iterator walks operations in commit order.
type Iterator interface {
	Next() bool
	Op() Operation
	Err() error
	Close() error
}

// Store is the repository collaborator used by worker units. Every method
// may block on disk I/O.
type Store interface {
	LoadOperation(ctx context.Context, repo RepoID, id OpID) (Operation, error)
	LoadManifest(ctx context.Context, repo RepoID, object ObjectID) (Manifest, error)
	// Ops walks the operations of object committed after since. An empty or
	// unknown since walks the whole log.
	Ops(ctx context.Context, repo RepoID, object ObjectID, since OpID) (Iterator, error)
	// Commit stores ops that are not already present and returns the tip.
	Commit(ctx context.Context, repo RepoID, object ObjectID, manifest Manifest, ops []Operation) (OpID, error)
	Inventory(ctx context.Context) ([]ObjectTip, error)
	Close() error
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]Operation, error) {
	defer it.Close()
	var out []Operation
	for it.Next() {
		out = append(out, it.Op())
	}
	return out, it.Err()
}

// sliceIter iterates an in-memory snapshot.
type sliceIter struct {
	ops []Operation
	pos int
}

func (it *sliceIter) Next() bool {
	if it.pos >= len(it.ops) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIter) Op() Operation {
	return it.ops[it.pos-1]
}

func (it *sliceIter) Err() error   { return nil }
func (it *sliceIter) Close() error { return nil }
