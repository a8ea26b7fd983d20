package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by ledger lookups that miss.
var ErrNotFound = errors.New("not found")

// ErrStaleRecord is wrapped by a ConflictError when a resource record was
// written by someone else since it was read.
var ErrStaleRecord = errors.New("resource record modified concurrently")

// ValidationError rejects a manifest or reference before any dispatch.
type ValidationError struct {
	Key    *ResourceKey // nil when the document could not be identified
	Index  int          // document index, -1 when not from a document
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	switch {
	case e.Key != nil:
		msg = fmt.Sprintf("%s %q in namespace %q: %s", e.Key.Kind, e.Key.Name, e.Key.Namespace, e.Reason)
	case e.Index >= 0:
		msg = fmt.Sprintf("document %d: %s", e.Index, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PlacementError means no node could take a single-target resource.
type PlacementError struct {
	Key    ResourceKey
	Reason string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("place %s: %s", e.Key, e.Reason)
}

// TransportError is a connect, execute or channel failure against a node.
type TransportError struct {
	Node    string
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("node %s: %s %s: %v", e.Node, e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConflictError is a ledger invariant violation.
type ConflictError struct {
	Field    string // name, address, subnetCidr, version
	Value    string
	Existing string // the record already holding Value
	Err      error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict on %s %q", e.Field, e.Value)
	if e.Existing != "" {
		msg += " (held by " + e.Existing + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}
