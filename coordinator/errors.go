package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/InsAnjara/ProgSys/protocol"
)

var (
	ErrFileNotFound     = errors.New("file not found")
	ErrFileExists       = errors.New("file already exists")
	ErrNoNodesAvailable = errors.New("no storage nodes available")

	// ErrFragmentUnavailable is wrapped by FragmentUnavailableError.
	ErrFragmentUnavailable = errors.New("fragment unavailable")

	// ErrMergeMismatch means that the reassembled file differs from the uploaded one.
	ErrMergeMismatch = errors.New("merged file does not match the uploaded digest")
)

// PlacementError means that some fragments could not be stored on any node.
// The file was not added.
type PlacementError struct {
	Name    string
	Missing []string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("could not store %q: no replica for %s", e.Name, strings.Join(e.Missing, ", "))
}

// FragmentUnavailableError means that none of the replicas could serve the fragment.
type FragmentUnavailableError struct {
	Fragment string
	Tried    protocol.ReplicaSet
}

func (e *FragmentUnavailableError) Error() string {
	return fmt.Sprintf("fragment %q is unavailable on all of %v", e.Fragment, e.Tried)
}

func (e *FragmentUnavailableError) Unwrap() error { return ErrFragmentUnavailable }

// RemoveError means that some nodes did not confirm the deletion.
// The file stays in the directory.
type RemoveError struct {
	Name   string
	Failed []protocol.NodeAddress
	Err    error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("partial failure removing %q from %v: %v", e.Name, e.Failed, e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }
