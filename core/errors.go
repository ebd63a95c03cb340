package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across packages.
var (
	// ErrIndexOutOfRange is returned when an episode index falls outside
	// [0, num_episodes) or is duplicated in a selection.
	ErrIndexOutOfRange = errors.New("episode index out of range")

	// ErrEmptySelection is returned when an operation receives no episodes.
	ErrEmptySelection = errors.New("empty episode selection")

	// ErrCorrupted is returned when a chunk file fails checksum or framing checks.
	ErrCorrupted = errors.New("chunk data is corrupted")

	// ErrClosed is returned when using a reader or writer after Close.
	ErrClosed = errors.New("handle is closed")
)

// SchemaMismatchError reports an incompatibility between two feature schemas
// being compared (merge, or source vs. target version).
type SchemaMismatchError struct {
	Feature string // the feature name at fault, or "" for a dataset-level mismatch (e.g. fps)
	Reason  string
}

func (e *SchemaMismatchError) Error() string {
	if e.Feature == "" {
		return fmt.Sprintf("schema mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("schema mismatch for feature %q: %s", e.Feature, e.Reason)
}

// IsSchemaMismatch checks if an error is a SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var mismatch *SchemaMismatchError
	return errors.As(err, &mismatch)
}

// OverlapError reports an episode assigned to two mutually exclusive splits.
type OverlapError struct {
	Episode uint64
	Splits  []string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("episode %d assigned to overlapping splits %s", e.Episode, strings.Join(e.Splits, ", "))
}

// IsOverlap checks if an error is an OverlapError.
func IsOverlap(err error) bool {
	var overlap *OverlapError
	return errors.As(err, &overlap)
}

// UnsupportedVersionError reports an unknown source/target format version pair.
type UnsupportedVersionError struct {
	Source string
	Target string
}

func (e *UnsupportedVersionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("unsupported format version %q", e.Source)
	}
	return fmt.Sprintf("unsupported format version conversion %q -> %q", e.Source, e.Target)
}

// IsUnsupportedVersion checks if an error is an UnsupportedVersionError.
func IsUnsupportedVersion(err error) bool {
	var unsupported *UnsupportedVersionError
	return errors.As(err, &unsupported)
}

// IOFailure wraps a storage read/write failure that occurred mid-stream.
// LastChunkID is the id of the last chunk that was completely written,
// or -1 if the failure happened before any chunk was finalized.
type IOFailure struct {
	Path        string
	LastChunkID int
	Err         error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("io failure at %s (last completed chunk %d): %v", e.Path, e.LastChunkID, e.Err)
}

func (e *IOFailure) Unwrap() error {
	return e.Err
}

// IsIOFailure checks if an error is an IOFailure.
func IsIOFailure(err error) bool {
	var ioErr *IOFailure
	return errors.As(err, &ioErr)
}

// ConsistencyError reports failed invariant checks. A ConsistencyError raised
// at postcondition time indicates an engine bug; the staged target is
// discarded and never published.
type ConsistencyError struct {
	Violations []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: %s", strings.Join(e.Violations, "; "))
}

// IsConsistencyError checks if an error is a ConsistencyError.
func IsConsistencyError(err error) bool {
	var consistency *ConsistencyError
	return errors.As(err, &consistency)
}
