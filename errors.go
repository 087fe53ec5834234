package pub

import (
	"errors"
	"fmt"

	"github.com/sigurdm/pub/fetch"
	"github.com/sigurdm/pub/lockfile"
	"github.com/sigurdm/pub/solver"
	"github.com/sigurdm/pub/source"
)

// ResolutionFailure wraps a solver.SolveFailure as the coordinator's
// user-facing error: the solver could not satisfy the root pubspec's
// constraints. Explain renders the derivation DAG for display.
type ResolutionFailure struct {
	Failure *solver.SolveFailure
}

func (e *ResolutionFailure) Error() string {
	return e.Failure.Error()
}

func (e *ResolutionFailure) Unwrap() error { return e.Failure }

// Explain renders the blame chain behind the failure.
func (e *ResolutionFailure) Explain() string {
	return e.Failure.Explain()
}

// DataError is a high-level, user-facing problem that isn't a solve
// failure or a network error: a missing pubspec, an invalid manifest
// shape, or similar. It carries no inner derivation, only a message,
// and maps to exit code 65 (spec §7).
type DataError struct {
	Message string
}

func (e *DataError) Error() string { return e.Message }

// ExitCode classifies err per spec §7's taxonomy: 0 is never returned
// here (that's the caller's "no error" case); 1 is the generic
// fallback; 65 covers malformed input and failed resolution; 69 covers
// anything that needed the network and didn't get it.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var dataErr *DataError
	var manifestErr *source.ManifestFormatError
	var resolutionErr *ResolutionFailure
	var hashErr *lockfile.HashMismatchError

	switch {
	case errors.As(err, &dataErr):
		return 65
	case errors.As(err, &manifestErr):
		return 65
	case errors.As(err, &resolutionErr):
		return 65
	case errors.As(err, &hashErr):
		return 65
	}

	var fetchErr *fetch.FetchError
	var fetchRespErr *fetch.FetchErrorWithResponse
	var versionMismatch *fetch.VersionMismatchError
	switch {
	case errors.As(err, &fetchErr):
		return 69
	case errors.As(err, &fetchRespErr):
		return 69
	case errors.As(err, &versionMismatch):
		return 1
	}

	return 1
}

func wrapDataError(format string, args ...any) *DataError {
	return &DataError{Message: fmt.Sprintf(format, args...)}
}
