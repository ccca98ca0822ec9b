package models

import "errors"

var (
	// ErrDataUnavailable means a required upstream field or series is missing
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrMalformedRecord means a record failed structural parsing
	ErrMalformedRecord = errors.New("malformed record")
	// ErrStaleCache means a cached value predates newer upstream data
	ErrStaleCache = errors.New("stale cache")
	// ErrFetchFailure means the upstream fetch collaborator failed or timed out
	ErrFetchFailure = errors.New("fetch failure")
)
