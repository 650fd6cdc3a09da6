package asset

import "errors"

var (
	// ErrNotFound covers unknown assets and unknown chunk indices.
	ErrNotFound = errors.New("asset not found")
	// ErrForbidden is the single external denial for identity mismatch and
	// key-unwrap failure; the two are deliberately indistinguishable.
	ErrForbidden = errors.New("access denied")
	// ErrExpired is a time-bound denial, distinct from ErrForbidden.
	ErrExpired = errors.New("asset expired")
	// ErrRangeNotSatisfiable marks a byte range outside the asset.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	// ErrSizeLimit rejects ingestion input over the configured maximum.
	ErrSizeLimit = errors.New("size limit exceeded")
	// ErrValidation marks malformed ingestion or manifest input.
	ErrValidation = errors.New("invalid input")
)
