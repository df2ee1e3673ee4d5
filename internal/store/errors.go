package store

import "errors"

var (
	// ErrUnauthenticated means an operation that requires a principal
	// was called without one. Raised before any remote call.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrPermissionDenied means a non-admin principal tried to write a
	// record that lives in the shared partition. Raised before any
	// remote write.
	ErrPermissionDenied = errors.New("shared records can only be modified by an admin")
)
