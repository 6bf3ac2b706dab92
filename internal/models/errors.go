package models

import "errors"

// Lifecycle errors. Storage layers wrap these with fmt.Errorf("...: %w") so
// callers match them with errors.Is.
var (
	ErrDuplicateName = errors.New("file with the same name already exists")
	ErrNotFound      = errors.New("file not found")
	ErrBlobMissing   = errors.New("file record exists but content is missing")
	ErrBlobNotFound  = errors.New("blob not found")
	ErrWrite         = errors.New("blob write failed")
	ErrInvalidName   = errors.New("invalid filename")
)
