package evidence

import "errors"

var (
	ErrNotFound       = errors.New("evidence not found")
	ErrReadFailure    = errors.New("evidence source read failure")
	ErrEmptyFilename  = errors.New("filename is required")
	ErrEmptyFile      = errors.New("file is empty")
	ErrTooLarge       = errors.New("file exceeds maximum upload size")
	ErrBlobExists     = errors.New("blob already exists")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrStorageFailure = errors.New("evidence storage failure")
	ErrIntegrity      = errors.New("evidence failed integrity check")
)
