package errors

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalid         = errors.New("invalid")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal")
	ErrNotInitialized  = errors.New("knowledge base not initialized")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrExtraction      = errors.New("content extraction failed")
	ErrInvalidURL      = errors.New("invalid url")
	ErrDisallowedURL   = errors.New("url not allowed")
	ErrAlreadyIndexed  = errors.New("url already indexed")
	ErrStoreCorrupt    = errors.New("vector store corrupt")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsURLRejected reports whether err came from url validation rather than from fetching or indexing.
func IsURLRejected(err error) bool {
	return errors.Is(err, ErrInvalidURL) || errors.Is(err, ErrDisallowedURL)
}
