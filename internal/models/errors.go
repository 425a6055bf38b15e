package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrPathNotAllowed = errors.New("path not allowed")
	ErrFileNotFound   = errors.New("file not found")
	ErrConfiguration  = errors.New("configuration error")
	ErrHeaderChanged  = errors.New("header changed")
	ErrTransientStore = errors.New("transient store error")

	// ErrAllRowsQuarantined means the file had data but none of it was usable.
	ErrAllRowsQuarantined = errors.New("all data rows quarantined")
)

type AppError struct {
	FileID  int64
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("FileID %d: %s - %v", e.FileID, e.Message, e.Err)
	}
	return fmt.Sprintf("FileID %d: %s", e.FileID, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrorCode maps an ingestion error onto the code reported in sync results.
func ErrorCode(err error, fallback string) string {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr) && appErr.Code != "":
		return appErr.Code
	case errors.Is(err, ErrPathNotAllowed):
		return CodePathNotAllowed
	case errors.Is(err, ErrFileNotFound):
		return CodeFileNotFound
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrHeaderChanged):
		return CodeHeaderChanged
	case errors.Is(err, ErrAllRowsQuarantined):
		return CodeAllRowsQuarantined
	case errors.Is(err, ErrTransientStore):
		return CodeStoreError
	default:
		return fallback
	}
}
