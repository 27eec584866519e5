package store

import "errors"

var (
	// ErrStorageUnavailable means the underlying store could not be opened.
	// Callers degrade to console-only logging.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrWriteFailure means an insert failed and the records were dropped.
	ErrWriteFailure = errors.New("write failure")

	// ErrReadFailure means a query failed.
	ErrReadFailure = errors.New("read failure")

	// ErrUnknownTable is returned for a table name outside record.Tables.
	ErrUnknownTable = errors.New("unknown table")

	// ErrDuplicateID is returned when a record id already exists in its table.
	ErrDuplicateID = errors.New("duplicate record id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)
