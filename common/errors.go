package common

import "errors"

// Error taxonomy for the storage engine. These are kinds, not exhaustive
// wrapped types: callers use errors.Is against these sentinels.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyEmpty    = errors.New("key cannot be empty")
	ErrClosed      = errors.New("storage engine closed")

	// ErrInvalidFormat covers magic mismatch, bad version, out-of-range page
	// numbers, and negative transaction ids encountered while validating a
	// file header or journal header.
	ErrInvalidFormat = errors.New("invalid on-disk format")

	// ErrCorruptJournal means a journal transaction's CRC or marker sequence
	// did not validate; recovery treats it as "never committed".
	ErrCorruptJournal = errors.New("corrupt journal transaction")

	// ErrTransactionTooLarge means a write transaction would need more than
	// two journal files.
	ErrTransactionTooLarge = errors.New("transaction spans more than two journal files")

	// ErrDatabaseFull means the free list is empty and the file cannot be
	// extended further (surfaced from the pager).
	ErrDatabaseFull = errors.New("database full")

	// ErrObjectDisposed is returned by a second release of a journal file.
	ErrObjectDisposed = errors.New("object already disposed")

	ErrReadOnly      = errors.New("transaction is read-only")
	ErrTreeNotFound  = errors.New("tree not found")
	ErrTreeExists    = errors.New("tree already exists")
	ErrWriterBusy    = errors.New("another write transaction is active")
	ErrTxnDone       = errors.New("transaction already committed or rolled back")
)
