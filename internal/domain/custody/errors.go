package custody

import "errors"

var (
	// ErrLedgerWriteConflict means a sequence number was already taken. The
	// surrounding operation must abort.
	ErrLedgerWriteConflict = errors.New("custody ledger write conflict")
	ErrImmutable           = errors.New("custody records are append-only")
	ErrInvalidEvent        = errors.New("invalid custody event")
)
