package models

import "errors"

// Domain error taxonomy. Row-level failures inside batch ingestion wrap these
// with row context; structural failures propagate them as-is.
var (
	ErrNotFound           = errors.New("record not found")
	ErrValidation         = errors.New("validation failed")
	ErrOverAllocation     = errors.New("ownership allocation would exceed 100%")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAlreadyDecided     = errors.New("party already cast a decision")
	ErrConflictClosed     = errors.New("conflict is already resolved or rejected")
	ErrChainInconsistency = errors.New("ledger balance chain is inconsistent")
	ErrPostingHalted      = errors.New("posting halted pending manual reconciliation")
)
