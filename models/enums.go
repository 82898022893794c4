package models

import "errors"

type LedgerTransactionKind string

const (
	LedgerTransactionKindSettlement LedgerTransactionKind = "ST"
	LedgerTransactionKindPayment    LedgerTransactionKind = "PY"
	LedgerTransactionKindRejection  LedgerTransactionKind = "RJ"
	LedgerTransactionKindTransfer   LedgerTransactionKind = "TR"
	LedgerTransactionKindAdjustment LedgerTransactionKind = "AJ"
)

// RequiresNonNegativeBalance reports whether a posting of this kind may not
// leave the productora balance negative (debit-type postings).
func (k LedgerTransactionKind) RequiresNonNegativeBalance() bool {
	return k == LedgerTransactionKindPayment || k == LedgerTransactionKindTransfer
}

type BatchKind string

const (
	BatchKindPayment    BatchKind = "Payment"
	BatchKindRejection  BatchKind = "Rejection"
	BatchKindSettlement BatchKind = "Settlement"
	BatchKindTransfer   BatchKind = "Transfer"
	BatchKindAdjustment BatchKind = "Adjustment"
)

func ParseBatchKind(s string) (BatchKind, error) {
	switch BatchKind(s) {
	case BatchKindPayment, BatchKindRejection, BatchKindSettlement, BatchKindTransfer, BatchKindAdjustment:
		return BatchKind(s), nil
	}
	return "", errors.New("invalid batch kind")
}

// TransactionKind maps a batch kind to the ledger kind its rows post under.
func (k BatchKind) TransactionKind() LedgerTransactionKind {
	switch k {
	case BatchKindPayment:
		return LedgerTransactionKindPayment
	case BatchKindRejection:
		return LedgerTransactionKindRejection
	case BatchKindSettlement:
		return LedgerTransactionKindSettlement
	case BatchKindTransfer:
		return LedgerTransactionKindTransfer
	default:
		return LedgerTransactionKindAdjustment
	}
}

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "Processing"
	BatchStatusFinalized  BatchStatus = "Finalized"
	BatchStatusAborted    BatchStatus = "Aborted"
)

type ConflictState string

const (
	ConflictStateOpen       ConflictState = "Open"
	ConflictStateInProgress ConflictState = "InProgress"
	ConflictStateResolved   ConflictState = "Resolved"
	ConflictStateRejected   ConflictState = "Rejected"
)

func (s ConflictState) IsTerminal() bool {
	return s == ConflictStateResolved || s == ConflictStateRejected
}

type DecisionValue string

const (
	DecisionValuePending  DecisionValue = "Pending"
	DecisionValueAccepted DecisionValue = "Accepted"
	DecisionValueRejected DecisionValue = "Rejected"
)

func ParseDecisionValue(s string) (DecisionValue, error) {
	switch DecisionValue(s) {
	case DecisionValueAccepted, DecisionValueRejected:
		return DecisionValue(s), nil
	}
	return "", errors.New("decision must be Accepted or Rejected")
}

type NotificationEventKind string

const (
	NotificationEventProductoraPaid     NotificationEventKind = "ProductoraPaid"
	NotificationEventSettlementCredited NotificationEventKind = "SettlementCredited"
	NotificationEventBatchFinalized     NotificationEventKind = "BatchFinalized"
	NotificationEventConflictResolved   NotificationEventKind = "ConflictResolved"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const (
	IdempotencyStatusStarted   = "STARTED"
	IdempotencyStatusSucceeded = "SUCCEEDED"
	IdempotencyStatusFailed    = "FAILED"
)
