package core

import "errors"

// Sentinel errors returned by collaborators. Dispatcher logic branches on
// these with errors.Is rather than string matching.
var (
	ErrLockHeld            = errors.New("core: lock currently held by another holder")
	ErrLockLost            = errors.New("core: lock lease lost before release")
	ErrDuplicateSignal     = errors.New("core: signal fingerprint already processed")
	ErrRiskRejected        = errors.New("core: order rejected by risk manager")
	ErrExchangeRejected    = errors.New("core: exchange rejected the order")
	ErrExchangeTransient   = errors.New("core: exchange gateway returned a transient failure")
	ErrExchangeUnreachable = errors.New("core: exchange gateway unreachable")
	ErrOrderNotFound       = errors.New("core: order not found")
	ErrOCONotFound         = errors.New("core: OCO pair not found")
	ErrOCOAlreadyTerminal  = errors.New("core: OCO pair already in a terminal state")
	ErrInvalidSignal       = errors.New("core: signal failed validation")
	ErrStateConflict       = errors.New("core: compare-and-swap conflict")
)
