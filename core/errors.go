package core

import "errors"

// Admission and replication errors. The HTTP layer maps these onto status
// codes with errors.Is: duplicates to 409, bad signatures to 401, out-of-sync
// block receipt to 409, everything else from admission to 400.
var (
	ErrMissingFields      = errors.New("core: transaction missing required fields")
	ErrUnknownAction      = errors.New("core: unknown action")
	ErrDuplicateAction    = errors.New("core: action already performed for batch")
	ErrPendingAction      = errors.New("core: action already pending in mempool for batch")
	ErrMissingPredecessor = errors.New("core: required predecessor step missing")
	ErrUnknownBatch       = errors.New("core: batch does not exist yet")
	ErrWrongRole          = errors.New("core: actor role does not match action")
	ErrUnknownOwner       = errors.New("core: cannot derive role of current owner")
	ErrOwnershipViolation = errors.New("core: actor is not the current owner of the batch")
	ErrRecipientMismatch  = errors.New("core: recipient does not match shipment destination")
	ErrSenderMismatch     = errors.New("core: metadata sender does not match shipment origin")
	ErrMissingTimestamp   = errors.New("core: signed transaction missing timestamp")
	ErrBadSignature       = errors.New("core: invalid signature")

	ErrDuplicateTx  = errors.New("core: transaction already known")
	ErrEmptyMempool = errors.New("core: no transactions to mine")
	ErrOutOfSync    = errors.New("core: previous hash does not match chain tip")
	ErrInvalidBlock = errors.New("core: invalid block")
	ErrInvalidChain = errors.New("core: invalid chain")
)
