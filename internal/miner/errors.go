package miner

import (
	"errors"
	"fmt"

	"github.com/sodmax/cityverse-miner/internal/ledger"
)

var (
	ErrNoSession         = errors.New("no active session")
	ErrAlreadyStarted    = errors.New("engine already started")
	ErrClaimInFlight     = errors.New("a claim is already in flight")
	ErrZeroReward        = errors.New("nothing to claim")
	ErrBoostActive       = errors.New("boost already active")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownUpgrade    = errors.New("unknown upgrade")
	ErrUnauthenticated   = errors.New("session is no longer authenticated")
	ErrTransient         = errors.New("temporary ledger failure")
)

// RejectedError is an authoritative refusal from the ledger.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "rejected by ledger"
	}
	return "rejected by ledger: " + e.Reason
}

// classify maps a ledger call failure onto the engine's error taxonomy.
func classify(err error) error {
	apiErr, ok := ledger.AsAPIError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch {
	case apiErr.IsAuth():
		return fmt.Errorf("%w: %s", ErrUnauthenticated, apiErr.Message)
	case apiErr.IsInsufficientFunds():
		return ErrInsufficientFunds
	case apiErr.IsRetryable():
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case apiErr.Code == ledger.CodeBoostActive:
		return ErrBoostActive
	default:
		return &RejectedError{Reason: reason(apiErr.Code, apiErr.Message)}
	}
}

// rejection maps a success=false body onto the taxonomy.
func rejection(code, message string) error {
	switch {
	case ledger.IsAuthError(code):
		return fmt.Errorf("%w: %s", ErrUnauthenticated, message)
	case code == ledger.CodeInsufficientFunds:
		return ErrInsufficientFunds
	case code == ledger.CodeBoostActive:
		return ErrBoostActive
	case code == ledger.CodeRateLimited:
		return fmt.Errorf("%w: %s", ErrTransient, reason(code, message))
	default:
		return &RejectedError{Reason: reason(code, message)}
	}
}

func reason(code, message string) string {
	switch {
	case message != "":
		return message
	case code != "":
		return code
	default:
		return "no reason given"
	}
}
