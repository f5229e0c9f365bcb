package types

import (
	"errors"
	"fmt"
)

// Code is a machine-readable rejection reason.
type Code string

const (
	CodeSchemaError        Code = "SCHEMA_ERROR"
	CodeStaleSignal        Code = "STALE_SIGNAL"
	CodeDuplicateSignal    Code = "DUPLICATE_SIGNAL"
	CodeUnknownSource      Code = "UNKNOWN_SOURCE"
	CodePhaseMismatch      Code = "PHASE_MISMATCH"
	CodePhaseNotDetermined Code = "PHASE_NOT_DETERMINED"
	CodeNoPriorIntent      Code = "NO_PRIOR_INTENT"
	CodeDuplicateIntent    Code = "DUPLICATE_INTENT"
	CodeIntentTerminal     Code = "INTENT_TERMINAL"
	CodeNotFilled          Code = "NOT_FILLED"
	CodeInvalidFill        Code = "INVALID_FILL"
	CodePartialFillDesync  Code = "PARTIAL_FILL_DESYNC"
	CodeBrokerError        Code = "BROKER_ERROR"
	CodeReconciliation     Code = "RECONCILIATION_DISCREPANCY"
	CodeCircuitBreakerTrip Code = "CIRCUIT_BREAKER_TRIP"
	CodeMasterArmDisabled  Code = "MASTER_ARM_DISABLED"
	CodeCooldownActive     Code = "COOLDOWN_ACTIVE"
	CodeEquityStale        Code = "EQUITY_STALE"
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeZombieSignal       Code = "ZOMBIE_SIGNAL"
	CodeSlippageExceeded   Code = "SLIPPAGE_EXCEEDED"
	CodeInvalidSize        Code = "INVALID_SIZE"
	CodeHandlerFailed      Code = "HANDLER_FAILED"
	CodeExecutionCancelled Code = "EXECUTION_CANCELLED"
	CodeExposureLimit      Code = "EXPOSURE_LIMIT"
)

// Rejection is the error type every intake-level failure is reported as.
type Rejection struct {
	Code   Code
	Detail string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Reject builds a Rejection with a formatted detail.
func Reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// RejectWrap builds a Rejection around an underlying error.
func RejectWrap(code Code, err error) *Rejection {
	r := &Rejection{Code: code, Err: err}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

// CodeOf extracts the rejection code, or "" when err is not a Rejection.
func CodeOf(err error) Code {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	switch {
	case errors.Is(err, ErrNoPriorIntent):
		return CodeNoPriorIntent
	case errors.Is(err, ErrDuplicateIntent):
		return CodeDuplicateIntent
	case errors.Is(err, ErrIntentTerminal):
		return CodeIntentTerminal
	case errors.Is(err, ErrNotFilled):
		return CodeNotFilled
	}
	return ""
}

var (
	ErrNoPriorIntent   = errors.New("no prepared intent found")
	ErrDuplicateIntent = errors.New("intent already exists for signal_id")
	ErrIntentTerminal  = errors.New("intent already terminal")
	ErrNotFilled       = errors.New("broker did not fill order")
	ErrNoPosition      = errors.New("no open position")
)
