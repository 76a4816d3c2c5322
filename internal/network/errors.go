package network

import "fmt"

// Kind enumerates the error kinds spec §7 calls exhaustive for the core
// surface. None of these are retried inside the core.
type Kind string

const (
	KindUnknownMAC        Kind = "unknown_mac"
	KindUnknownDevEUI     Kind = "unknown_deveui"
	KindUnknownDevAddr    Kind = "unknown_devaddr"
	KindBadMIC            Kind = "bad_mic"
	KindFCntGapTooLarge   Kind = "fcnt_gap_too_large"
	KindParseError        Kind = "parse_error"
	KindApplicationError  Kind = "application_error"
)

// Error is the error type ProcessFrame and JoinEngine return for every
// rejection. The caller inspects Kind; nothing here is meant to be
// pattern-matched by message text.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("network: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
