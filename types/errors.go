package types

import "errors"

// Code is the stable numeric error taxonomy exposed at the FFI boundary
// (§6.4). Values are part of the wire contract and must never be renumbered.
type Code uint8

const (
	CodeOk                 Code = 0
	CodeNullPointer        Code = 1
	CodeInvalidEncoding    Code = 2
	CodeConnectionFailed   Code = 3
	CodeStreamNotFound     Code = 4
	CodePermissionDenied   Code = 5
	CodeInvalidDataClass   Code = 6
	CodeOffsetOutOfRange   Code = 7
	CodeQuerySyntax        Code = 8
	CodeQueryExecution     Code = 9
	CodeTenantNotFound     Code = 10
	CodeAuthFailed         Code = 11
	CodeTimeout            Code = 12
	CodeInternal           Code = 13
	CodeClusterUnavailable Code = 14
	CodeUnknown            Code = 15
	CodeBackpressure       Code = 16
	CodeIntegrityFailure   Code = 17
	CodeAuthenticationFailure Code = 18
)

// Error is a tagged error value carrying a stable Code alongside the
// underlying Go error. Every fallible core operation returns one of these
// (or nil) rather than relying on sentinel comparison alone.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(code Code, err error) *Error { return &Error{Code: code, Err: err} }

func (c Code) String() string {
	switch c {
	case CodeOk:
		return "Ok"
	case CodeNullPointer:
		return "NullPointer"
	case CodeInvalidEncoding:
		return "InvalidEncoding"
	case CodeConnectionFailed:
		return "ConnectionFailed"
	case CodeStreamNotFound:
		return "StreamNotFound"
	case CodePermissionDenied:
		return "PermissionDenied"
	case CodeInvalidDataClass:
		return "InvalidDataClass"
	case CodeOffsetOutOfRange:
		return "OffsetOutOfRange"
	case CodeQuerySyntax:
		return "QuerySyntax"
	case CodeQueryExecution:
		return "QueryExecution"
	case CodeTenantNotFound:
		return "TenantNotFound"
	case CodeAuthFailed:
		return "AuthFailed"
	case CodeTimeout:
		return "Timeout"
	case CodeInternal:
		return "Internal"
	case CodeClusterUnavailable:
		return "ClusterUnavailable"
	case CodeBackpressure:
		return "Backpressure"
	case CodeIntegrityFailure:
		return "IntegrityFailure"
	case CodeAuthenticationFailure:
		return "AuthenticationFailure"
	default:
		return "Unknown"
	}
}

// Sentinel errors used with errors.Is/errors.As across packages, mirroring
// the teacher's small sentinel-error style (consensus/errors.go).
var (
	ErrStreamNotFound      = errors.New("kimberlite: stream not found")
	ErrTenantNotFound      = errors.New("kimberlite: tenant not found")
	ErrTableNotFound       = errors.New("kimberlite: table not found")
	ErrPreconditionFailed  = errors.New("kimberlite: precondition failed")
	ErrEmptyColumns        = errors.New("kimberlite: columns must be non-empty")
	ErrDuplicateName       = errors.New("kimberlite: duplicate name")
	ErrByzantineCommand    = errors.New("kimberlite: structurally invalid command")
	ErrChecksumFailure     = errors.New("kimberlite: checksum mismatch")
	ErrChainBroken         = errors.New("kimberlite: hash chain broken")
	ErrAuthenticationFailure = errors.New("kimberlite: authentication failure")
	ErrBackpressure        = errors.New("kimberlite: backpressure")
	ErrTimedOut            = errors.New("kimberlite: timed out")
)
