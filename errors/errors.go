// Package errors provides DICOM and relay error types for better error handling
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrConnectionClosed    = errors.New("dicom: connection closed")
	ErrAssociationRejected = errors.New("dicom: association rejected")
	ErrInvalidPDU          = errors.New("dicom: invalid PDU")
	ErrUnsupportedTransfer = errors.New("dicom: unsupported transfer syntax")
	ErrNoPresentationCtx   = errors.New("dicom: no suitable presentation context")
	ErrInvalidMessage      = errors.New("dicom: invalid DIMSE message")
	ErrAssociationNotReady = errors.New("dicom: association not ready for data transfer")
)

// Relay errors. Every one of them ends the originating DICOM exchange with an A-ABORT.
var (
	// ErrTransportTimeout means no reply arrived within the request window.
	ErrTransportTimeout = errors.New("relay: transport timeout")
	// ErrIncompleteTransfer means a chunk set did not cover exactly indices 0..N.
	ErrIncompleteTransfer = errors.New("relay: incomplete transfer")
	// ErrUnsupportedCommand means the dispatcher has no handler for the command.
	ErrUnsupportedCommand = errors.New("relay: unsupported command")
	// ErrTargetUnavailable means the target archive could not be reached or negotiated.
	ErrTargetUnavailable = errors.New("relay: target unavailable")
	// ErrBusDisconnected means the bus connection is not established.
	ErrBusDisconnected = errors.New("relay: bus disconnected")
	// ErrEmptyReply means the far side answered without a response command.
	ErrEmptyReply = errors.New("relay: empty reply")
)

// AssociationError represents an association-level rejection
type AssociationError struct {
	Result AssociationRejectResult
	Reason AssociationRejectReason
	Source AssociationRejectSource
	Msg    string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (result: %s, source: %s, reason: %s)",
		e.Msg, e.Result, e.Source, e.Reason)
}

// Is makes every AssociationError match ErrAssociationRejected.
func (e *AssociationError) Is(target error) bool {
	return target == ErrAssociationRejected
}

// AssociationRejectResult tells the requestor whether retrying can succeed
type AssociationRejectResult byte

const (
	RejectResultPermanent AssociationRejectResult = 0x01
	RejectResultTransient AssociationRejectResult = 0x02
)

func (r AssociationRejectResult) String() string {
	switch r {
	case RejectResultPermanent:
		return "permanent"
	case RejectResultTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// AssociationRejectReason represents why an association was rejected
type AssociationRejectReason byte

const (
	RejectReasonUnknown                        AssociationRejectReason = 0x00
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07
)

// Reasons valid only with RejectSourceServiceProviderPresentation
const (
	RejectReasonTemporaryCongestion AssociationRejectReason = 0x01
	RejectReasonLocalLimitExceeded  AssociationRejectReason = 0x02
)

func (r AssociationRejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return fmt.Sprintf("reason(0x%02x)", byte(r))
	}
}

// AssociationRejectSource represents who rejected the association
type AssociationRejectSource byte

const (
	RejectSourceUnknown                     AssociationRejectSource = 0x00
	RejectSourceServiceUser                 AssociationRejectSource = 0x01
	RejectSourceServiceProviderACSE         AssociationRejectSource = 0x02
	RejectSourceServiceProviderPresentation AssociationRejectSource = 0x03
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProviderACSE:
		return "service-provider-acse"
	case RejectSourceServiceProviderPresentation:
		return "service-provider-presentation"
	default:
		return "unknown"
	}
}

// NewAssociationError creates a new association error
func NewAssociationError(source AssociationRejectSource, reason AssociationRejectReason, msg string) *AssociationError {
	return &AssociationError{
		Result: RejectResultPermanent,
		Source: source,
		Reason: reason,
		Msg:    msg,
	}
}

// NewTransientAssociationError creates a rejection the requestor may retry
func NewTransientAssociationError(source AssociationRejectSource, reason AssociationRejectReason, msg string) *AssociationError {
	err := NewAssociationError(source, reason, msg)
	err.Result = RejectResultTransient
	return err
}

// DIMSEError represents a DIMSE operation error with status code
type DIMSEError struct {
	Status    uint16
	Operation string
	Msg       string
}

func (e *DIMSEError) Error() string {
	return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}

// NewDIMSEError creates a new DIMSE error
func NewDIMSEError(operation string, status uint16, msg string) *DIMSEError {
	return &DIMSEError{
		Operation: operation,
		Status:    status,
		Msg:       msg,
	}
}

// IsSuccess returns true if the DIMSE status indicates success
func (e *DIMSEError) IsSuccess() bool {
	return e.Status == 0x0000
}

// IsPending returns true if the DIMSE status indicates pending
func (e *DIMSEError) IsPending() bool {
	return e.Status == 0xFF00
}

// IsWarning returns true if the DIMSE status indicates a warning
func (e *DIMSEError) IsWarning() bool {
	return (e.Status&0xFF00) == 0x0100 || (e.Status&0xF000) == 0xB000
}

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// Is makes every TimeoutError match ErrTransportTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTransportTimeout
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(operation, duration string) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Duration:  duration,
	}
}

// NetworkError represents a network-level error
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{
		Op:  op,
		Err: err,
	}
}

// PDUError represents a PDU-level protocol error
type PDUError struct {
	PDUType byte
	Msg     string
}

func (e *PDUError) Error() string {
	return fmt.Sprintf("PDU error (type: 0x%02X): %s", e.PDUType, e.Msg)
}

// Is makes every PDUError match ErrInvalidPDU.
func (e *PDUError) Is(target error) bool {
	return target == ErrInvalidPDU
}

// NewPDUError creates a new PDU error
func NewPDUError(pduType byte, msg string) *PDUError {
	return &PDUError{
		PDUType: pduType,
		Msg:     msg,
	}
}

// AbortError represents an A-ABORT PDU received
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	sourceStr := "unknown"
	if e.Source == 0x00 {
		sourceStr = "service-user"
	} else if e.Source == 0x02 {
		sourceStr = "service-provider"
	}

	return fmt.Sprintf("connection aborted by %s (reason: 0x%02X)", sourceStr, e.Reason)
}

// Is makes every AbortError match ErrConnectionClosed.
func (e *AbortError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// NewAbortError creates a new abort error
func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{
		Source: source,
		Reason: reason,
	}
}

// IncompleteTransferError describes a chunk set that cannot be reassembled
type IncompleteTransferError struct {
	Expected int
	Received int
	// Missing holds the first absent index, or -1 when the set had extras.
	Missing int
	Msg     string
}

func (e *IncompleteTransferError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("incomplete transfer: %s (expected %d parts, received %d)", e.Msg, e.Expected, e.Received)
	}
	return fmt.Sprintf("incomplete transfer: part %d missing (expected %d parts, received %d)", e.Missing, e.Expected, e.Received)
}

// Is makes every IncompleteTransferError match ErrIncompleteTransfer.
func (e *IncompleteTransferError) Is(target error) bool {
	return target == ErrIncompleteTransfer
}
