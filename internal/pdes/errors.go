package pdes

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConfigError reports a malformed or missing configuration value discovered
// at startup: a missing CLI flag, an unparseable grid file, an unknown
// pattern id. Config errors are fatal; the job aborts rather than runs with
// a guessed default.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// GRPCStatus lets ConfigError be classified through grpc/status without a
// live grpc.Server; callers that want a wire-compatible code for an error
// can call status.Code(err) and get codes.InvalidArgument back.
func (e *ConfigError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// ProtocolViolation reports a defect in the scheduler or a model client
// that broke an invariant the substrate depends on: a negative lookahead
// violation, an anti-message with no matching positive event, a commit
// requested past GVT. These are internal bugs, not user-facing
// misconfiguration, and abort the run.
type ProtocolViolation struct {
	Component string
	Detail    string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Component, e.Detail)
}

func (e *ProtocolViolation) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// TransportError wraps a failure from the Transport layer (local channel
// closed early, Pub/Sub publish failed, reduction peer unreachable).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}
