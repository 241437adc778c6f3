// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package streams

import (
	"errors"
	"fmt"
)

// Instructs the StatefulConsumer how to proceed when a Processor returns an error.
type ErrorResponse int

const (
	// Mark the message as complete (acked) and continue processing as normal.
	CompleteAndContinue ErrorResponse = iota
	// Nack the message and restart the partition from its last safe offset. The store is kept, so the processor
	// must tolerate seeing the failed record and everything after it again.
	FailPartition

	// Nack the message and stop the consumer. In-flight messages are drained and the final safe offsets are committed.
	// This strategy is recommended for identifying bad deployments. The idea would be to capture
	// this event via metrics and Alarm, causing a graceful rollback.
	FailConsumer

	// As the name implies, the application will fatally exit.
	FatallyExit
)

// ErrorKind is the failure taxonomy shared by every component.
type ErrorKind int

const (
	UnknownError ErrorKind = iota
	// Broker, consensus store, object storage, or socket errors. Retried with bounded backoff.
	TransientIO
	// A consensus lease expired or a CAS precondition failed. The owning role terminates and restarts.
	LeaseLost
	// An undeserializable store record or manifest. Dropped with a logged sample.
	CorruptState
	// An impossible in-memory state, e.g. ack of an unknown handle.
	ContractViolation
	// Permit acquisition timed out.
	BackpressureExceeded
	// An event or metadata record above the configured cap.
	OversizedPayload
)

func (k ErrorKind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case LeaseLost:
		return "lease_lost"
	case CorruptState:
		return "corrupt_state"
	case ContractViolation:
		return "contract_violation"
	case BackpressureExceeded:
		return "backpressure_exceeded"
	case OversizedPayload:
		return "oversized_payload"
	}
	return "unknown"
}

// Error attaches an ErrorKind to an underlying error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, &Error{Kind: k}) to match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors return UnknownError.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownError
}

var (
	ErrPartitionNotAssigned = errors.New("partition is not assigned")
	ErrPermitTimeout        = NewError(BackpressureExceeded, "acquire permit", errors.New("timed out waiting for an in-flight permit"))
	ErrUnknownHandle        = NewError(ContractViolation, "complete", errors.New("unknown in-flight handle"))
	ErrConsumerStopped      = errors.New("consumer stopped")
)

// DebugInvariants turns contract violations into panics. Leave false in production where they are logged and counted.
var DebugInvariants = false

// contractViolation panics when DebugInvariants is set, otherwise logs.
func contractViolation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if DebugInvariants {
		panic(msg)
	}
	log.Errorf("contract violation: %s", msg)
}

// ProcessorErrorContext describes the message whose processing failed.
type ProcessorErrorContext interface {
	TopicPartition() TopicPartition
	Offset() int64
}

type ProcessorErrorHandler func(ec ProcessorErrorContext, err error) ErrorResponse

// The default handler logs and continues for OversizedPayload and CorruptState errors,
// which are recoverable by definition, and fails the partition for everything else.
func DefaultProcessorErrorHandler(ec ProcessorErrorContext, err error) ErrorResponse {
	switch KindOf(err) {
	case OversizedPayload, CorruptState:
		log.Warnf("dropping record %+v, offset: %d, error: %v", ec.TopicPartition(), ec.Offset(), err)
		return CompleteAndContinue
	}
	log.Errorf("failing partition %+v at offset: %d, error: %v", ec.TopicPartition(), ec.Offset(), err)
	return FailPartition
}
