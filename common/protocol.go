// Copyright 2022 The infotainer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
)

// ==============================================================================
// Commands

// Command a request sent by a client session
//
// The set of commands is closed: SubmitCommand, ManageSubscriptionCommand,
// ListCommand, FetchCommand, and IndexCommand.
type Command interface {
	// GetRequestID return the client supplied request ID
	GetRequestID() string
	isCommand()
}

// CommandBase fields shared by all commands
type CommandBase struct {
	// RequestID is an optional client correlation ID echoed back in the response
	RequestID string `validate:"max=128"`
}

// GetRequestID return the client supplied request ID
func (c CommandBase) GetRequestID() string {
	return c.RequestID
}

// SubmitCommand publish a payload to a subscription
type SubmitCommand struct {
	CommandBase
	Subscription string `validate:"required,max=255"`
	Payload      []byte
}

// SubscriptionAction whether to join or leave a subscription
type SubscriptionAction string

const (
	// SubscriptionAdd join the subscription
	SubscriptionAdd SubscriptionAction = "add"
	// SubscriptionRemove leave the subscription
	SubscriptionRemove SubscriptionAction = "remove"
)

// ManageSubscriptionCommand join or leave a subscription
type ManageSubscriptionCommand struct {
	CommandBase
	Action       SubscriptionAction `validate:"required,oneof=add remove"`
	Subscription string             `validate:"required,max=255"`
}

// ListCommand list all known subscriptions
type ListCommand struct {
	CommandBase
}

// FetchCommand read publications from a subscription's data log
type FetchCommand struct {
	CommandBase
	Subscription string      `validate:"required,max=255"`
	Selector     LogSelector `validate:"required"`
}

// IndexCommand list the publication IDs in a subscription's data log
type IndexCommand struct {
	CommandBase
	Subscription string `validate:"required,max=255"`
}

func (SubmitCommand) isCommand()             {}
func (ManageSubscriptionCommand) isCommand() {}
func (ListCommand) isCommand()               {}
func (FetchCommand) isCommand()              {}
func (IndexCommand) isCommand()              {}

// ==============================================================================
// Responses

// Response a message sent to a client session
//
// The set of responses is closed: SubscriptionListResponse, PublicationResponse,
// DataLogEntryResponse, LogIndexResponse, and ErrorResponse.
type Response interface {
	// GetRequestID return the request ID of the command which triggered this response
	GetRequestID() string
	isResponse()
}

// ResponseBase fields shared by all responses
type ResponseBase struct {
	// RequestID echoes the command's request ID. Empty for unsolicited deliveries.
	RequestID string
}

// GetRequestID return the request ID of the command which triggered this response
func (r ResponseBase) GetRequestID() string {
	return r.RequestID
}

// SubscriptionListResponse a list of subscription names
type SubscriptionListResponse struct {
	ResponseBase
	Subscriptions []string
}

// PublicationResponse a single publication
//
// This is both the acknowledgement of a submit, and the message delivered to subscribers.
type PublicationResponse struct {
	ResponseBase
	Publication Publication
	// LogWarning is set on a submit acknowledgement when the publication was delivered
	// but could not be written to the data log
	LogWarning string
}

// DataLogEntryResponse publications read from the data log
type DataLogEntryResponse struct {
	ResponseBase
	Entry DataLogEntry
}

// LogIndexResponse the publication IDs of a subscription's data log
type LogIndexResponse struct {
	ResponseBase
	Subscription   string
	PublicationIDs []string
}

// ErrorCode classification of a failed command
type ErrorCode int

const (
	// ErrorCodeInternal unclassified failure
	ErrorCodeInternal ErrorCode = iota
	// ErrorCodeUnknownSubscription see ErrUnknownSubscription
	ErrorCodeUnknownSubscription
	// ErrorCodeSessionNotFound see ErrSessionNotFound
	ErrorCodeSessionNotFound
	// ErrorCodeWriteFailure see WriteFailure
	ErrorCodeWriteFailure
	// ErrorCodeMalformedRequest see ErrMalformedRequest
	ErrorCodeMalformedRequest
	// ErrorCodePublicationNotFound see ErrPublicationNotFound
	ErrorCodePublicationNotFound
	// ErrorCodeOverloaded see ErrComponentOverloaded
	ErrorCodeOverloaded
)

// String implements fmt.Stringer
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeUnknownSubscription:
		return "unknown_subscription"
	case ErrorCodeSessionNotFound:
		return "session_not_found"
	case ErrorCodeWriteFailure:
		return "write_failure"
	case ErrorCodeMalformedRequest:
		return "malformed_request"
	case ErrorCodePublicationNotFound:
		return "publication_not_found"
	case ErrorCodeOverloaded:
		return "overloaded"
	default:
		return "internal"
	}
}

// ErrorResponse a failed command
type ErrorResponse struct {
	ResponseBase
	Code    ErrorCode
	Message string
}

func (SubscriptionListResponse) isResponse() {}
func (PublicationResponse) isResponse()      {}
func (DataLogEntryResponse) isResponse()     {}
func (LogIndexResponse) isResponse()         {}
func (ErrorResponse) isResponse()            {}

// ClassifyError map an error onto its ErrorCode
func ClassifyError(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrUnknownSubscription):
		return ErrorCodeUnknownSubscription
	case errors.Is(err, ErrSessionNotFound):
		return ErrorCodeSessionNotFound
	case IsWriteFailure(err):
		return ErrorCodeWriteFailure
	case errors.Is(err, ErrMalformedRequest):
		return ErrorCodeMalformedRequest
	case errors.Is(err, ErrPublicationNotFound):
		return ErrorCodePublicationNotFound
	case errors.Is(err, ErrComponentOverloaded), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeOverloaded
	default:
		return ErrorCodeInternal
	}
}

// NewErrorResponse build the ErrorResponse for a failed command
func NewErrorResponse(requestID string, err error) *ErrorResponse {
	return &ErrorResponse{
		ResponseBase: ResponseBase{RequestID: requestID},
		Code:         ClassifyError(err),
		Message:      err.Error(),
	}
}

// ==============================================================================

// SessionHandle the broker's only view of a connected client session
type SessionHandle interface {
	// SessionID return the ID of the session
	SessionID() string

	/*
		Deliver queue a response for transmission to the client

		This must not block on transport I/O. If the session cannot accept more outbound
		messages, ErrSessionOverloaded is returned.

		 @param ctxt context.Context - execution context
		 @param msg Response - the response to send
	*/
	Deliver(ctxt context.Context, msg Response) error

	// Close terminate the session. This must not block.
	Close() error
}
