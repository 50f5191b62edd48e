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
	"errors"
	"fmt"
)

// ErrUnknownSubscription an operation referenced a subscription which does not exist
var ErrUnknownSubscription = errors.New("unknown subscription")

// ErrSessionNotFound the session ID is not registered
var ErrSessionNotFound = errors.New("session not found")

// ErrMalformedRequest a decoded request does not fit the command vocabulary
var ErrMalformedRequest = errors.New("malformed request")

// ErrPublicationNotFound a requested publication is not part of the subscription's log
var ErrPublicationNotFound = errors.New("publication not found")

// ErrComponentOverloaded the request queue of a component stayed full until the caller
// gave up waiting
var ErrComponentOverloaded = errors.New("component overloaded")

// ErrComponentStopped the component's event loop is no longer accepting requests
var ErrComponentStopped = errors.New("component stopped")

// ErrSessionOverloaded the outbound queue of a session is full
var ErrSessionOverloaded = errors.New("session outbound queue full")

// WriteFailure the data log could not durably store a record
type WriteFailure struct {
	// Subscription is the subscription the record belongs to
	Subscription string
	// Record describes the record which failed to persist
	Record string
	// Err is the underlying storage error
	Err error
}

// Error implements error
func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write failure on %s for %s: %s", e.Subscription, e.Record, e.Err)
}

// Unwrap exposes the storage error
func (e *WriteFailure) Unwrap() error {
	return e.Err
}

// IsWriteFailure check whether the error is caused by a WriteFailure
func IsWriteFailure(err error) bool {
	var wf *WriteFailure
	return errors.As(err, &wf)
}
