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

package session

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/alwitt/infotainer/common"
	"github.com/apex/log"
)

// Registry tracks which live connection handle serves each client session
type Registry interface {
	/*
		Register bind a session ID to a connection handle

		Registering a new handle for an existing session replaces the old handle, and the
		displaced handle is closed.

		 @param ctxt context.Context - execution context
		 @param sessionID string - the session ID
		 @param handle common.SessionHandle - the connection handle
	*/
	Register(ctxt context.Context, sessionID string, handle common.SessionHandle) error

	/*
		Unregister remove a session

		 @param ctxt context.Context - execution context
		 @param sessionID string - the session ID
	*/
	Unregister(ctxt context.Context, sessionID string) error

	/*
		Release remove a session only if it is still bound to the given handle

		A transport calls this when its connection ends, so a session that was re-registered
		on a newer connection is left untouched.

		 @param ctxt context.Context - execution context
		 @param handle common.SessionHandle - the connection handle being released
	*/
	Release(ctxt context.Context, handle common.SessionHandle) error

	/*
		Resolve fetch the connection handle of a session

		 @param ctxt context.Context - execution context
		 @param sessionID string - the session ID
		 @return the connection handle
	*/
	Resolve(ctxt context.Context, sessionID string) (common.SessionHandle, error)

	// ListSessions list the IDs of all registered sessions
	ListSessions(ctxt context.Context) ([]string, error)
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	tp       common.TaskProcessor
	sessions map[string]common.SessionHandle
}

// GetSessionRegistry define a new session registry
//
// The registry's handlers are installed on the task processor. The caller starts and stops
// the task processor's event loop.
func GetSessionRegistry(instance string, tp common.TaskProcessor) (Registry, error) {
	logTags := log.Fields{
		"module": "session", "component": "registry", "instance": instance,
	}
	instanceImpl := &registryImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		sessions:  make(map[string]common.SessionHandle),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registerRequest{}), instanceImpl.processRegister,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(unregisterRequest{}), instanceImpl.processUnregister,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(resolveRequest{}), instanceImpl.processResolve,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(listRequest{}), instanceImpl.processList,
	); err != nil {
		return nil, err
	}
	return instanceImpl, nil
}

// =========================================================================

type registerRequest struct {
	sessionID string
	handle    common.SessionHandle
	resultCB  func(error)
}

// Register bind a session ID to a connection handle
func (r *registryImpl) Register(
	ctxt context.Context, sessionID string, handle common.SessionHandle,
) error {
	if sessionID == "" || handle == nil {
		return fmt.Errorf("session ID and handle are required: %w", common.ErrMalformedRequest)
	}
	resultChan := make(chan error, 1)
	request := registerRequest{
		sessionID: sessionID,
		handle:    handle,
		resultCB:  func(err error) { resultChan <- err },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit register %s", sessionID)
		return err
	}
	result, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return err
	}
	return result
}

func (r *registryImpl) processRegister(param interface{}) error {
	request := param.(registerRequest)
	if existing, ok := r.sessions[request.sessionID]; ok && existing != request.handle {
		log.WithFields(r.LogTags).Infof("Session %s re-registered. Closing old handle", request.sessionID)
		if err := existing.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to close displaced handle of %s", request.sessionID,
			)
		}
	}
	r.sessions[request.sessionID] = request.handle
	log.WithFields(r.LogTags).Debugf("Registered session %s", request.sessionID)
	request.resultCB(nil)
	return nil
}

// =========================================================================

type unregisterRequest struct {
	sessionID string
	handle    common.SessionHandle
	resultCB  func(error)
}

// Unregister remove a session
func (r *registryImpl) Unregister(ctxt context.Context, sessionID string) error {
	return r.unregister(ctxt, unregisterRequest{sessionID: sessionID})
}

// Release remove a session only if it is still bound to the given handle
func (r *registryImpl) Release(ctxt context.Context, handle common.SessionHandle) error {
	return r.unregister(ctxt, unregisterRequest{sessionID: handle.SessionID(), handle: handle})
}

func (r *registryImpl) unregister(ctxt context.Context, request unregisterRequest) error {
	resultChan := make(chan error, 1)
	request.resultCB = func(err error) { resultChan <- err }
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit unregister %s", request.sessionID,
		)
		return err
	}
	result, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return err
	}
	return result
}

func (r *registryImpl) processUnregister(param interface{}) error {
	request := param.(unregisterRequest)
	existing, ok := r.sessions[request.sessionID]
	if !ok || (request.handle != nil && existing != request.handle) {
		request.resultCB(fmt.Errorf("unregister %s: %w", request.sessionID, common.ErrSessionNotFound))
		return nil
	}
	delete(r.sessions, request.sessionID)
	log.WithFields(r.LogTags).Debugf("Unregistered session %s", request.sessionID)
	request.resultCB(nil)
	return nil
}

// =========================================================================

type resolveResult struct {
	handle common.SessionHandle
	err    error
}

type resolveRequest struct {
	sessionID string
	resultCB  func(resolveResult)
}

// Resolve fetch the connection handle of a session
func (r *registryImpl) Resolve(
	ctxt context.Context, sessionID string,
) (common.SessionHandle, error) {
	resultChan := make(chan resolveResult, 1)
	request := resolveRequest{
		sessionID: sessionID,
		resultCB:  func(result resolveResult) { resultChan <- result },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit resolve %s", sessionID)
		return nil, err
	}
	result, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return nil, err
	}
	return result.handle, result.err
}

func (r *registryImpl) processResolve(param interface{}) error {
	request := param.(resolveRequest)
	if handle, ok := r.sessions[request.sessionID]; ok {
		request.resultCB(resolveResult{handle: handle})
	} else {
		request.resultCB(resolveResult{
			err: fmt.Errorf("resolve %s: %w", request.sessionID, common.ErrSessionNotFound),
		})
	}
	return nil
}

// =========================================================================

type listRequest struct {
	resultCB func([]string)
}

// ListSessions list the IDs of all registered sessions
func (r *registryImpl) ListSessions(ctxt context.Context) ([]string, error) {
	resultChan := make(chan []string, 1)
	request := listRequest{resultCB: func(ids []string) { resultChan <- ids }}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit session list")
		return nil, err
	}
	return common.AwaitResult(ctxt, resultChan)
}

func (r *registryImpl) processList(param interface{}) error {
	request := param.(listRequest)
	ids := make([]string, 0, len(r.sessions))
	for sessionID := range r.sessions {
		ids = append(ids, sessionID)
	}
	sort.Strings(ids)
	request.resultCB(ids)
	return nil
}
