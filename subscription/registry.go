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

package subscription

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/alwitt/infotainer/common"
	"github.com/apex/log"
)

// Registry tracks the subscriber sessions of every subscription
//
// Subscriptions are created implicitly by the first Add and are retained even when they
// no longer have any subscribers.
type Registry interface {
	/*
		Add add a session to a subscription, creating the subscription if needed

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @param sessionID string - subscriber session ID
		 @return whether the subscription was created by this call
	*/
	Add(ctxt context.Context, subscription string, sessionID string) (bool, error)

	/*
		Remove remove a session from a subscription

		Removing a session which is not subscribed is a no-op.

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @param sessionID string - subscriber session ID
	*/
	Remove(ctxt context.Context, subscription string, sessionID string) error

	/*
		SubscribersOf list the subscriber session IDs of a subscription

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @return the subscriber session IDs
	*/
	SubscribersOf(ctxt context.Context, subscription string) ([]string, error)

	/*
		Members list the subscribers of a subscription, each with the generation of its
		latest Add

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @return the subscribers, ordered by session ID
	*/
	Members(ctxt context.Context, subscription string) ([]Subscriber, error)

	/*
		Prune remove a subscriber only if it has not been added again since member was read

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @param member Subscriber - the subscriber as returned by Members
		 @return whether the subscriber was removed
	*/
	Prune(ctxt context.Context, subscription string, member Subscriber) (bool, error)

	// List list all known subscriptions
	List(ctxt context.Context) ([]string, error)
}

// Subscriber one member of a subscription
type Subscriber struct {
	SessionID string
	// Generation changes every time the session is added to the subscription
	Generation uint64
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	tp            common.TaskProcessor
	subscriptions map[string]map[string]uint64
	generation    uint64
}

// GetSubscriptionRegistry define a new subscription registry
//
// The registry's handlers are installed on the task processor. The caller starts and stops
// the task processor's event loop.
func GetSubscriptionRegistry(instance string, tp common.TaskProcessor) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": instance,
	}
	instanceImpl := &registryImpl{
		Component:     common.Component{LogTags: logTags},
		tp:            tp,
		subscriptions: make(map[string]map[string]uint64),
	}
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(addRequest{}):         instanceImpl.processAdd,
		reflect.TypeOf(removeRequest{}):      instanceImpl.processRemove,
		reflect.TypeOf(subscribersRequest{}): instanceImpl.processSubscribersOf,
		reflect.TypeOf(pruneRequest{}):       instanceImpl.processPrune,
		reflect.TypeOf(listRequest{}):        instanceImpl.processList,
	}
	for msgType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(msgType, handler); err != nil {
			return nil, err
		}
	}
	return instanceImpl, nil
}

// =========================================================================

type addResult struct {
	created bool
	err     error
}

type addRequest struct {
	subscription string
	sessionID    string
	resultCB     func(addResult)
}

// Add add a session to a subscription, creating the subscription if needed
func (r *registryImpl) Add(
	ctxt context.Context, subscription string, sessionID string,
) (bool, error) {
	resultChan := make(chan addResult, 1)
	request := addRequest{
		subscription: subscription,
		sessionID:    sessionID,
		resultCB:     func(result addResult) { resultChan <- result },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit add %s to %s", sessionID, subscription,
		)
		return false, err
	}
	result, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return false, err
	}
	return result.created, result.err
}

func (r *registryImpl) processAdd(param interface{}) error {
	request := param.(addRequest)
	created := false
	subscribers, ok := r.subscriptions[request.subscription]
	if !ok {
		subscribers = make(map[string]uint64)
		r.subscriptions[request.subscription] = subscribers
		created = true
		log.WithFields(r.LogTags).Infof("Created subscription %s", request.subscription)
	}
	r.generation++
	subscribers[request.sessionID] = r.generation
	request.resultCB(addResult{created: created})
	return nil
}

// =========================================================================

type removeRequest struct {
	subscription string
	sessionID    string
	resultCB     func(error)
}

// Remove remove a session from a subscription
func (r *registryImpl) Remove(
	ctxt context.Context, subscription string, sessionID string,
) error {
	resultChan := make(chan error, 1)
	request := removeRequest{
		subscription: subscription,
		sessionID:    sessionID,
		resultCB:     func(err error) { resultChan <- err },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit remove %s from %s", sessionID, subscription,
		)
		return err
	}
	result, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return err
	}
	return result
}

func (r *registryImpl) processRemove(param interface{}) error {
	request := param.(removeRequest)
	subscribers, ok := r.subscriptions[request.subscription]
	if !ok {
		request.resultCB(
			fmt.Errorf("remove from %s: %w", request.subscription, common.ErrUnknownSubscription),
		)
		return nil
	}
	delete(subscribers, request.sessionID)
	request.resultCB(nil)
	return nil
}

// =========================================================================

type subscribersResult struct {
	members []Subscriber
	err     error
}

type subscribersRequest struct {
	subscription string
	resultCB     func(subscribersResult)
}

// SubscribersOf list the subscriber session IDs of a subscription
func (r *registryImpl) SubscribersOf(
	ctxt context.Context, subscription string,
) ([]string, error) {
	members, err := r.Members(ctxt, subscription)
	if err != nil {
		return nil, err
	}
	sessionIDs := make([]string, 0, len(members))
	for _, member := range members {
		sessionIDs = append(sessionIDs, member.SessionID)
	}
	return sessionIDs, nil
}

// Members list the subscribers of a subscription with their generations
func (r *registryImpl) Members(
	ctxt context.Context, subscription string,
) ([]Subscriber, error) {
	resultChan := make(chan subscribersResult, 1)
	request := subscribersRequest{
		subscription: subscription,
		resultCB:     func(result subscribersResult) { resultChan <- result },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit subscriber query for %s", subscription,
		)
		return nil, err
	}
	result, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return nil, err
	}
	return result.members, result.err
}

func (r *registryImpl) processSubscribersOf(param interface{}) error {
	request := param.(subscribersRequest)
	subscribers, ok := r.subscriptions[request.subscription]
	if !ok {
		request.resultCB(subscribersResult{
			err: fmt.Errorf("subscribers of %s: %w", request.subscription, common.ErrUnknownSubscription),
		})
		return nil
	}
	members := make([]Subscriber, 0, len(subscribers))
	for sessionID, generation := range subscribers {
		members = append(members, Subscriber{SessionID: sessionID, Generation: generation})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].SessionID < members[j].SessionID
	})
	request.resultCB(subscribersResult{members: members})
	return nil
}

// =========================================================================

type pruneResult struct {
	removed bool
	err     error
}

type pruneRequest struct {
	subscription string
	member       Subscriber
	resultCB     func(pruneResult)
}

// Prune remove a subscriber unless it was added again after member was read
func (r *registryImpl) Prune(
	ctxt context.Context, subscription string, member Subscriber,
) (bool, error) {
	resultChan := make(chan pruneResult, 1)
	request := pruneRequest{
		subscription: subscription,
		member:       member,
		resultCB:     func(result pruneResult) { resultChan <- result },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit prune %s from %s", member.SessionID, subscription,
		)
		return false, err
	}
	result, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return false, err
	}
	return result.removed, result.err
}

func (r *registryImpl) processPrune(param interface{}) error {
	request := param.(pruneRequest)
	subscribers, ok := r.subscriptions[request.subscription]
	if !ok {
		request.resultCB(pruneResult{
			err: fmt.Errorf("prune from %s: %w", request.subscription, common.ErrUnknownSubscription),
		})
		return nil
	}
	generation, ok := subscribers[request.member.SessionID]
	if !ok || generation != request.member.Generation {
		request.resultCB(pruneResult{removed: false})
		return nil
	}
	delete(subscribers, request.member.SessionID)
	request.resultCB(pruneResult{removed: true})
	return nil
}

// =========================================================================

type listRequest struct {
	resultCB func([]string)
}

// List list all known subscriptions
func (r *registryImpl) List(ctxt context.Context) ([]string, error) {
	resultChan := make(chan []string, 1)
	request := listRequest{resultCB: func(names []string) { resultChan <- names }}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit subscription list")
		return nil, err
	}
	return common.AwaitResult(ctxt, resultChan)
}

func (r *registryImpl) processList(param interface{}) error {
	request := param.(listRequest)
	names := make([]string, 0, len(r.subscriptions))
	for name := range r.subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	request.resultCB(names)
	return nil
}
