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

package broker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/metrics"
	"github.com/alwitt/infotainer/session"
	"github.com/alwitt/infotainer/storage"
	"github.com/alwitt/infotainer/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SubmitReceipt outcome of a submit
type SubmitReceipt struct {
	// Publication is the publication built from the submit
	Publication common.Publication
	// Delivered are the subscriber sessions the publication was queued on
	Delivered []string
	// Skipped are the subscriber sessions which could not take the publication
	Skipped []string
	// PersistError is set if the publication could not be written to the data log
	PersistError error
}

// RouterConfig publication router parameters
type RouterConfig struct {
	// RequestTimeout bounds the processing of one command
	RequestTimeout time.Duration `validate:"gt=0"`
	// FanOutParallelism is the max number of concurrent deliveries per publication
	FanOutParallelism int `validate:"gte=1"`
}

// PublicationRouter coordinates subscriptions, the data log, and session delivery
type PublicationRouter interface {
	/*
		Submit publish a payload to a subscription

		The publication is written to the data log and delivered to every current
		subscriber concurrently. Both run to completion even if ctxt is cancelled. A data
		log failure does not fail the submit. It is reported in the receipt.

		 @param ctxt context.Context - execution context
		 @param sessionID string - the submitting session
		 @param subscription string - subscription name
		 @param payload []byte - publication content
		 @return the submit receipt
	*/
	Submit(
		ctxt context.Context, sessionID string, subscription string, payload []byte,
	) (SubmitReceipt, error)

	/*
		ManageSubscription add a session to, or remove a session from, a subscription

		 @param ctxt context.Context - execution context
		 @param sessionID string - the session
		 @param action common.SubscriptionAction - add or remove
		 @param subscription string - subscription name
	*/
	ManageSubscription(
		ctxt context.Context,
		sessionID string,
		action common.SubscriptionAction,
		subscription string,
	) error

	// ListSubscriptions list all known subscriptions
	ListSubscriptions(ctxt context.Context) ([]string, error)

	// Fetch read publications from a subscription's data log
	Fetch(
		ctxt context.Context, subscription string, selector common.LogSelector,
	) (common.DataLogEntry, error)

	// Index list the publication IDs of a subscription's data log
	Index(ctxt context.Context, subscription string) ([]string, error)

	/*
		Handle process one client command

		Commands of one session are processed in the order they are handed in. Exactly one
		response is returned for every command.

		 @param ctxt context.Context - execution context
		 @param sessionID string - the session which sent the command
		 @param cmd common.Command - the command
		 @return the response to send back to the session
	*/
	Handle(ctxt context.Context, sessionID string, cmd common.Command) common.Response
}

// routerImpl implements PublicationRouter
type routerImpl struct {
	common.Component
	tp            common.TaskProcessor
	sessions      session.Registry
	subscriptions subscription.Registry
	dataLog       storage.DataLogIndex
	metrics       *metrics.Collector
	validate      *validator.Validate
	config        RouterConfig
}

// GetPublicationRouter define a new publication router
//
// Commands given to Handle are processed on the task processor, routed by session ID. The
// caller starts and stops the task processor's event loop. metricsCollector may be nil.
func GetPublicationRouter(
	instance string,
	tp common.TaskProcessor,
	sessions session.Registry,
	subscriptions subscription.Registry,
	dataLog storage.DataLogIndex,
	metricsCollector *metrics.Collector,
	config RouterConfig,
) (PublicationRouter, error) {
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "broker", "component": "router", "instance": instance,
	}
	instanceImpl := &routerImpl{
		Component:     common.Component{LogTags: logTags},
		tp:            tp,
		sessions:      sessions,
		subscriptions: subscriptions,
		dataLog:       dataLog,
		metrics:       metricsCollector,
		validate:      validate,
		config:        config,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(handleCommandRequest{}), instanceImpl.processCommand,
	); err != nil {
		return nil, err
	}
	return instanceImpl, nil
}

func (r *routerImpl) validateName(subscription string) error {
	if err := r.validate.Var(subscription, "required,max=255"); err != nil {
		return fmt.Errorf("subscription name '%s': %w", subscription, common.ErrMalformedRequest)
	}
	return nil
}

// =========================================================================

// Submit publish a payload to a subscription
func (r *routerImpl) Submit(
	ctxt context.Context, sessionID string, subscription string, payload []byte,
) (SubmitReceipt, error) {
	if err := r.validateName(subscription); err != nil {
		r.metrics.RecordSubmit(false)
		return SubmitReceipt{}, err
	}
	subscribers, err := r.subscriptions.Members(ctxt, subscription)
	if err != nil {
		r.metrics.RecordSubmit(false)
		return SubmitReceipt{}, err
	}

	pub := common.Publication{
		ID:           uuid.New().String(),
		Subscription: subscription,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	logTags := r.ExtendLogTags(log.Fields{"publication": pub.ID, "subscription": subscription})

	// Persistence and delivery are not cancelled with the caller
	opCtxt, cancel := context.WithTimeout(context.WithoutCancel(ctxt), r.config.RequestTimeout)
	defer cancel()

	var persistErr error
	outcomes := make([]metrics.DeliveryOutcome, len(subscribers))
	group := errgroup.Group{}
	group.SetLimit(r.config.FanOutParallelism + 1)
	group.Go(func() error {
		start := time.Now()
		persistErr = r.dataLog.PutPublication(opCtxt, pub)
		r.metrics.RecordPersist(time.Since(start), persistErr)
		return nil
	})
	for idx, subscriber := range subscribers {
		idx, subscriber := idx, subscriber
		group.Go(func() error {
			outcomes[idx] = r.deliver(opCtxt, subscriber, pub)
			return nil
		})
	}
	_ = group.Wait()

	receipt := SubmitReceipt{Publication: pub, Delivered: []string{}, Skipped: []string{}}
	for idx, outcome := range outcomes {
		r.metrics.RecordDelivery(outcome)
		if outcome == metrics.DeliveryOK {
			receipt.Delivered = append(receipt.Delivered, subscribers[idx].SessionID)
		} else {
			receipt.Skipped = append(receipt.Skipped, subscribers[idx].SessionID)
		}
	}
	if persistErr != nil {
		log.WithError(persistErr).WithFields(logTags).Warn("Publication delivered but not logged")
		receipt.PersistError = persistErr
	}
	r.metrics.RecordSubmit(true)
	log.WithFields(logTags).Debugf(
		"Session %s submitted. Delivered to %d, skipped %d",
		sessionID, len(receipt.Delivered), len(receipt.Skipped),
	)
	return receipt, nil
}

// deliver queue a publication on one subscriber's session
func (r *routerImpl) deliver(
	ctxt context.Context, subscriber subscription.Subscriber, pub common.Publication,
) metrics.DeliveryOutcome {
	logTags := r.ExtendLogTags(
		log.Fields{"publication": pub.ID, "session": subscriber.SessionID},
	)
	handle, err := r.sessions.Resolve(ctxt, subscriber.SessionID)
	if err != nil {
		if errors.Is(err, common.ErrSessionNotFound) {
			// Session is gone. The prune is a no-op if it subscribed again in the meantime.
			removed, err := r.subscriptions.Prune(ctxt, pub.Subscription, subscriber)
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to prune stale subscriber")
			} else if removed {
				log.WithFields(logTags).Debugf("Pruned stale subscriber of %s", pub.Subscription)
			}
			return metrics.DeliverySessionNotFound
		}
		log.WithError(err).WithFields(logTags).Error("Failed to resolve subscriber")
		return metrics.DeliveryFailed
	}
	if err := handle.Deliver(ctxt, &common.PublicationResponse{Publication: pub}); err != nil {
		if errors.Is(err, common.ErrSessionOverloaded) {
			log.WithFields(logTags).Warn("Subscriber overloaded. Publication skipped")
			return metrics.DeliveryOverloaded
		}
		log.WithError(err).WithFields(logTags).Error("Delivery failed")
		return metrics.DeliveryFailed
	}
	return metrics.DeliveryOK
}

// =========================================================================

// ManageSubscription add a session to, or remove a session from, a subscription
func (r *routerImpl) ManageSubscription(
	ctxt context.Context,
	sessionID string,
	action common.SubscriptionAction,
	subscription string,
) error {
	if err := r.validateName(subscription); err != nil {
		return err
	}
	switch action {
	case common.SubscriptionAdd:
		created, err := r.subscriptions.Add(ctxt, subscription, sessionID)
		if err != nil {
			return err
		}
		if created {
			meta := common.SubscriptionMeta{Name: subscription, CreatedAt: time.Now().UTC()}
			if err := r.dataLog.PutSubscriptionMeta(ctxt, meta); err != nil {
				log.WithError(err).WithFields(r.LogTags).Warnf(
					"Subscription %s created but its metadata was not logged", subscription,
				)
				r.metrics.RecordWriteFailure()
			}
		}
		return nil
	case common.SubscriptionRemove:
		return r.subscriptions.Remove(ctxt, subscription, sessionID)
	default:
		return fmt.Errorf("unknown subscription action '%s': %w", action, common.ErrMalformedRequest)
	}
}

// ListSubscriptions list all known subscriptions
func (r *routerImpl) ListSubscriptions(ctxt context.Context) ([]string, error) {
	return r.subscriptions.List(ctxt)
}

// Fetch read publications from a subscription's data log
func (r *routerImpl) Fetch(
	ctxt context.Context, subscription string, selector common.LogSelector,
) (common.DataLogEntry, error) {
	if err := r.validateName(subscription); err != nil {
		return common.DataLogEntry{}, err
	}
	return r.dataLog.Fetch(ctxt, subscription, selector)
}

// Index list the publication IDs of a subscription's data log
func (r *routerImpl) Index(ctxt context.Context, subscription string) ([]string, error) {
	if err := r.validateName(subscription); err != nil {
		return nil, err
	}
	return r.dataLog.Index(ctxt, subscription)
}

// =========================================================================

type handleCommandRequest struct {
	sessionID string
	cmd       common.Command
	resultCB  func(common.Response)
}

func (r handleCommandRequest) RoutingKey() string {
	return r.sessionID
}

// Handle process one client command
func (r *routerImpl) Handle(
	ctxt context.Context, sessionID string, cmd common.Command,
) common.Response {
	requestID := requestIDOf(cmd)
	resultChan := make(chan common.Response, 1)
	request := handleCommandRequest{
		sessionID: sessionID,
		cmd:       cmd,
		resultCB:  func(resp common.Response) { resultChan <- resp },
	}
	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit command from %s", sessionID,
		)
		return common.NewErrorResponse(requestID, err)
	}
	resp, err := common.AwaitResult(ctxt, resultChan)
	if err != nil {
		return common.NewErrorResponse(
			requestID, fmt.Errorf("gave up waiting for response: %w", common.ErrComponentOverloaded),
		)
	}
	return resp
}

func (r *routerImpl) processCommand(param interface{}) error {
	request := param.(handleCommandRequest)
	ctxt, cancel := context.WithTimeout(context.Background(), r.config.RequestTimeout)
	defer cancel()
	resp := r.dispatch(ctxt, request.sessionID, request.cmd)
	code := "ok"
	if errResp, ok := resp.(*common.ErrorResponse); ok {
		code = errResp.Code.String()
	}
	r.metrics.RecordCommand(CommandKind(request.cmd), code)
	request.resultCB(resp)
	return nil
}

func isNilCommand(cmd common.Command) bool {
	if cmd == nil {
		return true
	}
	value := reflect.ValueOf(cmd)
	return value.Kind() == reflect.Ptr && value.IsNil()
}

func requestIDOf(cmd common.Command) string {
	if isNilCommand(cmd) {
		return ""
	}
	return cmd.GetRequestID()
}

// CommandKind short name of a command variant
func CommandKind(cmd common.Command) string {
	switch cmd.(type) {
	case *common.SubmitCommand:
		return "submit"
	case *common.ManageSubscriptionCommand:
		return "manage"
	case *common.ListCommand:
		return "list"
	case *common.FetchCommand:
		return "fetch"
	case *common.IndexCommand:
		return "index"
	default:
		return "unknown"
	}
}

func (r *routerImpl) dispatch(
	ctxt context.Context, sessionID string, cmd common.Command,
) common.Response {
	if isNilCommand(cmd) {
		return common.NewErrorResponse("", fmt.Errorf("empty command: %w", common.ErrMalformedRequest))
	}
	requestID := cmd.GetRequestID()
	if err := r.validate.Struct(cmd); err != nil {
		return common.NewErrorResponse(requestID, fmt.Errorf("%s: %w", err, common.ErrMalformedRequest))
	}
	base := common.ResponseBase{RequestID: requestID}

	switch c := cmd.(type) {
	case *common.SubmitCommand:
		receipt, err := r.Submit(ctxt, sessionID, c.Subscription, c.Payload)
		if err != nil {
			return common.NewErrorResponse(requestID, err)
		}
		resp := &common.PublicationResponse{ResponseBase: base, Publication: receipt.Publication}
		if receipt.PersistError != nil {
			resp.LogWarning = receipt.PersistError.Error()
		}
		return resp

	case *common.ManageSubscriptionCommand:
		if err := r.ManageSubscription(ctxt, sessionID, c.Action, c.Subscription); err != nil {
			return common.NewErrorResponse(requestID, err)
		}
		return &common.SubscriptionListResponse{
			ResponseBase: base, Subscriptions: []string{c.Subscription},
		}

	case *common.ListCommand:
		names, err := r.ListSubscriptions(ctxt)
		if err != nil {
			return common.NewErrorResponse(requestID, err)
		}
		return &common.SubscriptionListResponse{ResponseBase: base, Subscriptions: names}

	case *common.FetchCommand:
		entry, err := r.Fetch(ctxt, c.Subscription, c.Selector)
		if err != nil {
			return common.NewErrorResponse(requestID, err)
		}
		return &common.DataLogEntryResponse{ResponseBase: base, Entry: entry}

	case *common.IndexCommand:
		pubIDs, err := r.Index(ctxt, c.Subscription)
		if err != nil {
			return common.NewErrorResponse(requestID, err)
		}
		return &common.LogIndexResponse{
			ResponseBase: base, Subscription: c.Subscription, PublicationIDs: pubIDs,
		}

	default:
		return common.NewErrorResponse(
			requestID, fmt.Errorf("unsupported command %T: %w", cmd, common.ErrMalformedRequest),
		)
	}
}
