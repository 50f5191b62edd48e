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

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/infotainer/broker"
	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/core"
	"github.com/alwitt/infotainer/metrics"
	"github.com/alwitt/infotainer/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// TransportNATS transport label of NATS bridged sessions
const TransportNATS = "nats"

// NATSBridgeParams NATS session bridge parameters
type NATSBridgeParams struct {
	// SubjectPrefix prefix of all bridge subjects
	SubjectPrefix string `validate:"required"`
	// SessionTimeout idle duration after which a session is closed
	SessionTimeout time.Duration `validate:"gt=0"`
	// SweepInterval time between idle session sweeps
	SweepInterval time.Duration `validate:"gt=0"`
	// InboundQueueDepth number of commands which can be queued for one session
	InboundQueueDepth int `validate:"gte=1"`
	// RegisterTimeout bounds session registry calls
	RegisterTimeout time.Duration `validate:"gt=0"`
}

// ConvertNATSBridgeConfig convert the config file section into bridge parameters
func ConvertNATSBridgeConfig(
	config common.NATSBridgeConfig, queueDepth int, requestTimeout time.Duration,
) NATSBridgeParams {
	timeout := time.Second * time.Duration(config.SessionTimeout)
	return NATSBridgeParams{
		SubjectPrefix:     config.SubjectPrefix,
		SessionTimeout:    timeout,
		SweepInterval:     timeout / 2,
		InboundQueueDepth: queueDepth,
		RegisterTimeout:   requestTimeout,
	}
}

// CommandSubject subject a client publishes commands of a session on
func CommandSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.cmd.%s", prefix, sessionID)
}

// SessionSubject subject a client receives responses and publications of a session on
func SessionSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.session.%s", prefix, sessionID)
}

// ByeSubject subject a client publishes on to end a session
func ByeSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.bye.%s", prefix, sessionID)
}

// PingSubject subject a client publishes on to keep an otherwise quiet session alive
func PingSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.ping.%s", prefix, sessionID)
}

// NATSBridge runs client sessions over NATS subjects
//
// A session is registered on its first command, and is closed after a period without
// commands or pings, or when the client says goodbye. A ping sent as a request is answered
// with an empty reply while the session is open, and with an error response otherwise.
type NATSBridge interface {
	// Start subscribe to the bridge subjects
	Start() error

	// Stop unsubscribe and close all bridged sessions
	Stop() error

	// Sessions list the IDs of the currently bridged sessions
	Sessions() []string
}

// natsBridgeImpl implements NATSBridge
type natsBridgeImpl struct {
	common.Component
	client    *core.NatsClient
	registry  session.Registry
	router    broker.PublicationRouter
	metrics   *metrics.Collector
	params    NATSBridgeParams
	cmdPrefix  string
	byePrefix  string
	pingPrefix string

	lock     sync.Mutex
	sessions map[string]*natsSession
	subs     []*nats.Subscription

	wg          sync.WaitGroup
	rootCtxt    context.Context
	rootCancel  context.CancelFunc
	sweepTimer  common.IntervalTimer
	startedOnce sync.Once
}

// GetNATSBridge define a new NATS session bridge
//
// metricsCollector may be nil.
func GetNATSBridge(
	ctxt context.Context,
	instance string,
	client *core.NatsClient,
	registry session.Registry,
	router broker.PublicationRouter,
	metricsCollector *metrics.Collector,
	params NATSBridgeParams,
) (NATSBridge, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-bridge", "instance": instance,
	}
	rootCtxt, rootCancel := context.WithCancel(ctxt)
	instanceImpl := &natsBridgeImpl{
		Component:  common.Component{LogTags: logTags},
		client:     client,
		registry:   registry,
		router:     router,
		metrics:    metricsCollector,
		params:     params,
		cmdPrefix:  CommandSubject(params.SubjectPrefix, ""),
		byePrefix:  ByeSubject(params.SubjectPrefix, ""),
		pingPrefix: PingSubject(params.SubjectPrefix, ""),
		sessions:   make(map[string]*natsSession),
		rootCtxt:   rootCtxt,
		rootCancel: rootCancel,
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-idle-sweep", instance), rootCtxt, &instanceImpl.wg,
	)
	if err != nil {
		rootCancel()
		return nil, err
	}
	instanceImpl.sweepTimer = timer
	return instanceImpl, nil
}

// Start subscribe to the bridge subjects
func (b *natsBridgeImpl) Start() error {
	var err error
	b.startedOnce.Do(func() {
		nc := b.client.NATs()
		var cmdSub, byeSub, pingSub *nats.Subscription
		if cmdSub, err = nc.Subscribe(CommandSubject(b.params.SubjectPrefix, "*"), b.onCommand); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to subscribe for commands")
			return
		}
		if byeSub, err = nc.Subscribe(ByeSubject(b.params.SubjectPrefix, "*"), b.onBye); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to subscribe for goodbyes")
			_ = cmdSub.Unsubscribe()
			return
		}
		if pingSub, err = nc.Subscribe(PingSubject(b.params.SubjectPrefix, "*"), b.onPing); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to subscribe for pings")
			_ = cmdSub.Unsubscribe()
			_ = byeSub.Unsubscribe()
			return
		}
		if err = nc.Flush(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to flush subscriptions")
			_ = cmdSub.Unsubscribe()
			_ = byeSub.Unsubscribe()
			_ = pingSub.Unsubscribe()
			return
		}
		b.lock.Lock()
		b.subs = []*nats.Subscription{cmdSub, byeSub, pingSub}
		b.lock.Unlock()
		err = b.sweepTimer.Start(b.params.SweepInterval, b.sweepIdle, false)
		log.WithFields(b.LogTags).Infof("Bridging sessions on '%s'", b.params.SubjectPrefix)
	})
	return err
}

// Stop unsubscribe and close all bridged sessions
func (b *natsBridgeImpl) Stop() error {
	b.lock.Lock()
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Unsubscribe '%s' failed", sub.Subject)
		}
	}
	b.subs = nil
	for _, sess := range b.sessions {
		_ = sess.Close()
	}
	b.lock.Unlock()
	_ = b.sweepTimer.Stop()
	b.rootCancel()
	b.wg.Wait()
	return nil
}

// Sessions list the IDs of the currently bridged sessions
func (b *natsBridgeImpl) Sessions() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := make([]string, 0, len(b.sessions))
	for sessionID := range b.sessions {
		result = append(result, sessionID)
	}
	return result
}

// onCommand queue a command frame on its session, starting the session if needed
func (b *natsBridgeImpl) onCommand(msg *nats.Msg) {
	sessionID := strings.TrimPrefix(msg.Subject, b.cmdPrefix)
	if sessionID == "" {
		return
	}
	sess, err := b.sessionFor(sessionID)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to start session %s", sessionID)
		b.publishError(sessionID, err)
		return
	}
	sess.touch()
	select {
	case sess.inbound <- msg.Data:
	default:
		b.publishError(
			sessionID, fmt.Errorf("session %s command queue full: %w", sessionID, common.ErrComponentOverloaded),
		)
	}
}

// onBye close a session on client request
func (b *natsBridgeImpl) onBye(msg *nats.Msg) {
	sessionID := strings.TrimPrefix(msg.Subject, b.byePrefix)
	b.lock.Lock()
	sess, ok := b.sessions[sessionID]
	b.lock.Unlock()
	if ok {
		log.WithFields(b.LogTags).Debugf("Session %s said goodbye", sessionID)
		_ = sess.Close()
	}
}

// onPing keep a session alive
func (b *natsBridgeImpl) onPing(msg *nats.Msg) {
	sessionID := strings.TrimPrefix(msg.Subject, b.pingPrefix)
	b.lock.Lock()
	sess, ok := b.sessions[sessionID]
	b.lock.Unlock()
	var reply []byte
	if ok && !sess.closed() {
		sess.touch()
	} else {
		frame, err := EncodeResponse(common.NewErrorResponse(
			"", fmt.Errorf("ping %s: %w", sessionID, common.ErrSessionNotFound),
		))
		if err != nil {
			return
		}
		reply = frame
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(reply); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to answer ping of %s", sessionID)
	}
}

// publishError answer a command which never reached the broker
func (b *natsBridgeImpl) publishError(sessionID string, err error) {
	frame, encodeErr := EncodeResponse(common.NewErrorResponse("", err))
	if encodeErr != nil {
		return
	}
	if err := b.client.NATs().Publish(
		SessionSubject(b.params.SubjectPrefix, sessionID), frame,
	); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to answer %s", sessionID)
	}
}

// sessionFor fetch the running session, or start a new one
func (b *natsBridgeImpl) sessionFor(sessionID string) (*natsSession, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if sess, ok := b.sessions[sessionID]; ok && !sess.closed() {
		return sess, nil
	}
	sess := &natsSession{
		Component: common.Component{
			LogTags: b.ExtendLogTags(log.Fields{"session": sessionID}),
		},
		sessionID: sessionID,
		subject:   SessionSubject(b.params.SubjectPrefix, sessionID),
		nc:        b.client.NATs(),
		inbound:   make(chan []byte, b.params.InboundQueueDepth),
		closing:   make(chan struct{}),
	}
	sess.touch()

	ctxt, cancel := context.WithTimeout(b.rootCtxt, b.params.RegisterTimeout)
	defer cancel()
	if err := b.registry.Register(ctxt, sessionID, sess); err != nil {
		return nil, err
	}
	b.sessions[sessionID] = sess
	b.metrics.RecordSessionEvent(TransportNATS, "open")
	log.WithFields(sess.LogTags).Info("Session opened")

	b.wg.Add(1)
	go b.runSession(sess)
	return sess, nil
}

// runSession process the commands of one session until it closes
func (b *natsBridgeImpl) runSession(sess *natsSession) {
	defer b.wg.Done()
	defer func() {
		b.lock.Lock()
		if b.sessions[sess.sessionID] == sess {
			delete(b.sessions, sess.sessionID)
		}
		b.lock.Unlock()
		_ = releaseSession(b.registry, sess, b.params.RegisterTimeout, sess.LogTags)
		b.metrics.RecordSessionEvent(TransportNATS, "close")
		log.WithFields(sess.LogTags).Info("Session closed")
	}()

	for {
		select {
		case <-b.rootCtxt.Done():
			_ = sess.Close()
			return
		case <-sess.closing:
			return
		case data := <-sess.inbound:
			var resp common.Response
			if cmd, requestID, err := DecodeCommand(data); err != nil {
				log.WithError(err).WithFields(sess.LogTags).Debug("Rejecting command")
				resp = common.NewErrorResponse(requestID, err)
			} else {
				resp = b.router.Handle(b.rootCtxt, sess.sessionID, cmd)
			}
			if err := sess.Deliver(b.rootCtxt, resp); err != nil {
				log.WithError(err).WithFields(sess.LogTags).Error("Failed to send response")
			}
		}
	}
}

// sweepIdle close sessions which have gone quiet
func (b *natsBridgeImpl) sweepIdle() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	for sessionID, sess := range b.sessions {
		if silence := sess.silence(); silence > b.params.SessionTimeout {
			log.WithFields(b.LogTags).Infof("Session %s idle for %s", sessionID, silence)
			_ = sess.Close()
		}
	}
	return nil
}

// =========================================================================

// natsSession implements common.SessionHandle over NATS subjects
type natsSession struct {
	common.Component
	sessionID string
	subject   string
	nc        *nats.Conn
	inbound   chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64
}

// SessionID return the ID of the session
func (s *natsSession) SessionID() string {
	return s.sessionID
}

// Deliver publish a response to the session subject
func (s *natsSession) Deliver(_ context.Context, msg common.Response) error {
	if s.closed() {
		return fmt.Errorf("session %s is closing: %w", s.sessionID, common.ErrSessionNotFound)
	}
	frame, err := EncodeResponse(msg)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.subject, frame); err != nil {
		if errors.Is(err, nats.ErrSlowConsumer) {
			return fmt.Errorf("session %s: %w", s.sessionID, common.ErrSessionOverloaded)
		}
		return err
	}
	return nil
}

// Close terminate the session
func (s *natsSession) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return nil
}

func (s *natsSession) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *natsSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *natsSession) silence() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}
