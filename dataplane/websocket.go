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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/infotainer/broker"
	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/metrics"
	"github.com/alwitt/infotainer/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// TransportWebSocket transport label of websocket sessions
const TransportWebSocket = "websocket"

// WebSocketSessionParams websocket session parameters
type WebSocketSessionParams struct {
	// HeartbeatInterval time between pings to the client
	HeartbeatInterval time.Duration `validate:"gt=0"`
	// ClientTimeout how long a client may stay silent before its session is closed
	ClientTimeout time.Duration `validate:"gtefield=HeartbeatInterval"`
	// OutboundQueueDepth number of frames which can be queued for a session
	OutboundQueueDepth int `validate:"gte=1"`
	// MaxMessageBytes largest inbound frame accepted
	MaxMessageBytes int64 `validate:"gte=1"`
	// WriteTimeout deadline for writing one frame
	WriteTimeout time.Duration `validate:"gt=0"`
}

// ConvertWebSocketSessionConfig convert the config file section into session parameters
func ConvertWebSocketSessionConfig(config common.WebSocketSessionConfig) WebSocketSessionParams {
	return WebSocketSessionParams{
		HeartbeatInterval:  time.Second * time.Duration(config.HeartbeatInterval),
		ClientTimeout:      time.Second * time.Duration(config.ClientTimeout),
		OutboundQueueDepth: config.OutboundQueueDepth,
		MaxMessageBytes:    config.MaxMessageBytes,
		WriteTimeout:       time.Second * time.Duration(config.WriteTimeout),
	}
}

// WebSocketSessionManager runs client sessions over websocket connections
type WebSocketSessionManager interface {
	/*
		Serve run a client session on an upgraded websocket connection

		The session is registered under sessionID for the lifetime of the connection. This
		blocks until the connection ends, the session is displaced by a newer connection, the
		client stops answering heartbeats, or ctxt is cancelled.

		 @param ctxt context.Context - execution context
		 @param sessionID string - the session ID
		 @param conn *websocket.Conn - the websocket connection
	*/
	Serve(ctxt context.Context, sessionID string, conn *websocket.Conn) error
}

// webSocketSessionManager implements WebSocketSessionManager
type webSocketSessionManager struct {
	common.Component
	sessions session.Registry
	router   broker.PublicationRouter
	metrics  *metrics.Collector
	params   WebSocketSessionParams
}

// GetWebSocketSessionManager define a new websocket session manager
//
// metricsCollector may be nil.
func GetWebSocketSessionManager(
	instance string,
	sessions session.Registry,
	router broker.PublicationRouter,
	metricsCollector *metrics.Collector,
	params WebSocketSessionParams,
) (WebSocketSessionManager, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "websocket-sessions", "instance": instance,
	}
	return &webSocketSessionManager{
		Component: common.Component{LogTags: logTags},
		sessions:  sessions,
		router:    router,
		metrics:   metricsCollector,
		params:    params,
	}, nil
}

// Serve run a client session on an upgraded websocket connection
func (m *webSocketSessionManager) Serve(
	ctxt context.Context, sessionID string, conn *websocket.Conn,
) error {
	logTags := m.ExtendLogTags(log.Fields{"session": sessionID})
	sess := &webSocketSession{
		Component: common.Component{LogTags: logTags},
		sessionID: sessionID,
		conn:      conn,
		outbound:  make(chan []byte, m.params.OutboundQueueDepth),
		closing:   make(chan struct{}),
		params:    m.params,
	}
	sess.touch()

	if err := m.sessions.Register(ctxt, sessionID, sess); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to register session")
		_ = conn.Close()
		return err
	}
	m.metrics.RecordSessionEvent(TransportWebSocket, "open")
	log.WithFields(logTags).Info("Session opened")

	sessCtxt, sessCancel := context.WithCancel(ctxt)
	defer sessCancel()
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.writeLoop(sessCtxt)
	}()

	heartbeat, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-heartbeat", sessionID), sessCtxt, &wg,
	)
	if err == nil {
		err = heartbeat.Start(m.params.HeartbeatInterval, sess.heartbeat, false)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start heartbeat")
	} else {
		defer func() { _ = heartbeat.Stop() }()
	}

	readErr := sess.readLoop(sessCtxt, m.router)

	_ = sess.Close()
	sessCancel()
	wg.Wait()

	_ = releaseSession(m.sessions, sess, m.params.WriteTimeout, logTags)
	m.metrics.RecordSessionEvent(TransportWebSocket, "close")
	log.WithFields(logTags).Info("Session closed")
	return readErr
}

// =========================================================================

// webSocketSession implements common.SessionHandle over one websocket connection
type webSocketSession struct {
	common.Component
	sessionID string
	conn      *websocket.Conn
	outbound  chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64
	params    WebSocketSessionParams
}

// SessionID return the ID of the session
func (s *webSocketSession) SessionID() string {
	return s.sessionID
}

// Deliver queue a response for transmission
func (s *webSocketSession) Deliver(_ context.Context, msg common.Response) error {
	frame, err := EncodeResponse(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.closing:
		return fmt.Errorf("session %s is closing: %w", s.sessionID, common.ErrSessionNotFound)
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("session %s: %w", s.sessionID, common.ErrSessionOverloaded)
	}
}

// Close terminate the session
func (s *webSocketSession) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return nil
}

// reply queue the response to the session's own command, waiting for queue space
func (s *webSocketSession) reply(ctxt context.Context, msg common.Response) error {
	frame, err := EncodeResponse(msg)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to encode response")
		return err
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.closing:
		return fmt.Errorf("session %s is closing: %w", s.sessionID, common.ErrSessionNotFound)
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (s *webSocketSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *webSocketSession) silence() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// readLoop process inbound frames until the connection fails
func (s *webSocketSession) readLoop(ctxt context.Context, router broker.PublicationRouter) error {
	s.conn.SetReadLimit(s.params.MaxMessageBytes)
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Warn("Connection lost")
				return err
			}
			return nil
		}
		s.touch()

		var resp common.Response
		if msgType != websocket.BinaryMessage {
			resp = common.NewErrorResponse(
				"", fmt.Errorf("frame type %d not supported: %w", msgType, common.ErrMalformedRequest),
			)
		} else if cmd, requestID, err := DecodeCommand(data); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Rejecting frame")
			resp = common.NewErrorResponse(requestID, err)
		} else {
			resp = router.Handle(ctxt, s.sessionID, cmd)
		}

		if err := s.reply(ctxt, resp); err != nil {
			return nil
		}
	}
}

// writeLoop transmit queued frames until the session closes
func (s *webSocketSession) writeLoop(ctxt context.Context) {
	defer func() { _ = s.conn.Close() }()
	for {
		select {
		case <-ctxt.Done():
			s.sendClose(websocket.CloseGoingAway)
			return
		case <-s.closing:
			s.drain()
			s.sendClose(websocket.CloseNormalClosure)
			return
		case frame := <-s.outbound:
			if err := s.write(frame); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Frame write failed")
				_ = s.Close()
				return
			}
		}
	}
}

func (s *webSocketSession) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// drain flush frames queued before the session closed
func (s *webSocketSession) drain() {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *webSocketSession) sendClose(code int) {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(s.params.WriteTimeout),
	)
}

// heartbeat ping the client, closing the session once the client has gone silent
func (s *webSocketSession) heartbeat() error {
	if silence := s.silence(); silence > s.params.ClientTimeout {
		log.WithFields(s.LogTags).Warnf("Client silent for %s, closing session", silence)
		return s.Close()
	}
	if err := s.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(s.params.WriteTimeout),
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Heartbeat ping failed")
		return s.Close()
	}
	return nil
}
