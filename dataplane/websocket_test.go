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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/infotainer/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// wsTestClient client side of a websocket session
type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTestSession(t *testing.T, serverURL string, sessionID string) *wsTestClient {
	target := "ws" + strings.TrimPrefix(serverURL, "http") + "/?session=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	assert.Nil(t, err)
	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) send(cmd common.Command) {
	frame, err := EncodeCommand(cmd)
	assert.Nil(c.t, err)
	assert.Nil(c.t, c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *wsTestClient) recv() common.Response {
	assert.Nil(c.t, c.conn.SetReadDeadline(time.Now().Add(time.Second*2)))
	msgType, frame, err := c.conn.ReadMessage()
	if !assert.Nil(c.t, err) {
		return nil
	}
	assert.Equal(c.t, websocket.BinaryMessage, msgType)
	resp, err := DecodeResponse(frame)
	assert.Nil(c.t, err)
	return resp
}

func startTestWebSocketServer(
	t *testing.T, ctxt context.Context, manager WebSocketSessionManager,
) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = manager.Serve(ctxt, r.URL.Query().Get("session"), conn)
	}))
}

func TestWebSocketSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	tb := newTestBroker(t, ctxt, &wg)
	defer tb.stop()

	uut, err := GetWebSocketSessionManager(
		"testing", tb.sessions, tb.router, tb.metrics, WebSocketSessionParams{
			HeartbeatInterval:  time.Second,
			ClientTimeout:      time.Second * 10,
			OutboundQueueDepth: 8,
			MaxMessageBytes:    4096,
			WriteTimeout:       time.Second,
		},
	)
	assert.Nil(err)
	server := startTestWebSocketServer(t, ctxt, uut)
	defer server.Close()

	alice := dialTestSession(t, server.URL, "alice")
	defer alice.conn.Close()
	bob := dialTestSession(t, server.URL, "bob")
	defer bob.conn.Close()

	// Case 0: alice subscribes
	{
		alice.send(&common.ManageSubscriptionCommand{
			CommandBase:  common.CommandBase{RequestID: "sub-0"},
			Action:       common.SubscriptionAdd,
			Subscription: "news",
		})
		resp, ok := alice.recv().(*common.SubscriptionListResponse)
		assert.True(ok)
		assert.Equal("sub-0", resp.RequestID)
		assert.Equal([]string{"news"}, resp.Subscriptions)
	}

	// Case 1: bob submits, alice receives the publication
	var pub common.Publication
	{
		bob.send(&common.SubmitCommand{
			CommandBase:  common.CommandBase{RequestID: "submit-1"},
			Subscription: "news",
			Payload:      []byte("extra extra"),
		})
		own, ok := bob.recv().(*common.PublicationResponse)
		assert.True(ok)
		assert.Equal("submit-1", own.RequestID)
		assert.Empty(own.LogWarning)
		pub = own.Publication

		delivered, ok := alice.recv().(*common.PublicationResponse)
		assert.True(ok)
		assert.Equal(pub.ID, delivered.Publication.ID)
		assert.Equal([]byte("extra extra"), delivered.Publication.Payload)
	}

	// Case 2: alice fetches the publication by ID
	{
		alice.send(&common.FetchCommand{
			CommandBase:  common.CommandBase{RequestID: "fetch-2"},
			Subscription: "news",
			Selector:     common.SelectByID{IDs: []string{pub.ID}},
		})
		resp, ok := alice.recv().(*common.DataLogEntryResponse)
		assert.True(ok)
		assert.Equal("fetch-2", resp.RequestID)
		assert.Equal([]string{pub.ID}, resp.Entry.PublicationIDs())
	}

	// Case 3: text frames are rejected but the session stays up
	{
		assert.Nil(bob.conn.WriteMessage(websocket.TextMessage, []byte("hello?")))
		resp, ok := bob.recv().(*common.ErrorResponse)
		assert.True(ok)
		assert.Equal(common.ErrorCodeMalformedRequest, resp.Code)
	}

	// Case 4: undecodable frames are rejected but the session stays up
	{
		assert.Nil(bob.conn.WriteMessage(websocket.BinaryMessage, []byte{0xc1, 0xc1}))
		resp, ok := bob.recv().(*common.ErrorResponse)
		assert.True(ok)
		assert.Equal(common.ErrorCodeMalformedRequest, resp.Code)

		bob.send(&common.ListCommand{CommandBase: common.CommandBase{RequestID: "list-4"}})
		list, ok := bob.recv().(*common.SubscriptionListResponse)
		assert.True(ok)
		assert.Equal("list-4", list.RequestID)
		assert.Equal([]string{"news"}, list.Subscriptions)
	}

	// Case 5: both sessions are registered
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		sessionIDs, err := tb.sessions.ListSessions(useContext)
		cancel()
		assert.Nil(err)
		assert.Equal([]string{"alice", "bob"}, sessionIDs)
	}

	// Case 6: alice reconnects, the old connection is closed
	{
		aliceAgain := dialTestSession(t, server.URL, "alice")
		defer aliceAgain.conn.Close()

		// The displaced connection receives a close frame
		assert.Nil(alice.conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, _, err := alice.conn.ReadMessage()
		assert.NotNil(err)

		// Subscriptions are kept with the session
		bob.send(&common.SubmitCommand{Subscription: "news", Payload: []byte("second")})
		_, ok := bob.recv().(*common.PublicationResponse)
		assert.True(ok)
		delivered, ok := aliceAgain.recv().(*common.PublicationResponse)
		assert.True(ok)
		assert.Equal([]byte("second"), delivered.Publication.Payload)

		// The displaced connection does not take the new one down with it
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		_, err = tb.sessions.Resolve(useContext, "alice")
		cancel()
		assert.Nil(err)
	}

	// Case 7: bob disconnects and is unregistered
	{
		assert.Nil(bob.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		))
		assert.Eventually(func() bool {
			useContext, cancel := context.WithTimeout(ctxt, time.Second)
			defer cancel()
			_, err := tb.sessions.Resolve(useContext, "bob")
			return errors.Is(err, common.ErrSessionNotFound)
		}, time.Second*3, time.Millisecond*50)
	}
}

func TestWebSocketHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	tb := newTestBroker(t, ctxt, &wg)
	defer tb.stop()

	uut, err := GetWebSocketSessionManager(
		"testing", tb.sessions, tb.router, tb.metrics, WebSocketSessionParams{
			HeartbeatInterval:  time.Millisecond * 100,
			ClientTimeout:      time.Millisecond * 300,
			OutboundQueueDepth: 8,
			MaxMessageBytes:    4096,
			WriteTimeout:       time.Second,
		},
	)
	assert.Nil(err)
	server := startTestWebSocketServer(t, ctxt, uut)
	defer server.Close()

	resolves := func(sessionID string) bool {
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		defer cancel()
		_, err := tb.sessions.Resolve(useContext, sessionID)
		return err == nil
	}

	// A client which keeps reading answers pings
	lively := dialTestSession(t, server.URL, "lively")
	defer lively.conn.Close()
	livelyDone := make(chan struct{})
	go func() {
		defer close(livelyDone)
		for {
			if _, _, err := lively.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A client which never reads never answers pings
	silent := dialTestSession(t, server.URL, "silent")
	defer silent.conn.Close()

	// Case 0: the silent client is dropped
	assert.Eventually(func() bool {
		return !resolves("silent")
	}, time.Second*3, time.Millisecond*50)

	// Case 1: the lively client is kept
	assert.True(resolves("lively"))

	// Case 2: invalid parameters
	{
		_, err := GetWebSocketSessionManager(
			"testing", tb.sessions, tb.router, nil, WebSocketSessionParams{
				HeartbeatInterval:  time.Second,
				ClientTimeout:      time.Millisecond,
				OutboundQueueDepth: 8,
				MaxMessageBytes:    4096,
				WriteTimeout:       time.Second,
			},
		)
		assert.NotNil(err)
	}

	_ = lively.conn.Close()
	<-livelyDone
}

func TestWebSocketOverload(t *testing.T) {
	assert := assert.New(t)

	sess := &webSocketSession{
		sessionID: uuid.NewString(),
		outbound:  make(chan []byte, 1),
		closing:   make(chan struct{}),
	}
	msg := &common.SubscriptionListResponse{Subscriptions: []string{"a"}}

	// Case 0: queue has room
	assert.Nil(sess.Deliver(context.Background(), msg))

	// Case 1: queue full
	assert.True(errors.Is(sess.Deliver(context.Background(), msg), common.ErrSessionOverloaded))

	// Case 2: closed session
	assert.Nil(sess.Close())
	assert.Nil(sess.Close())
	assert.True(errors.Is(sess.Deliver(context.Background(), msg), common.ErrSessionNotFound))
}
