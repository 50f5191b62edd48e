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

package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestDataplaneHandler REST handler for the client session dataplane
type APIRestDataplaneHandler struct {
	goutils.RestAPIHandler
	sessions    dataplane.WebSocketSessionManager
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestDataplaneHandler define APIRestDataplaneHandler
//
// Sessions started through this handler are bound to baseContext, and end when it is
// cancelled.
func GetAPIRestDataplaneHandler(
	baseContext context.Context,
	sessions dataplane.WebSocketSessionManager,
	httpConfig *common.HTTPConfig,
) (APIRestDataplaneHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "dataplane",
	}
	return APIRestDataplaneHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		sessions:       sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate:    validator.New(),
		baseContext: baseContext,
	}, nil
}

// =======================================================================
// Client session

// -----------------------------------------------------------------------

// ConnectSession godoc
// @Summary Establish a client session
// @Description Upgrade to a websocket connection carrying a client session. Commands and
// responses are MessagePack encoded binary frames. The session lasts until the connection
// closes, the session is re-established on another connection, or the server stops.
// @tags Dataplane
// @Param Infotainer-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Client session ID"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID} [get]
func (h APIRestDataplaneHandler) ConnectSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	reject := func(respCode int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	vars := mux.Vars(r)
	sessionID, ok := vars["sessionID"]
	if !ok {
		msg := "No session ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		reject(http.StatusBadRequest, msg, msg)
		return
	}
	if err := h.validate.Var(sessionID, "required,max=128,printascii"); err != nil {
		msg := "Invalid session ID"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		reject(http.StatusBadRequest, msg, err.Error())
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		msg := "Websocket upgrade required"
		log.WithFields(localLogTags).Errorf(msg)
		reject(http.StatusBadRequest, msg, msg)
		return
	}

	// The upgrader writes its own error response on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	if err := h.sessions.Serve(h.baseContext, sessionID, conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Session %s ended on error", sessionID)
	}
}

// ConnectSessionHandler Wrapper around ConnectSession
//
// The response writer is passed through untouched, as the upgrade needs to hijack it.
func (h APIRestDataplaneHandler) ConnectSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectSession(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For dataplane REST API liveness check
// @Description Will return success to indicate dataplane REST API module is live
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/data/alive [get]
func (h APIRestDataplaneHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestDataplaneHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For dataplane REST API readiness check
// @Description Will return success if dataplane REST API module is accepting sessions
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/data/ready [get]
func (h APIRestDataplaneHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.baseContext.Err() == nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestDataplaneHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}
