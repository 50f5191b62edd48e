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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/infotainer/broker"
	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/session"
	"github.com/alwitt/infotainer/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestManagementHandler REST handler for broker administration
type APIRestManagementHandler struct {
	goutils.RestAPIHandler
	router   broker.PublicationRouter
	sessions session.Registry
	dataLog  storage.DataLogIndex
	validate *validator.Validate
}

// GetAPIRestManagementHandler define APIRestManagementHandler
func GetAPIRestManagementHandler(
	router broker.PublicationRouter,
	sessions session.Registry,
	dataLog storage.DataLogIndex,
	httpConfig *common.HTTPConfig,
) (APIRestManagementHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "management",
	}
	return APIRestManagementHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		router:         router,
		sessions:       sessions,
		dataLog:        dataLog,
		validate:       validator.New(),
	}, nil
}

// errorToStatusCode map a broker error onto a HTTP status code
func errorToStatusCode(err error) int {
	switch {
	case errors.Is(err, common.ErrUnknownSubscription), errors.Is(err, common.ErrPublicationNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrComponentOverloaded), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readSubscriptionName read and validate the subscription name path parameter
func (h APIRestManagementHandler) readSubscriptionName(r *http.Request) (string, error) {
	vars := mux.Vars(r)
	subscription, ok := vars["subscriptionName"]
	if !ok {
		return "", fmt.Errorf("no subscription name provided")
	}
	if err := h.validate.Var(subscription, "required,max=255"); err != nil {
		return "", err
	}
	return subscription, nil
}

// =======================================================================
// Subscriptions

// -----------------------------------------------------------------------

// APIRestRespSubscriptions response listing subscriptions
type APIRestRespSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions are the known subscription names
	Subscriptions []string `json:"subscriptions"`
}

// GetAllSubscriptions godoc
// @Summary Query for info on all subscriptions
// @Description List the names of all known subscriptions
// @tags Management
// @Produce json
// @Param Infotainer-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscriptions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Infotainer-Request-ID "Request ID to match against logs"
// @Router /v1/admin/subscription [get]
func (h APIRestManagementHandler) GetAllSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	names, err := h.router.ListSubscriptions(r.Context())
	if err != nil {
		msg := "Failed to list subscriptions"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorToStatusCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscriptions{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Subscriptions: names,
	}
}

// GetAllSubscriptionsHandler Wrapper around GetAllSubscriptions
func (h APIRestManagementHandler) GetAllSubscriptionsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetAllSubscriptions)
}

// -----------------------------------------------------------------------

// APIRestRespSubscriptionMeta response carrying one subscription's metadata
type APIRestRespSubscriptionMeta struct {
	goutils.RestAPIBaseResponse
	// Meta is the subscription metadata
	Meta common.SubscriptionMeta `json:"meta"`
}

// GetSubscriptionMeta godoc
// @Summary Query for the metadata of a subscription
// @Description Read back the persisted metadata of one subscription
// @tags Management
// @Produce json
// @Param Infotainer-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriptionName path string true "Subscription name"
// @Success 200 {object} APIRestRespSubscriptionMeta "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Infotainer-Request-ID "Request ID to match against logs"
// @Router /v1/admin/subscription/{subscriptionName}/meta [get]
func (h APIRestManagementHandler) GetSubscriptionMeta(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscription, err := h.readSubscriptionName(r)
	if err != nil {
		msg := "Invalid subscription name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	meta, err := h.dataLog.GetSubscriptionMeta(r.Context(), subscription)
	if err != nil {
		msg := fmt.Sprintf("Unable to read metadata of %s", subscription)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorToStatusCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscriptionMeta{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Meta: meta,
	}
}

// GetSubscriptionMetaHandler Wrapper around GetSubscriptionMeta
func (h APIRestManagementHandler) GetSubscriptionMetaHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetSubscriptionMeta)
}

// =======================================================================
// Data log

// -----------------------------------------------------------------------

// APIRestRespDataLogEntry response carrying publications read from a data log
type APIRestRespDataLogEntry struct {
	goutils.RestAPIBaseResponse
	// Entry are the publications read
	Entry common.DataLogEntry `json:"entry"`
}

// parseLogSelector build the log selector from the request query
//
// "id" may be repeated. "latest" gives the number of newest publications to read. With
// neither, the whole log is read.
func parseLogSelector(r *http.Request) (common.LogSelector, error) {
	queries := r.URL.Query()
	ids, hasIDs := queries["id"]
	latest, hasLatest := queries["latest"]
	if hasIDs && hasLatest {
		return nil, fmt.Errorf("'id' and 'latest' are mutually exclusive")
	}
	if hasIDs {
		return common.SelectByID{IDs: ids}, nil
	}
	if hasLatest {
		if len(latest) != 1 {
			return nil, fmt.Errorf("multiple 'latest'")
		}
		count, err := strconv.Atoi(latest[0])
		if err != nil {
			return nil, err
		}
		return common.SelectLatest{Count: count}, nil
	}
	return common.SelectHistory{}, nil
}

// GetDataLog godoc
// @Summary Read publications from a subscription's data log
// @Description Read publications by ID, the N newest, or the whole log of a subscription
// @tags Management
// @Produce json
// @Param Infotainer-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriptionName path string true "Subscription name"
// @Param id query []string false "Publication IDs to read" collectionFormat(multi)
// @Param latest query integer false "Number of newest publications to read"
// @Success 200 {object} APIRestRespDataLogEntry "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Infotainer-Request-ID "Request ID to match against logs"
// @Router /v1/admin/subscription/{subscriptionName}/log [get]
func (h APIRestManagementHandler) GetDataLog(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscription, err := h.readSubscriptionName(r)
	if err != nil {
		msg := "Invalid subscription name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	selector, err := parseLogSelector(r)
	if err != nil {
		msg := "Invalid log selection"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	entry, err := h.router.Fetch(r.Context(), subscription, selector)
	if err != nil {
		msg := fmt.Sprintf("Unable to read data log of %s", subscription)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorToStatusCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDataLogEntry{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Entry: entry,
	}
}

// GetDataLogHandler Wrapper around GetDataLog
func (h APIRestManagementHandler) GetDataLogHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetDataLog)
}

// -----------------------------------------------------------------------

// APIRestRespLogIndex response listing the publication IDs of a data log
type APIRestRespLogIndex struct {
	goutils.RestAPIBaseResponse
	// PublicationIDs are the publication IDs in log order
	PublicationIDs []string `json:"publication_ids"`
}

// GetLogIndex godoc
// @Summary List the publication IDs of a subscription's data log
// @Description List the publication IDs of a subscription's data log in log order
// @tags Management
// @Produce json
// @Param Infotainer-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriptionName path string true "Subscription name"
// @Success 200 {object} APIRestRespLogIndex "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Infotainer-Request-ID "Request ID to match against logs"
// @Router /v1/admin/subscription/{subscriptionName}/index [get]
func (h APIRestManagementHandler) GetLogIndex(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscription, err := h.readSubscriptionName(r)
	if err != nil {
		msg := "Invalid subscription name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	pubIDs, err := h.router.Index(r.Context(), subscription)
	if err != nil {
		msg := fmt.Sprintf("Unable to index data log of %s", subscription)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorToStatusCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespLogIndex{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), PublicationIDs: pubIDs,
	}
}

// GetLogIndexHandler Wrapper around GetLogIndex
func (h APIRestManagementHandler) GetLogIndexHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetLogIndex)
}

// =======================================================================
// Sessions

// -----------------------------------------------------------------------

// APIRestRespSessions response listing connected sessions
type APIRestRespSessions struct {
	goutils.RestAPIBaseResponse
	// Sessions are the IDs of the registered sessions
	Sessions []string `json:"sessions"`
}

// GetAllSessions godoc
// @Summary Query for all connected sessions
// @Description List the IDs of all registered client sessions
// @tags Management
// @Produce json
// @Param Infotainer-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSessions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Infotainer-Request-ID "Request ID to match against logs"
// @Router /v1/admin/session [get]
func (h APIRestManagementHandler) GetAllSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	sessionIDs, err := h.sessions.ListSessions(r.Context())
	if err != nil {
		msg := "Failed to list sessions"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = errorToStatusCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessions{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Sessions: sessionIDs,
	}
}

// GetAllSessionsHandler Wrapper around GetAllSessions
func (h APIRestManagementHandler) GetAllSessionsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetAllSessions)
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For management REST API liveness check
// @Description Will return success to indicate management REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/alive [get]
func (h APIRestManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestManagementHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For management REST API readiness check
// @Description Will return success if the broker core is responding
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// The broker is ready once its event loops answer
	if _, err := h.router.ListSubscriptions(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestManagementHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}
