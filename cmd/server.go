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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/infotainer/apis"
	"github.com/alwitt/infotainer/broker"
	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/core"
	"github.com/alwitt/infotainer/dataplane"
	"github.com/alwitt/infotainer/metrics"
	"github.com/alwitt/infotainer/session"
	"github.com/alwitt/infotainer/storage"
	"github.com/alwitt/infotainer/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// BrokerCore the assembled broker components
type BrokerCore struct {
	DB            *storage.DB
	DataLog       storage.DataLogIndex
	Sessions      session.Registry
	Subscriptions subscription.Registry
	Router        broker.PublicationRouter
	Metrics       *metrics.Collector
	Registry      *prometheus.Registry
	processors    []common.TaskProcessor
}

// Stop stop all event loops
func (c *BrokerCore) Stop() {
	for idx := len(c.processors) - 1; idx >= 0; idx-- {
		_ = c.processors[idx].StopEventLoop()
	}
}

// Close close the data log store. Only call once the event loops have exited.
func (c *BrokerCore) Close() error {
	return c.DB.Close()
}

// BuildBrokerCore assemble and start the broker components
//
// An unusable data directory fails the assembly.
func BuildBrokerCore(
	ctxt context.Context, config *common.SystemConfig, instance string, wg *sync.WaitGroup,
) (*BrokerCore, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker-core",
		"instance":  instance,
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(promRegistry, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return nil, err
	}

	fsync, err := storage.ParseFsyncMode(config.DataLog.FsyncMode)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid fsync mode")
		return nil, err
	}
	db, err := storage.OpenDB(storage.Options{
		DataDir:       config.DataLog.DataDir,
		Fsync:         fsync,
		FsyncInterval: time.Millisecond * time.Duration(config.DataLog.FsyncInterval),
		Metrics:       collector,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to open data log at %s", config.DataLog.DataDir,
		)
		return nil, err
	}

	result := &BrokerCore{DB: db, Metrics: collector, Registry: promRegistry}
	fail := func(err error, msg string) (*BrokerCore, error) {
		log.WithError(err).WithFields(logTags).Error(msg)
		result.Stop()
		wg.Wait()
		_ = result.Close()
		return nil, err
	}

	dataLogTP, err := common.GetNewTaskDemuxProcessorInstance(
		"data-log", config.DataLog.QueueDepth, config.DataLog.Workers, ctxt,
	)
	if err != nil {
		return fail(err, "Unable to define data log processor")
	}
	result.processors = append(result.processors, dataLogTP)
	if result.DataLog, err = storage.GetPebbleDataLogIndex(instance, db, dataLogTP); err != nil {
		return fail(err, "Unable to define data log")
	}

	sessionTP, err := common.GetNewTaskProcessorInstance("sessions", config.Core.QueueDepth, ctxt)
	if err != nil {
		return fail(err, "Unable to define session registry processor")
	}
	result.processors = append(result.processors, sessionTP)
	if result.Sessions, err = session.GetSessionRegistry(instance, sessionTP); err != nil {
		return fail(err, "Unable to define session registry")
	}

	subscriptionTP, err := common.GetNewTaskProcessorInstance(
		"subscriptions", config.Core.QueueDepth, ctxt,
	)
	if err != nil {
		return fail(err, "Unable to define subscription registry processor")
	}
	result.processors = append(result.processors, subscriptionTP)
	if result.Subscriptions, err = subscription.GetSubscriptionRegistry(
		instance, subscriptionTP,
	); err != nil {
		return fail(err, "Unable to define subscription registry")
	}

	routerTP, err := common.GetNewTaskDemuxProcessorInstance(
		"router", config.Core.QueueDepth, config.Core.RouterWorkers, ctxt,
	)
	if err != nil {
		return fail(err, "Unable to define router processor")
	}
	result.processors = append(result.processors, routerTP)
	if result.Router, err = broker.GetPublicationRouter(
		instance,
		routerTP,
		result.Sessions,
		result.Subscriptions,
		result.DataLog,
		collector,
		broker.RouterConfig{
			RequestTimeout:    time.Second * time.Duration(config.Core.RequestTimeout),
			FanOutParallelism: config.Core.FanOutParallelism,
		},
	); err != nil {
		return fail(err, "Unable to define publication router")
	}

	for _, tp := range result.processors {
		if err := tp.StartEventLoop(wg); err != nil {
			return fail(err, "Unable to start event loop")
		}
	}
	log.WithFields(logTags).Infof("Broker core ready with data log at %s", config.DataLog.DataDir)
	return result, nil
}

// =========================================================================

// defineHTTPServer wrap the router in request logging and h2c
func defineHTTPServer(
	router *mux.Router, config common.HTTPServerConfig, accessLog apis.AccessLogWriter,
) *http.Server {
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
}

// DefineManagementRouter build the management API routes
func DefineManagementRouter(
	pathPrefix string, httpHandler apis.APIRestManagementHandler, promRegistry *prometheus.Registry,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	// All subscription routes
	subscriptionRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/subscription", map[string]http.HandlerFunc{
			"get": httpHandler.GetAllSubscriptionsHandler(),
		},
	)
	perSubscriptionRouter := apis.RegisterPathPrefix(
		subscriptionRouter, "/{subscriptionName}", nil,
	)
	_ = apis.RegisterPathPrefix(perSubscriptionRouter, "/log", map[string]http.HandlerFunc{
		"get": httpHandler.GetDataLogHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriptionRouter, "/index", map[string]http.HandlerFunc{
		"get": httpHandler.GetLogIndexHandler(),
	})
	_ = apis.RegisterPathPrefix(perSubscriptionRouter, "/meta", map[string]http.HandlerFunc{
		"get": httpHandler.GetSubscriptionMetaHandler(),
	})

	// Session routes
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/session", map[string]http.HandlerFunc{
		"get": httpHandler.GetAllSessionsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	mainRouter.Path("/metrics").Handler(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	return router
}

// DefineDataplaneRouter build the dataplane API routes
func DefineDataplaneRouter(pathPrefix string, httpHandler apis.APIRestDataplaneHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/session/{sessionID}", map[string]http.HandlerFunc{
		"get": httpHandler.ConnectSessionHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/data/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/data/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})
	return router
}

// =========================================================================

// startNATSBridge connect to NATS and start bridging sessions
func startNATSBridge(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	brokerCore *BrokerCore,
	logTags log.Fields,
) (*core.NatsClient, dataplane.NATSBridge, error) {
	natsParams := core.ConvertNATSConfig(config.NATS.Connection)
	natsParams.OnDisconnectCallback = func(_ *nats.Conn, e error) {
		if e != nil {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", natsParams.ServerURI,
			)
		}
	}
	natsParams.OnReconnectCallback = func(_ *nats.Conn) {
		log.WithFields(logTags).Warnf(
			"NATS client reconnected with server %s", natsParams.ServerURI,
		)
	}
	client, err := core.GetNatsClient(natsParams)
	if err != nil {
		return nil, nil, err
	}
	bridge, err := dataplane.GetNATSBridge(
		runtimeContext,
		instance,
		client,
		brokerCore.Sessions,
		brokerCore.Router,
		brokerCore.Metrics,
		dataplane.ConvertNATSBridgeConfig(
			config.NATS,
			config.Dataplane.Session.OutboundQueueDepth,
			time.Second*time.Duration(config.Core.RequestTimeout),
		),
	)
	if err != nil {
		client.Close(runtimeContext)
		return nil, nil, err
	}
	if err := bridge.Start(); err != nil {
		client.Close(runtimeContext)
		return nil, nil, err
	}
	return client, bridge, nil
}

// RunServer run the broker with its management and dataplane servers until
// runtimeContext is cancelled
func RunServer(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	wg := sync.WaitGroup{}
	coreCtxt, coreCancel := context.WithCancel(runtimeContext)
	defer coreCancel()

	brokerCore, err := BuildBrokerCore(coreCtxt, config, instance, &wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broker core")
		return err
	}
	defer func() {
		coreCancel()
		brokerCore.Stop()
		wg.Wait()
		if err := brokerCore.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Data log close failed")
		}
	}()

	// -------------------------------------------------------------------
	// Transports

	wsSessions, err := dataplane.GetWebSocketSessionManager(
		instance,
		brokerCore.Sessions,
		brokerCore.Router,
		brokerCore.Metrics,
		dataplane.ConvertWebSocketSessionConfig(config.Dataplane.Session),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket sessions")
		return err
	}

	if config.NATS.Enabled {
		client, bridge, err := startNATSBridge(coreCtxt, config, instance, brokerCore, logTags)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to bridge sessions over NATS at %s", config.NATS.Connection.ServerURI,
			)
			return err
		}
		defer func() {
			_ = bridge.Stop()
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
			defer cancel()
			client.Close(ctxt)
		}()
	}

	// -------------------------------------------------------------------
	// HTTP servers

	mgmtHandler, err := apis.GetAPIRestManagementHandler(
		brokerCore.Router, brokerCore.Sessions, brokerCore.DataLog, &config.Management.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define management handler")
		return err
	}
	dataHandler, err := apis.GetAPIRestDataplaneHandler(
		coreCtxt, wsSessions, &config.Dataplane.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dataplane handler")
		return err
	}

	accessLog := apis.AccessLogWriter{Component: common.Component{LogTags: logTags}}
	servers := []*http.Server{
		defineHTTPServer(
			DefineManagementRouter(
				config.Management.Endpoints.PathPrefix, mgmtHandler, brokerCore.Registry,
			),
			config.Management.HTTPSetting.Server,
			accessLog,
		),
		defineHTTPServer(
			DefineDataplaneRouter(config.Dataplane.Endpoints.PathPrefix, dataHandler),
			config.Dataplane.HTTPSetting.Server,
			accessLog,
		),
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Errorf("HTTP server %s failure", srv.Addr)
			}
		}(srv)
		log.WithFields(logTags).Infof("Started HTTP server on http://%s", srv.Addr)
	}

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP servers
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
			}
		}
	}

	return nil
}
