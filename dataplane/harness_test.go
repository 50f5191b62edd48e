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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/infotainer/broker"
	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/metrics"
	"github.com/alwitt/infotainer/session"
	"github.com/alwitt/infotainer/storage"
	"github.com/alwitt/infotainer/subscription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

type testBroker struct {
	sessions session.Registry
	router   broker.PublicationRouter
	metrics  *metrics.Collector
	stop     func()
}

// newTestBroker assemble a broker over an in-memory data log
func newTestBroker(t *testing.T, ctxt context.Context, wg *sync.WaitGroup) testBroker {
	assert := assert.New(t)

	db, err := storage.OpenDB(storage.Options{InMemory: true, Fsync: storage.FsyncModeNever})
	assert.Nil(err)
	dataLogTP, err := common.GetNewTaskDemuxProcessorInstance("data-log", 16, 2, ctxt)
	assert.Nil(err)
	dataLog, err := storage.GetPebbleDataLogIndex("testing", db, dataLogTP)
	assert.Nil(err)

	sessionTP, err := common.GetNewTaskProcessorInstance("sessions", 16, ctxt)
	assert.Nil(err)
	sessions, err := session.GetSessionRegistry("testing", sessionTP)
	assert.Nil(err)

	subscriptionTP, err := common.GetNewTaskProcessorInstance("subscriptions", 16, ctxt)
	assert.Nil(err)
	subscriptions, err := subscription.GetSubscriptionRegistry("testing", subscriptionTP)
	assert.Nil(err)

	collector, err := metrics.NewCollector(prometheus.NewRegistry(), "testing")
	assert.Nil(err)

	routerTP, err := common.GetNewTaskDemuxProcessorInstance("router", 16, 4, ctxt)
	assert.Nil(err)
	router, err := broker.GetPublicationRouter(
		"testing",
		routerTP,
		sessions,
		subscriptions,
		dataLog,
		collector,
		broker.RouterConfig{RequestTimeout: time.Second * 5, FanOutParallelism: 4},
	)
	assert.Nil(err)

	tps := []common.TaskProcessor{dataLogTP, sessionTP, subscriptionTP, routerTP}
	for _, tp := range tps {
		assert.Nil(tp.StartEventLoop(wg))
	}
	return testBroker{
		sessions: sessions,
		router:   router,
		metrics:  collector,
		stop: func() {
			for _, tp := range tps {
				_ = tp.StopEventLoop()
			}
		},
	}
}
