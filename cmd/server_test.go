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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/infotainer/apis"
	"github.com/alwitt/infotainer/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type dropHandle struct {
	id string
}

func (h dropHandle) SessionID() string {
	return h.id
}

func (h dropHandle) Deliver(context.Context, common.Response) error {
	return nil
}

func (h dropHandle) Close() error {
	return nil
}

func testSystemConfig(dataDir string) *common.SystemConfig {
	httpSetting := common.HTTPConfig{
		Server: common.HTTPServerConfig{ListenOn: "127.0.0.1", Port: 3000},
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Infotainer-Request-ID",
		},
	}
	return &common.SystemConfig{
		DataLog: common.DataLogConfig{
			DataDir:       dataDir,
			FsyncMode:     "always",
			FsyncInterval: 100,
			Workers:       2,
			QueueDepth:    16,
		},
		Core: common.CoreConfig{
			RouterWorkers:     2,
			QueueDepth:        16,
			RequestTimeout:    5,
			FanOutParallelism: 4,
		},
		Management: common.ManagementServerConfig{
			HTTPSetting: httpSetting,
			Endpoints:   common.ManagementEndpointConfig{PathPrefix: "/"},
		},
		Dataplane: common.DataplaneServerConfig{
			HTTPSetting: httpSetting,
			Endpoints:   common.DataplaneEndpointConfig{PathPrefix: "/"},
		},
	}
}

func TestBrokerCoreAssembly(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	dataDir := t.TempDir()

	// Case 0: data directory is not usable
	{
		blocker := filepath.Join(dataDir, "blocker")
		assert.Nil(os.WriteFile(blocker, []byte("not a directory"), 0o600))
		wg := sync.WaitGroup{}
		_, err := BuildBrokerCore(utCtxt, testSystemConfig(blocker), "testing", &wg)
		assert.NotNil(err)
		wg.Wait()
	}

	// Case 1: invalid fsync mode
	{
		config := testSystemConfig(filepath.Join(dataDir, "unused"))
		config.DataLog.FsyncMode = "sometimes"
		wg := sync.WaitGroup{}
		_, err := BuildBrokerCore(utCtxt, config, "testing", &wg)
		assert.NotNil(err)
		wg.Wait()
	}

	logDir := filepath.Join(dataDir, "log")
	subscriptionName := "newsfeed"
	pubIDs := []string{}

	// Case 2: assemble the broker and query it through the management routes
	{
		wg := sync.WaitGroup{}
		coreCtxt, coreCancel := context.WithCancel(utCtxt)
		uut, err := BuildBrokerCore(coreCtxt, testSystemConfig(logDir), "testing", &wg)
		assert.Nil(err)

		useContext, cancel := context.WithTimeout(utCtxt, time.Second*5)
		sessionID := uuid.NewString()
		assert.Nil(uut.Sessions.Register(useContext, sessionID, dropHandle{id: sessionID}))
		assert.Nil(uut.Router.ManageSubscription(
			useContext, sessionID, common.SubscriptionAdd, subscriptionName,
		))
		for itr := 0; itr < 2; itr++ {
			receipt, err := uut.Router.Submit(
				useContext, sessionID, subscriptionName, []byte(fmt.Sprintf("story-%d", itr)),
			)
			assert.Nil(err)
			assert.Nil(receipt.PersistError)
			pubIDs = append(pubIDs, receipt.Publication.ID)
		}
		cancel()

		config := testSystemConfig(logDir)
		handler, err := apis.GetAPIRestManagementHandler(
			uut.Router, uut.Sessions, uut.DataLog, &config.Management.HTTPSetting,
		)
		assert.Nil(err)
		router := DefineManagementRouter("/", handler, uut.Registry)

		{
			req, err := http.NewRequest("GET", "/v1/admin/subscription", nil)
			assert.Nil(err)
			respRecorder := httptest.NewRecorder()
			router.ServeHTTP(respRecorder, req)
			assert.Equal(http.StatusOK, respRecorder.Code)
			var msg apis.APIRestRespSubscriptions
			assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
			assert.True(msg.Success)
			assert.Equal([]string{subscriptionName}, msg.Subscriptions)
		}
		{
			req, err := http.NewRequest(
				"GET", fmt.Sprintf("/v1/admin/subscription/%s/index", subscriptionName), nil,
			)
			assert.Nil(err)
			respRecorder := httptest.NewRecorder()
			router.ServeHTTP(respRecorder, req)
			assert.Equal(http.StatusOK, respRecorder.Code)
			var msg apis.APIRestRespLogIndex
			assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
			assert.Equal(pubIDs, msg.PublicationIDs)
		}
		{
			req, err := http.NewRequest("GET", "/v1/admin/alive", nil)
			assert.Nil(err)
			respRecorder := httptest.NewRecorder()
			router.ServeHTTP(respRecorder, req)
			assert.Equal(http.StatusOK, respRecorder.Code)
		}
		{
			req, err := http.NewRequest("GET", "/metrics", nil)
			assert.Nil(err)
			respRecorder := httptest.NewRecorder()
			router.ServeHTTP(respRecorder, req)
			assert.Equal(http.StatusOK, respRecorder.Code)
			assert.True(strings.Contains(respRecorder.Body.String(), "go_goroutines"))
		}

		coreCancel()
		uut.Stop()
		wg.Wait()
		assert.Nil(uut.Close())
	}

	// Case 3: the data log survives a restart
	{
		wg := sync.WaitGroup{}
		coreCtxt, coreCancel := context.WithCancel(utCtxt)
		uut, err := BuildBrokerCore(coreCtxt, testSystemConfig(logDir), "testing", &wg)
		assert.Nil(err)

		useContext, cancel := context.WithTimeout(utCtxt, time.Second*5)
		index, err := uut.DataLog.Index(useContext, subscriptionName)
		assert.Nil(err)
		assert.Equal(pubIDs, index)
		cancel()

		coreCancel()
		uut.Stop()
		wg.Wait()
		assert.Nil(uut.Close())
	}
}
