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

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/mocks"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := common.GetNewTaskProcessorInstance("session-ut", 4, ctxt)
	assert.Nil(err)
	uut, err := GetSessionRegistry("testing", tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	handleA := new(mocks.SessionHandle)
	handleA.On("SessionID").Return("session-a")
	handleB := new(mocks.SessionHandle)
	handleB.On("SessionID").Return("session-b")

	// Case 0: unknown session
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		_, err := uut.Resolve(useContext, "session-a")
		cancel()
		assert.True(errors.Is(err, common.ErrSessionNotFound))
	}

	// Case 1: register and resolve
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Register(useContext, "session-a", handleA))
		assert.Nil(uut.Register(useContext, "session-b", handleB))
		handle, err := uut.Resolve(useContext, "session-a")
		assert.Nil(err)
		assert.Equal("session-a", handle.SessionID())
		ids, err := uut.ListSessions(useContext)
		assert.Nil(err)
		assert.Equal([]string{"session-a", "session-b"}, ids)
		cancel()
	}

	// Case 2: registering the same handle again is idempotent
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Register(useContext, "session-a", handleA))
		cancel()
		handleA.AssertNotCalled(t, "Close")
	}

	// Case 3: replacing a handle closes the displaced one
	handleA2 := new(mocks.SessionHandle)
	handleA2.On("SessionID").Return("session-a")
	{
		handleA.On("Close").Return(nil).Once()
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Register(useContext, "session-a", handleA2))
		handle, err := uut.Resolve(useContext, "session-a")
		cancel()
		assert.Nil(err)
		assert.Equal(handleA2, handle)
		handleA.AssertExpectations(t)
	}

	// Case 4: releasing a stale handle does not touch the new binding
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		err := uut.Release(useContext, handleA)
		assert.True(errors.Is(err, common.ErrSessionNotFound))
		handle, err := uut.Resolve(useContext, "session-a")
		cancel()
		assert.Nil(err)
		assert.Equal(handleA2, handle)
	}

	// Case 5: release the current handle
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Release(useContext, handleA2))
		_, err := uut.Resolve(useContext, "session-a")
		cancel()
		assert.True(errors.Is(err, common.ErrSessionNotFound))
	}

	// Case 6: unregister an unknown session does not affect others
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		err := uut.Unregister(useContext, "session-x")
		assert.True(errors.Is(err, common.ErrSessionNotFound))
		handle, err := uut.Resolve(useContext, "session-b")
		cancel()
		assert.Nil(err)
		assert.Equal(handleB, handle)
	}

	// Case 7: unregister
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Unregister(useContext, "session-b"))
		ids, err := uut.ListSessions(useContext)
		cancel()
		assert.Nil(err)
		assert.Empty(ids)
	}

	// Case 8: invalid registration
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		err := uut.Register(useContext, "", handleB)
		cancel()
		assert.True(errors.Is(err, common.ErrMalformedRequest))
	}
}
