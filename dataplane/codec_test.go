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
	"errors"
	"testing"
	"time"

	"github.com/alwitt/infotainer/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCommandCodec(t *testing.T) {
	assert := assert.New(t)

	commands := []common.Command{
		&common.SubmitCommand{
			CommandBase:  common.CommandBase{RequestID: uuid.NewString()},
			Subscription: "news",
			Payload:      []byte("hello world"),
		},
		&common.ManageSubscriptionCommand{
			CommandBase:  common.CommandBase{RequestID: uuid.NewString()},
			Action:       common.SubscriptionAdd,
			Subscription: "news",
		},
		&common.ListCommand{},
		&common.FetchCommand{
			CommandBase:  common.CommandBase{RequestID: uuid.NewString()},
			Subscription: "news",
			Selector:     common.SelectByID{IDs: []string{"a", "b"}},
		},
		&common.FetchCommand{
			Subscription: "news", Selector: common.SelectLatest{Count: 3},
		},
		&common.FetchCommand{
			Subscription: "news", Selector: common.SelectHistory{},
		},
		&common.IndexCommand{Subscription: "news"},
	}

	// Case 0: every command survives the wire
	for _, cmd := range commands {
		frame, err := EncodeCommand(cmd)
		assert.Nil(err)
		decoded, requestID, err := DecodeCommand(frame)
		assert.Nil(err)
		assert.Equal(cmd.GetRequestID(), requestID)
		assert.EqualValues(cmd, decoded)
	}

	// Case 1: garbage
	{
		_, _, err := DecodeCommand([]byte{0xc1, 0x00, 0xff})
		assert.NotNil(err)
		assert.True(errors.Is(err, common.ErrMalformedRequest))
	}

	// Case 2: unknown kind keeps the request ID
	{
		frame, err := common.EncodeMsgpack(&WireCommand{Kind: "explode", RequestID: "req-2"})
		assert.Nil(err)
		_, requestID, err := DecodeCommand(frame)
		assert.True(errors.Is(err, common.ErrMalformedRequest))
		assert.Equal("req-2", requestID)
	}

	// Case 3: fetch without selector
	{
		frame, err := common.EncodeMsgpack(&WireCommand{Kind: CommandKindFetch, Subscription: "news"})
		assert.Nil(err)
		_, _, err = DecodeCommand(frame)
		assert.True(errors.Is(err, common.ErrMalformedRequest))
	}

	// Case 4: fetch with unknown selector
	{
		frame, err := common.EncodeMsgpack(&WireCommand{
			Kind: CommandKindFetch, Subscription: "news", Selector: &WireSelector{Kind: "oldest"},
		})
		assert.Nil(err)
		_, _, err = DecodeCommand(frame)
		assert.True(errors.Is(err, common.ErrMalformedRequest))
	}
}

func TestResponseCodec(t *testing.T) {
	assert := assert.New(t)

	createdAt := time.Now().UTC()
	pub := common.Publication{
		ID: uuid.NewString(), Subscription: "news", Payload: []byte("payload"), CreatedAt: createdAt,
	}

	// Case 0: subscription list
	{
		frame, err := EncodeResponse(&common.SubscriptionListResponse{
			ResponseBase:  common.ResponseBase{RequestID: "req-0"},
			Subscriptions: []string{"a", "b"},
		})
		assert.Nil(err)
		decoded, err := DecodeResponse(frame)
		assert.Nil(err)
		resp, ok := decoded.(*common.SubscriptionListResponse)
		assert.True(ok)
		assert.Equal("req-0", resp.RequestID)
		assert.Equal([]string{"a", "b"}, resp.Subscriptions)
	}

	// Case 1: publication keeps nanosecond timestamps
	{
		frame, err := EncodeResponse(&common.PublicationResponse{
			ResponseBase: common.ResponseBase{RequestID: "req-1"},
			Publication:  pub,
			LogWarning:   "write failed",
		})
		assert.Nil(err)
		decoded, err := DecodeResponse(frame)
		assert.Nil(err)
		resp, ok := decoded.(*common.PublicationResponse)
		assert.True(ok)
		assert.Equal(pub.ID, resp.Publication.ID)
		assert.Equal(pub.Payload, resp.Publication.Payload)
		assert.True(createdAt.Equal(resp.Publication.CreatedAt))
		assert.Equal("write failed", resp.LogWarning)
	}

	// Case 2: log entry
	{
		frame, err := EncodeResponse(&common.DataLogEntryResponse{
			Entry: common.DataLogEntry{Subscription: "news", Publications: []common.Publication{pub}},
		})
		assert.Nil(err)
		decoded, err := DecodeResponse(frame)
		assert.Nil(err)
		resp, ok := decoded.(*common.DataLogEntryResponse)
		assert.True(ok)
		assert.Equal("news", resp.Entry.Subscription)
		assert.Equal([]string{pub.ID}, resp.Entry.PublicationIDs())
	}

	// Case 3: empty log index
	{
		frame, err := EncodeResponse(&common.LogIndexResponse{
			Subscription: "news", PublicationIDs: []string{},
		})
		assert.Nil(err)
		decoded, err := DecodeResponse(frame)
		assert.Nil(err)
		resp, ok := decoded.(*common.LogIndexResponse)
		assert.True(ok)
		assert.Equal("news", resp.Subscription)
		assert.Empty(resp.PublicationIDs)
	}

	// Case 4: error
	{
		frame, err := EncodeResponse(common.NewErrorResponse("req-4", common.ErrUnknownSubscription))
		assert.Nil(err)
		decoded, err := DecodeResponse(frame)
		assert.Nil(err)
		resp, ok := decoded.(*common.ErrorResponse)
		assert.True(ok)
		assert.Equal("req-4", resp.RequestID)
		assert.Equal(common.ErrorCodeUnknownSubscription, resp.Code)
	}
}
