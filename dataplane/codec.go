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
	"fmt"
	"time"

	"github.com/alwitt/infotainer/common"
)

// Command kinds on the wire
const (
	CommandKindSubmit = "submit"
	CommandKindManage = "manage"
	CommandKindList   = "list"
	CommandKindFetch  = "fetch"
	CommandKindIndex  = "index"
)

// Response kinds on the wire
const (
	ResponseKindSubscriptions = "subscriptions"
	ResponseKindPublication   = "publication"
	ResponseKindLogEntry      = "log_entry"
	ResponseKindLogIndex      = "log_index"
	ResponseKindError         = "error"
)

// Selector kinds on the wire
const (
	SelectorKindByID    = "id"
	SelectorKindLatest  = "latest"
	SelectorKindHistory = "history"
)

// WireSelector MessagePack form of a common.LogSelector
type WireSelector struct {
	Kind  string   `codec:"kind"`
	IDs   []string `codec:"ids,omitempty"`
	Count int      `codec:"count,omitempty"`
}

// WireCommand MessagePack form of a common.Command
type WireCommand struct {
	Kind         string        `codec:"kind"`
	RequestID    string        `codec:"request_id,omitempty"`
	Subscription string        `codec:"subscription,omitempty"`
	Action       string        `codec:"action,omitempty"`
	Payload      []byte        `codec:"payload,omitempty"`
	Selector     *WireSelector `codec:"selector,omitempty"`
}

// WirePublication MessagePack form of a common.Publication
type WirePublication struct {
	ID           string `codec:"id"`
	Subscription string `codec:"subscription"`
	Payload      []byte `codec:"payload"`
	// CreatedAt is in nanoseconds since the Unix epoch
	CreatedAt int64 `codec:"created_at"`
}

// WireResponse MessagePack form of a common.Response
type WireResponse struct {
	Kind           string            `codec:"kind"`
	RequestID      string            `codec:"request_id,omitempty"`
	Subscription   string            `codec:"subscription,omitempty"`
	Subscriptions  []string          `codec:"subscriptions,omitempty"`
	Publication    *WirePublication  `codec:"publication,omitempty"`
	Publications   []WirePublication `codec:"publications,omitempty"`
	PublicationIDs []string          `codec:"publication_ids,omitempty"`
	LogWarning     string            `codec:"log_warning,omitempty"`
	ErrorCode      int               `codec:"error_code,omitempty"`
	ErrorName      string            `codec:"error_name,omitempty"`
	Message        string            `codec:"message,omitempty"`
}

func toWirePublication(pub common.Publication) WirePublication {
	return WirePublication{
		ID:           pub.ID,
		Subscription: pub.Subscription,
		Payload:      pub.Payload,
		CreatedAt:    pub.CreatedAt.UnixNano(),
	}
}

func fromWirePublication(pub WirePublication) common.Publication {
	return common.Publication{
		ID:           pub.ID,
		Subscription: pub.Subscription,
		Payload:      pub.Payload,
		CreatedAt:    time.Unix(0, pub.CreatedAt).UTC(),
	}
}

// =========================================================================

// EncodeCommand serialize a command
func EncodeCommand(cmd common.Command) ([]byte, error) {
	var wire WireCommand
	switch c := cmd.(type) {
	case *common.SubmitCommand:
		wire = WireCommand{
			Kind: CommandKindSubmit, Subscription: c.Subscription, Payload: c.Payload,
		}
	case *common.ManageSubscriptionCommand:
		wire = WireCommand{
			Kind: CommandKindManage, Subscription: c.Subscription, Action: string(c.Action),
		}
	case *common.ListCommand:
		wire = WireCommand{Kind: CommandKindList}
	case *common.FetchCommand:
		selector, err := toWireSelector(c.Selector)
		if err != nil {
			return nil, err
		}
		wire = WireCommand{Kind: CommandKindFetch, Subscription: c.Subscription, Selector: selector}
	case *common.IndexCommand:
		wire = WireCommand{Kind: CommandKindIndex, Subscription: c.Subscription}
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
	wire.RequestID = cmd.GetRequestID()
	return common.EncodeMsgpack(&wire)
}

func toWireSelector(selector common.LogSelector) (*WireSelector, error) {
	switch s := selector.(type) {
	case common.SelectByID:
		return &WireSelector{Kind: SelectorKindByID, IDs: s.IDs}, nil
	case common.SelectLatest:
		return &WireSelector{Kind: SelectorKindLatest, Count: s.Count}, nil
	case common.SelectHistory:
		return &WireSelector{Kind: SelectorKindHistory}, nil
	default:
		return nil, fmt.Errorf("unsupported log selector %T", selector)
	}
}

// DecodeCommand parse a command
//
// Anything which does not decode into a known command is reported as
// common.ErrMalformedRequest, along with whatever request ID could be recovered.
func DecodeCommand(data []byte) (common.Command, string, error) {
	var wire WireCommand
	if err := common.DecodeMsgpack(data, &wire); err != nil {
		return nil, "", fmt.Errorf("undecodable command: %s: %w", err, common.ErrMalformedRequest)
	}
	base := common.CommandBase{RequestID: wire.RequestID}
	switch wire.Kind {
	case CommandKindSubmit:
		return &common.SubmitCommand{
			CommandBase: base, Subscription: wire.Subscription, Payload: wire.Payload,
		}, wire.RequestID, nil
	case CommandKindManage:
		return &common.ManageSubscriptionCommand{
			CommandBase:  base,
			Action:       common.SubscriptionAction(wire.Action),
			Subscription: wire.Subscription,
		}, wire.RequestID, nil
	case CommandKindList:
		return &common.ListCommand{CommandBase: base}, wire.RequestID, nil
	case CommandKindFetch:
		selector, err := fromWireSelector(wire.Selector)
		if err != nil {
			return nil, wire.RequestID, err
		}
		return &common.FetchCommand{
			CommandBase: base, Subscription: wire.Subscription, Selector: selector,
		}, wire.RequestID, nil
	case CommandKindIndex:
		return &common.IndexCommand{
			CommandBase: base, Subscription: wire.Subscription,
		}, wire.RequestID, nil
	default:
		return nil, wire.RequestID, fmt.Errorf(
			"unknown command kind '%s': %w", wire.Kind, common.ErrMalformedRequest,
		)
	}
}

func fromWireSelector(selector *WireSelector) (common.LogSelector, error) {
	if selector == nil {
		return nil, fmt.Errorf("fetch without selector: %w", common.ErrMalformedRequest)
	}
	switch selector.Kind {
	case SelectorKindByID:
		return common.SelectByID{IDs: selector.IDs}, nil
	case SelectorKindLatest:
		return common.SelectLatest{Count: selector.Count}, nil
	case SelectorKindHistory:
		return common.SelectHistory{}, nil
	default:
		return nil, fmt.Errorf(
			"unknown selector kind '%s': %w", selector.Kind, common.ErrMalformedRequest,
		)
	}
}

// =========================================================================

// EncodeResponse serialize a response
func EncodeResponse(resp common.Response) ([]byte, error) {
	var wire WireResponse
	switch r := resp.(type) {
	case *common.SubscriptionListResponse:
		wire = WireResponse{Kind: ResponseKindSubscriptions, Subscriptions: r.Subscriptions}
	case *common.PublicationResponse:
		pub := toWirePublication(r.Publication)
		wire = WireResponse{
			Kind: ResponseKindPublication, Publication: &pub, LogWarning: r.LogWarning,
		}
	case *common.DataLogEntryResponse:
		pubs := make([]WirePublication, len(r.Entry.Publications))
		for idx, pub := range r.Entry.Publications {
			pubs[idx] = toWirePublication(pub)
		}
		wire = WireResponse{
			Kind: ResponseKindLogEntry, Subscription: r.Entry.Subscription, Publications: pubs,
		}
	case *common.LogIndexResponse:
		wire = WireResponse{
			Kind:           ResponseKindLogIndex,
			Subscription:   r.Subscription,
			PublicationIDs: r.PublicationIDs,
		}
	case *common.ErrorResponse:
		wire = WireResponse{
			Kind:      ResponseKindError,
			ErrorCode: int(r.Code),
			ErrorName: r.Code.String(),
			Message:   r.Message,
		}
	default:
		return nil, fmt.Errorf("unsupported response %T", resp)
	}
	wire.RequestID = resp.GetRequestID()
	return common.EncodeMsgpack(&wire)
}

// DecodeResponse parse a response
func DecodeResponse(data []byte) (common.Response, error) {
	var wire WireResponse
	if err := common.DecodeMsgpack(data, &wire); err != nil {
		return nil, fmt.Errorf("undecodable response: %s: %w", err, common.ErrMalformedRequest)
	}
	base := common.ResponseBase{RequestID: wire.RequestID}
	switch wire.Kind {
	case ResponseKindSubscriptions:
		names := wire.Subscriptions
		if names == nil {
			names = []string{}
		}
		return &common.SubscriptionListResponse{ResponseBase: base, Subscriptions: names}, nil
	case ResponseKindPublication:
		if wire.Publication == nil {
			return nil, fmt.Errorf("publication response without publication: %w", common.ErrMalformedRequest)
		}
		return &common.PublicationResponse{
			ResponseBase: base,
			Publication:  fromWirePublication(*wire.Publication),
			LogWarning:   wire.LogWarning,
		}, nil
	case ResponseKindLogEntry:
		pubs := make([]common.Publication, len(wire.Publications))
		for idx, pub := range wire.Publications {
			pubs[idx] = fromWirePublication(pub)
		}
		return &common.DataLogEntryResponse{
			ResponseBase: base,
			Entry:        common.DataLogEntry{Subscription: wire.Subscription, Publications: pubs},
		}, nil
	case ResponseKindLogIndex:
		pubIDs := wire.PublicationIDs
		if pubIDs == nil {
			pubIDs = []string{}
		}
		return &common.LogIndexResponse{
			ResponseBase: base, Subscription: wire.Subscription, PublicationIDs: pubIDs,
		}, nil
	case ResponseKindError:
		return &common.ErrorResponse{
			ResponseBase: base, Code: common.ErrorCode(wire.ErrorCode), Message: wire.Message,
		}, nil
	default:
		return nil, fmt.Errorf("unknown response kind '%s': %w", wire.Kind, common.ErrMalformedRequest)
	}
}
