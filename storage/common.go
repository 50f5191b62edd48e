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

package storage

import (
	"context"

	"github.com/alwitt/infotainer/common"
)

// DataLogIndex durable log of publications and subscription metadata
type DataLogIndex interface {
	/*
		PutPublication append a publication to its subscription's log

		A failure is reported as a *common.WriteFailure.

		 @param ctxt context.Context - execution context
		 @param pub common.Publication - the publication
	*/
	PutPublication(ctxt context.Context, pub common.Publication) error

	/*
		PutSubscriptionMeta record the metadata of a subscription

		A failure is reported as a *common.WriteFailure.

		 @param ctxt context.Context - execution context
		 @param meta common.SubscriptionMeta - the metadata
	*/
	PutSubscriptionMeta(ctxt context.Context, meta common.SubscriptionMeta) error

	/*
		GetSubscriptionMeta read back the metadata of a subscription

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @return the metadata
	*/
	GetSubscriptionMeta(ctxt context.Context, subscription string) (common.SubscriptionMeta, error)

	/*
		Fetch read publications from a subscription's log

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @param selector common.LogSelector - which publications to read
		 @return the publications, in log order for SelectLatest and SelectHistory, and in
		     request order for SelectByID
	*/
	Fetch(
		ctxt context.Context, subscription string, selector common.LogSelector,
	) (common.DataLogEntry, error)

	/*
		Index list the publication IDs in a subscription's log, in log order

		 @param ctxt context.Context - execution context
		 @param subscription string - subscription name
		 @return the publication IDs
	*/
	Index(ctxt context.Context, subscription string) ([]string, error)
}
