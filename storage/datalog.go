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
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/infotainer/common"
	"github.com/apex/log"
	"github.com/cockroachdb/pebble"
)

// publicationRecord on-disk form of a publication
type publicationRecord struct {
	ID           string `codec:"id"`
	Subscription string `codec:"subscription"`
	Payload      []byte `codec:"payload"`
	CreatedAt    int64  `codec:"created_at"`
}

// logLocation where a publication lives in the logs
type logLocation struct {
	Subscription string `codec:"subscription"`
	Seq          uint64 `codec:"seq"`
}

// pebbleDataLog implements DataLogIndex on a Pebble store
//
// Requests are processed by a keyed task processor, routed by subscription name. All
// writes to one subscription's log are therefore serialized, while different
// subscriptions are served in parallel.
type pebbleDataLog struct {
	common.Component
	db *DB
	tp common.TaskProcessor
}

// GetPebbleDataLogIndex define a new DataLogIndex backed by Pebble
//
// The handlers are installed on the task processor. The caller starts and stops the task
// processor's event loop.
func GetPebbleDataLogIndex(
	instance string, db *DB, tp common.TaskProcessor,
) (DataLogIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("no store provided")
	}
	logTags := log.Fields{
		"module": "storage", "component": "data-log", "instance": instance,
	}
	instanceImpl := &pebbleDataLog{
		Component: common.Component{LogTags: logTags},
		db:        db,
		tp:        tp,
	}
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(putPublicationRequest{}): instanceImpl.processPutPublication,
		reflect.TypeOf(putMetaRequest{}):        instanceImpl.processPutSubscriptionMeta,
		reflect.TypeOf(getMetaRequest{}):        instanceImpl.processGetSubscriptionMeta,
		reflect.TypeOf(fetchRequest{}):          instanceImpl.processFetch,
		reflect.TypeOf(indexRequest{}):          instanceImpl.processIndex,
	}
	for msgType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(msgType, handler); err != nil {
			return nil, err
		}
	}
	return instanceImpl, nil
}

// submitAndWait hand a request to the event loop and wait for its result
func submitAndWait[T any](
	ctxt context.Context, tp common.TaskProcessor, request interface{}, resultChan chan T,
) (T, error) {
	if err := tp.Submit(ctxt, request); err != nil {
		var empty T
		return empty, err
	}
	return common.AwaitResult(ctxt, resultChan)
}

// =========================================================================

type putPublicationRequest struct {
	pub      common.Publication
	resultCB func(error)
}

func (r putPublicationRequest) RoutingKey() string {
	return r.pub.Subscription
}

// PutPublication append a publication to its subscription's log
func (l *pebbleDataLog) PutPublication(ctxt context.Context, pub common.Publication) error {
	resultChan := make(chan error, 1)
	request := putPublicationRequest{pub: pub, resultCB: func(err error) { resultChan <- err }}
	result, err := submitAndWait(ctxt, l.tp, request, resultChan)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Failed to submit publication %s of %s", pub.ID, pub.Subscription,
		)
		return err
	}
	return result
}

func (l *pebbleDataLog) processPutPublication(param interface{}) error {
	request := param.(putPublicationRequest)
	err := l.appendPublication(request.pub)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Failed to persist publication %s of %s", request.pub.ID, request.pub.Subscription,
		)
		err = &common.WriteFailure{
			Subscription: request.pub.Subscription,
			Record:       fmt.Sprintf("publication %s", request.pub.ID),
			Err:          err,
		}
	}
	request.resultCB(err)
	return nil
}

func (l *pebbleDataLog) appendPublication(pub common.Publication) error {
	idxKey := KeyPublicationIndex(pub.ID)
	if exists, err := l.db.Has(idxKey); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("publication ID %s already in use", pub.ID)
	}

	seq, err := l.readTail(pub.Subscription)
	if err != nil {
		return err
	}
	seq++

	payload, err := common.EncodeMsgpack(publicationRecord{
		ID:           pub.ID,
		Subscription: pub.Subscription,
		Payload:      pub.Payload,
		CreatedAt:    pub.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	location, err := common.EncodeMsgpack(logLocation{Subscription: pub.Subscription, Seq: seq})
	if err != nil {
		return err
	}

	// Entry, tail, and index land together or not at all
	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(
		KeyLogEntry(pub.Subscription, seq), EncodeRecord([]byte(pub.ID), payload), nil,
	); err != nil {
		return err
	}
	if err := batch.Set(KeyLogTail(pub.Subscription), EncodeSeq(seq), nil); err != nil {
		return err
	}
	if err := batch.Set(idxKey, location, nil); err != nil {
		return err
	}
	return l.db.CommitBatch(batch)
}

// readTail read the newest sequence number of a subscription's log. Zero if the log is
// empty.
func (l *pebbleDataLog) readTail(subscription string) (uint64, error) {
	raw, err := l.db.Get(KeyLogTail(subscription))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return DecodeSeq(raw)
}

// =========================================================================

type putMetaRequest struct {
	meta     common.SubscriptionMeta
	resultCB func(error)
}

func (r putMetaRequest) RoutingKey() string {
	return r.meta.Name
}

// PutSubscriptionMeta record the metadata of a subscription
func (l *pebbleDataLog) PutSubscriptionMeta(
	ctxt context.Context, meta common.SubscriptionMeta,
) error {
	resultChan := make(chan error, 1)
	request := putMetaRequest{meta: meta, resultCB: func(err error) { resultChan <- err }}
	result, err := submitAndWait(ctxt, l.tp, request, resultChan)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Failed to submit metadata of %s", meta.Name,
		)
		return err
	}
	return result
}

func (l *pebbleDataLog) processPutSubscriptionMeta(param interface{}) error {
	request := param.(putMetaRequest)
	var err error
	if writeErr := l.db.SetRecord(KeySubscriptionMeta(request.meta.Name), request.meta); writeErr != nil {
		log.WithError(writeErr).WithFields(l.LogTags).Errorf(
			"Failed to persist metadata of %s", request.meta.Name,
		)
		err = &common.WriteFailure{
			Subscription: request.meta.Name, Record: "subscription metadata", Err: writeErr,
		}
	}
	request.resultCB(err)
	return nil
}

// =========================================================================

type getMetaResult struct {
	meta common.SubscriptionMeta
	err  error
}

type getMetaRequest struct {
	subscription string
	resultCB     func(getMetaResult)
}

func (r getMetaRequest) RoutingKey() string {
	return r.subscription
}

// GetSubscriptionMeta read back the metadata of a subscription
func (l *pebbleDataLog) GetSubscriptionMeta(
	ctxt context.Context, subscription string,
) (common.SubscriptionMeta, error) {
	resultChan := make(chan getMetaResult, 1)
	request := getMetaRequest{
		subscription: subscription,
		resultCB:     func(result getMetaResult) { resultChan <- result },
	}
	result, err := submitAndWait(ctxt, l.tp, request, resultChan)
	if err != nil {
		return common.SubscriptionMeta{}, err
	}
	return result.meta, result.err
}

func (l *pebbleDataLog) processGetSubscriptionMeta(param interface{}) error {
	request := param.(getMetaRequest)
	var meta common.SubscriptionMeta
	err := l.db.GetRecord(KeySubscriptionMeta(request.subscription), &meta)
	if errors.Is(err, pebble.ErrNotFound) {
		err = fmt.Errorf("metadata of %s: %w", request.subscription, common.ErrUnknownSubscription)
	}
	request.resultCB(getMetaResult{meta: meta, err: err})
	return nil
}

// =========================================================================

type fetchResult struct {
	entry common.DataLogEntry
	err   error
}

type fetchRequest struct {
	subscription string
	selector     common.LogSelector
	resultCB     func(fetchResult)
}

func (r fetchRequest) RoutingKey() string {
	return r.subscription
}

// Fetch read publications from a subscription's log
func (l *pebbleDataLog) Fetch(
	ctxt context.Context, subscription string, selector common.LogSelector,
) (common.DataLogEntry, error) {
	if selector == nil {
		return common.DataLogEntry{}, fmt.Errorf("no log selector: %w", common.ErrMalformedRequest)
	}
	resultChan := make(chan fetchResult, 1)
	request := fetchRequest{
		subscription: subscription,
		selector:     selector,
		resultCB:     func(result fetchResult) { resultChan <- result },
	}
	result, err := submitAndWait(ctxt, l.tp, request, resultChan)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to submit fetch on %s", subscription)
		return common.DataLogEntry{}, err
	}
	return result.entry, result.err
}

func (l *pebbleDataLog) processFetch(param interface{}) error {
	request := param.(fetchRequest)
	entry, err := l.readLog(request.subscription, request.selector)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Debugf("Fetch on %s failed", request.subscription)
	}
	request.resultCB(fetchResult{entry: entry, err: err})
	return nil
}

// knownSubscription whether the subscription has either metadata or a log
func (l *pebbleDataLog) knownSubscription(subscription string) (bool, error) {
	hasMeta, err := l.db.Has(KeySubscriptionMeta(subscription))
	if err != nil || hasMeta {
		return hasMeta, err
	}
	return l.db.Has(KeyLogTail(subscription))
}

func (l *pebbleDataLog) readLog(
	subscription string, selector common.LogSelector,
) (common.DataLogEntry, error) {
	entry := common.DataLogEntry{Subscription: subscription, Publications: []common.Publication{}}
	known, err := l.knownSubscription(subscription)
	if err != nil {
		return entry, err
	} else if !known {
		return entry, fmt.Errorf("fetch %s: %w", subscription, common.ErrUnknownSubscription)
	}

	switch sel := selector.(type) {
	case common.SelectByID:
		for _, pubID := range sel.IDs {
			pub, err := l.readByID(subscription, pubID)
			if err != nil {
				return entry, err
			}
			entry.Publications = append(entry.Publications, pub)
		}
	case common.SelectLatest:
		if sel.Count < 1 {
			return entry, fmt.Errorf("latest count must be positive: %w", common.ErrMalformedRequest)
		}
		pubs, err := l.scanLog(subscription, sel.Count, true)
		if err != nil {
			return entry, err
		}
		entry.Publications = pubs
	case common.SelectHistory:
		pubs, err := l.scanLog(subscription, 0, false)
		if err != nil {
			return entry, err
		}
		entry.Publications = pubs
	default:
		return entry, fmt.Errorf("unsupported selector %T: %w", selector, common.ErrMalformedRequest)
	}
	return entry, nil
}

func (l *pebbleDataLog) readByID(subscription, pubID string) (common.Publication, error) {
	raw, err := l.db.Get(KeyPublicationIndex(pubID))
	if errors.Is(err, pebble.ErrNotFound) {
		return common.Publication{}, fmt.Errorf(
			"publication %s in %s: %w", pubID, subscription, common.ErrPublicationNotFound,
		)
	} else if err != nil {
		return common.Publication{}, err
	}
	var location logLocation
	if err := common.DecodeMsgpack(raw, &location); err != nil {
		return common.Publication{}, fmt.Errorf("corrupt location of %s: %w", pubID, err)
	}
	if location.Subscription != subscription {
		return common.Publication{}, fmt.Errorf(
			"publication %s in %s: %w", pubID, subscription, common.ErrPublicationNotFound,
		)
	}
	raw, err = l.db.Get(KeyLogEntry(subscription, location.Seq))
	if err != nil {
		return common.Publication{}, fmt.Errorf("log entry of %s: %w", pubID, err)
	}
	pub, _, err := decodeLogEntry(raw, true)
	return pub, err
}

// scanLog read publications in log order. With reverse set, only the newest limit entries
// are read. A limit of zero reads everything.
func (l *pebbleDataLog) scanLog(
	subscription string, limit int, reverse bool,
) ([]common.Publication, error) {
	prefix := KeyLogEntryPrefix(subscription)
	iter, err := l.db.NewIter(prefix, PrefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	pubs := []common.Publication{}
	valid := iter.First()
	if reverse {
		valid = iter.Last()
	}
	for ; valid; valid = l.step(iter, reverse) {
		pub, _, err := decodeLogEntry(iter.Value(), true)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, pub)
		if limit > 0 && len(pubs) >= limit {
			break
		}
	}
	if reverse {
		for left, right := 0, len(pubs)-1; left < right; left, right = left+1, right-1 {
			pubs[left], pubs[right] = pubs[right], pubs[left]
		}
	}
	return pubs, nil
}

func (l *pebbleDataLog) step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

// decodeLogEntry parse a log entry. If withPayload is false, only the publication ID is
// read.
func decodeLogEntry(raw []byte, withPayload bool) (common.Publication, string, error) {
	record, ok := DecodeRecord(raw)
	if !ok {
		return common.Publication{}, "", fmt.Errorf("corrupted log entry")
	}
	pubID := string(record.Header)
	if !withPayload {
		return common.Publication{}, pubID, nil
	}
	var stored publicationRecord
	if err := common.DecodeMsgpack(record.Payload, &stored); err != nil {
		return common.Publication{}, pubID, fmt.Errorf("corrupted log entry %s: %w", pubID, err)
	}
	return common.Publication{
		ID:           stored.ID,
		Subscription: stored.Subscription,
		Payload:      stored.Payload,
		CreatedAt:    time.Unix(0, stored.CreatedAt).UTC(),
	}, pubID, nil
}

// =========================================================================

type indexResult struct {
	pubIDs []string
	err    error
}

type indexRequest struct {
	subscription string
	resultCB     func(indexResult)
}

func (r indexRequest) RoutingKey() string {
	return r.subscription
}

// Index list the publication IDs in a subscription's log
func (l *pebbleDataLog) Index(ctxt context.Context, subscription string) ([]string, error) {
	resultChan := make(chan indexResult, 1)
	request := indexRequest{
		subscription: subscription,
		resultCB:     func(result indexResult) { resultChan <- result },
	}
	result, err := submitAndWait(ctxt, l.tp, request, resultChan)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Failed to submit index on %s", subscription)
		return nil, err
	}
	return result.pubIDs, result.err
}

func (l *pebbleDataLog) processIndex(param interface{}) error {
	request := param.(indexRequest)
	pubIDs, err := l.readIndex(request.subscription)
	request.resultCB(indexResult{pubIDs: pubIDs, err: err})
	return nil
}

func (l *pebbleDataLog) readIndex(subscription string) ([]string, error) {
	known, err := l.knownSubscription(subscription)
	if err != nil {
		return nil, err
	} else if !known {
		return nil, fmt.Errorf("index %s: %w", subscription, common.ErrUnknownSubscription)
	}
	prefix := KeyLogEntryPrefix(subscription)
	iter, err := l.db.NewIter(prefix, PrefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	pubIDs := []string{}
	for valid := iter.First(); valid; valid = iter.Next() {
		_, pubID, err := decodeLogEntry(iter.Value(), false)
		if err != nil {
			return nil, err
		}
		pubIDs = append(pubIDs, pubID)
	}
	return pubIDs, nil
}
