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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/infotainer/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type testMetrics struct {
	lock    sync.Mutex
	read    int
	commits int
}

func (m *testMetrics) ObserveRead(d time.Duration, bytes int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.read += bytes
}

func (m *testMetrics) ObserveBatchCommit(d time.Duration, numOps int, bytes int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.commits++
}

func newTestPublication(subscription string, payload string) common.Publication {
	return common.Publication{
		ID:           uuid.New().String(),
		Subscription: subscription,
		Payload:      []byte(payload),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestKeyLayout(t *testing.T) {
	assert := assert.New(t)

	// Case 1: entries sort by sequence number
	{
		assert.Equal(-1, bytes.Compare(KeyLogEntry("news", 1), KeyLogEntry("news", 2)))
		assert.Equal(-1, bytes.Compare(KeyLogEntry("news", 255), KeyLogEntry("news", 256)))
		seq, err := SeqFromLogEntryKey(KeyLogEntry("news", 42))
		assert.Nil(err)
		assert.Equal(uint64(42), seq)
	}

	// Case 2: one subscription name is never a prefix of another's keys
	{
		prefix := KeyLogEntryPrefix("news")
		upper := PrefixUpperBound(prefix)
		other := KeyLogEntry("news/e/", 1)
		inRange := bytes.Compare(other, prefix) >= 0 && bytes.Compare(other, upper) < 0
		assert.False(inRange)
		own := KeyLogEntry("news", 1<<63)
		assert.True(bytes.Compare(own, prefix) >= 0 && bytes.Compare(own, upper) < 0)
	}

	// Case 3: upper bound edge cases
	{
		assert.Equal([]byte("ab"), PrefixUpperBound([]byte("aa")))
		assert.Equal([]byte("b"), PrefixUpperBound([]byte{'a', 0xFF}))
		assert.Nil(PrefixUpperBound([]byte{0xFF, 0xFF}))
	}

	// Case 4: bad sequence number
	{
		_, err := DecodeSeq([]byte{1, 2})
		assert.NotNil(err)
	}
}

func TestRecordFraming(t *testing.T) {
	assert := assert.New(t)

	// Case 1: round trip
	{
		encoded := EncodeRecord([]byte("pub-1"), []byte("hello world"))
		decoded, ok := DecodeRecord(encoded)
		assert.True(ok)
		assert.Equal([]byte("pub-1"), decoded.Header)
		assert.Equal([]byte("hello world"), decoded.Payload)
	}

	// Case 2: corruption is detected
	{
		encoded := EncodeRecord([]byte("pub-1"), []byte("hello world"))
		encoded[len(encoded)-6] ^= 0x01
		_, ok := DecodeRecord(encoded)
		assert.False(ok)
	}

	// Case 3: truncation is detected
	{
		encoded := EncodeRecord([]byte("pub-1"), []byte("hello world"))
		_, ok := DecodeRecord(encoded[:6])
		assert.False(ok)
		_, ok = DecodeRecord([]byte{0x01})
		assert.False(ok)
	}
}

func TestOpenDB(t *testing.T) {
	assert := assert.New(t)

	// Case 1: data directory is a file
	{
		parent := t.TempDir()
		blocker := filepath.Join(parent, "blocker")
		assert.Nil(os.WriteFile(blocker, []byte("x"), 0o600))
		_, err := OpenDB(Options{DataDir: filepath.Join(blocker, "data"), Fsync: FsyncModeAlways})
		assert.NotNil(err)
	}

	// Case 2: missing data directory
	{
		_, err := OpenDB(Options{Fsync: FsyncModeAlways})
		assert.NotNil(err)
	}

	// Case 3: fsync modes
	{
		_, err := ParseFsyncMode("sometimes")
		assert.NotNil(err)
		for _, mode := range []string{"always", "interval", "never"} {
			parsed, err := ParseFsyncMode(mode)
			assert.Nil(err)
			db, err := OpenDB(Options{DataDir: t.TempDir(), Fsync: parsed})
			assert.Nil(err)
			assert.Nil(db.Set([]byte("k"), []byte("v")))
			value, err := db.Get([]byte("k"))
			assert.Nil(err)
			assert.Equal([]byte("v"), value)
			assert.Nil(db.Close())
		}
	}

	// Case 4: in memory
	{
		db, err := OpenDB(Options{InMemory: true, Fsync: FsyncModeNever})
		assert.Nil(err)
		exists, err := db.Has([]byte("k"))
		assert.Nil(err)
		assert.False(exists)
		assert.Nil(db.Close())
	}
}

func TestPebbleDataLog(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := &testMetrics{}
	db, err := OpenDB(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: time.Millisecond * 2,
		Metrics:       metrics,
	})
	assert.Nil(err)
	defer func() {
		assert.Nil(db.Close())
	}()

	tp, err := common.GetNewTaskDemuxProcessorInstance("data-log-ut", 8, 3, ctxt)
	assert.Nil(err)
	uut, err := GetPebbleDataLogIndex("testing", db, tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	// Case 0: subscription never created
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		_, err := uut.Fetch(useContext, "sports", common.SelectLatest{Count: 1})
		assert.True(errors.Is(err, common.ErrUnknownSubscription))
		_, err = uut.Index(useContext, "sports")
		assert.True(errors.Is(err, common.ErrUnknownSubscription))
		_, err = uut.GetSubscriptionMeta(useContext, "sports")
		assert.True(errors.Is(err, common.ErrUnknownSubscription))
		cancel()
	}

	// Case 1: metadata alone makes a subscription known
	{
		meta := common.SubscriptionMeta{Name: "news", CreatedAt: time.Now().UTC()}
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.PutSubscriptionMeta(useContext, meta))
		readBack, err := uut.GetSubscriptionMeta(useContext, "news")
		assert.Nil(err)
		assert.Equal("news", readBack.Name)
		assert.True(meta.CreatedAt.Equal(readBack.CreatedAt))
		entry, err := uut.Fetch(useContext, "news", common.SelectHistory{})
		cancel()
		assert.Nil(err)
		assert.Equal("news", entry.Subscription)
		assert.Empty(entry.Publications)
	}

	// Case 2: write then read back
	pubs := []common.Publication{}
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		for itr := 0; itr < 5; itr++ {
			pub := newTestPublication("news", fmt.Sprintf(`{"headline":"%d"}`, itr))
			assert.Nil(uut.PutPublication(useContext, pub))
			pubs = append(pubs, pub)
		}
		entry, err := uut.Fetch(useContext, "news", common.SelectByID{IDs: []string{pubs[3].ID, pubs[1].ID}})
		assert.Nil(err)
		assert.Len(entry.Publications, 2)
		assert.Equal(pubs[3].ID, entry.Publications[0].ID)
		assert.Equal(pubs[3].Payload, entry.Publications[0].Payload)
		assert.True(pubs[3].CreatedAt.Equal(entry.Publications[0].CreatedAt))
		assert.Equal(pubs[1].ID, entry.Publications[1].ID)
		cancel()
	}

	// Case 3: latest returns the newest in log order
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		entry, err := uut.Fetch(useContext, "news", common.SelectLatest{Count: 2})
		assert.Nil(err)
		assert.Equal([]string{pubs[3].ID, pubs[4].ID}, entry.PublicationIDs())
		entry, err = uut.Fetch(useContext, "news", common.SelectLatest{Count: 100})
		assert.Nil(err)
		assert.Len(entry.Publications, 5)
		_, err = uut.Fetch(useContext, "news", common.SelectLatest{Count: 0})
		assert.True(errors.Is(err, common.ErrMalformedRequest))
		cancel()
	}

	// Case 4: history and index
	{
		expected := []string{}
		for _, pub := range pubs {
			expected = append(expected, pub.ID)
		}
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		entry, err := uut.Fetch(useContext, "news", common.SelectHistory{})
		assert.Nil(err)
		assert.Equal(expected, entry.PublicationIDs())
		ids, err := uut.Index(useContext, "news")
		assert.Nil(err)
		assert.Equal(expected, ids)
		cancel()
	}

	// Case 5: a publication ID from another subscription is not found
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		other := newTestPublication("weather", "rain")
		assert.Nil(uut.PutPublication(useContext, other))
		_, err := uut.Fetch(useContext, "news", common.SelectByID{IDs: []string{other.ID}})
		assert.True(errors.Is(err, common.ErrPublicationNotFound))
		_, err = uut.Fetch(useContext, "news", common.SelectByID{IDs: []string{uuid.New().String()}})
		assert.True(errors.Is(err, common.ErrPublicationNotFound))
		// A log alone also makes a subscription known
		entry, err := uut.Fetch(useContext, "weather", common.SelectLatest{Count: 1})
		assert.Nil(err)
		assert.Equal([]string{other.ID}, entry.PublicationIDs())
		cancel()
	}

	// Case 6: publication IDs are never reused
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		err := uut.PutPublication(useContext, pubs[0])
		cancel()
		assert.True(common.IsWriteFailure(err))
	}

	// Case 7: concurrent writers on several subscriptions
	{
		subscriptions := []string{"alpha", "beta", "gamma"}
		writers := sync.WaitGroup{}
		for _, subscription := range subscriptions {
			for writer := 0; writer < 4; writer++ {
				writers.Add(1)
				go func(subscription string, writer int) {
					defer writers.Done()
					useContext, cancel := context.WithTimeout(ctxt, time.Second*5)
					defer cancel()
					for itr := 0; itr < 10; itr++ {
						pub := newTestPublication(subscription, fmt.Sprintf("%d-%d", writer, itr))
						assert.Nil(uut.PutPublication(useContext, pub))
					}
				}(subscription, writer)
			}
		}
		writers.Wait()
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		for _, subscription := range subscriptions {
			ids, err := uut.Index(useContext, subscription)
			assert.Nil(err)
			assert.Len(ids, 40)
			unique := map[string]bool{}
			for _, id := range ids {
				unique[id] = true
			}
			assert.Len(unique, 40)
		}
		cancel()
	}

	// Case 8: nil selector
	{
		useContext, cancel := context.WithTimeout(ctxt, time.Second)
		_, err := uut.Fetch(useContext, "news", nil)
		cancel()
		assert.True(errors.Is(err, common.ErrMalformedRequest))
	}

	metrics.lock.Lock()
	assert.Greater(metrics.commits, 0)
	assert.Greater(metrics.read, 0)
	metrics.lock.Unlock()
}

func TestPebbleDataLogPersistsAcrossReopen(t *testing.T) {
	assert := assert.New(t)

	dataDir := t.TempDir()
	pub := newTestPublication("news", "hello")

	for round := 0; round < 2; round++ {
		wg := sync.WaitGroup{}
		ctxt, cancel := context.WithCancel(context.Background())
		db, err := OpenDB(Options{DataDir: dataDir, Fsync: FsyncModeAlways})
		assert.Nil(err)
		tp, err := common.GetNewTaskDemuxProcessorInstance("data-log-ut", 4, 2, ctxt)
		assert.Nil(err)
		uut, err := GetPebbleDataLogIndex("testing", db, tp)
		assert.Nil(err)
		assert.Nil(tp.StartEventLoop(&wg))

		useContext, lclCancel := context.WithTimeout(ctxt, time.Second)
		if round == 0 {
			assert.Nil(uut.PutPublication(useContext, pub))
		} else {
			entry, err := uut.Fetch(useContext, "news", common.SelectByID{IDs: []string{pub.ID}})
			assert.Nil(err)
			assert.Equal([]byte("hello"), entry.Publications[0].Payload)
		}
		lclCancel()

		assert.Nil(tp.StopEventLoop())
		wg.Wait()
		cancel()
		assert.Nil(db.Close())
	}
}
