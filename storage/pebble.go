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
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// FsyncMode defines durability behavior for write operations
type FsyncMode int

const (
	// FsyncModeAlways sync the WAL on each committed batch
	FsyncModeAlways FsyncMode = iota
	// FsyncModeInterval let Pebble coalesce WAL syncs within an interval
	FsyncModeInterval
	// FsyncModeNever never force a WAL sync from the application
	FsyncModeNever
)

// ParseFsyncMode convert the config string form of a FsyncMode
func ParseFsyncMode(mode string) (FsyncMode, error) {
	switch mode {
	case "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeAlways, fmt.Errorf("unknown fsync mode '%s'", mode)
	}
}

// Options configures the Pebble store
type Options struct {
	// DataDir is the path to the Pebble database directory
	DataDir string
	// Fsync determines when to sync the WAL
	Fsync FsyncMode
	// FsyncInterval is the group commit window for FsyncModeInterval
	FsyncInterval time.Duration
	// InMemory keeps the store in memory. Used for testing.
	InMemory bool
	// Metrics observes storage operations. Optional.
	Metrics MetricsHook
}

// MetricsHook storage operation observer
type MetricsHook interface {
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRead(time.Duration, int)             {}
func (noopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB Pebble database with a fsync policy applied to all writes
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
}

// OpenDB create or open the Pebble database
//
// An inaccessible data directory is reported as an error.
func OpenDB(opts Options) (*DB, error) {
	pebbleOpts := &pebble.Options{}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		if opts.DataDir == "" {
			opts.DataDir = "infotainer"
		}
	} else {
		if opts.DataDir == "" {
			return nil, errors.New("data directory is required")
		}
		if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("data directory %s not usable: %w", opts.DataDir, err)
		}
	}

	switch opts.Fsync {
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		pebbleOpts.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeAlways, FsyncModeNever:
	default:
		return nil, fmt.Errorf("unknown fsync mode %d", opts.Fsync)
	}

	inner, err := pebble.Open(opts.DataDir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open data log store at %s: %w", opts.DataDir, err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync != FsyncModeNever,
		metrics:   metrics,
	}, nil
}

// Close close the database
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch create a batch for atomic multi-key updates
func (db *DB) NewBatch() *pebble.Batch {
	return db.inner.NewBatch()
}

// CommitBatch commit the batch with the configured fsync policy
func (db *DB) CommitBatch(b *pebble.Batch) error {
	if b == nil {
		return errors.New("nil batch")
	}
	start := time.Now()
	numOps := int(b.Count())
	size := b.Len()
	syncMode := pebble.NoSync
	if db.writeSync {
		syncMode = pebble.Sync
	}
	err := b.Commit(syncMode)
	db.metrics.ObserveBatchCommit(time.Since(start), numOps, size)
	return err
}

// Set write a single key
func (db *DB) Set(key, value []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return db.CommitBatch(b)
}

// Get read a copy of the value of a key
//
// A missing key is reported with pebble.ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Has check whether a key exists
func (db *DB) Has(key []byte) (bool, error) {
	_, closer, err := db.inner.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// SetRecord write a record which knows how to serialize itself
func (db *DB) SetRecord(key []byte, record driver.Valuer) error {
	value, err := record.Value()
	if err != nil {
		return err
	}
	raw, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("record serialized to %T, not []byte", value)
	}
	return db.Set(key, raw)
}

// GetRecord read a record which knows how to deserialize itself
func (db *DB) GetRecord(key []byte, record sql.Scanner) error {
	raw, err := db.Get(key)
	if err != nil {
		return err
	}
	return record.Scan(raw)
}

// NewIter create an iterator over [lower, upper)
func (db *DB) NewIter(lower, upper []byte) (*pebble.Iterator, error) {
	return db.inner.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
}
