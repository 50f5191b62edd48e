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
	"encoding/binary"
	"fmt"
)

// Keyspace layout (byte-wise, lexicographically sortable):
// - s/{len}{subscription}/m            subscription metadata
// - s/{len}{subscription}/t            sequence number of the newest log entry
// - s/{len}{subscription}/e/{seq_be8}  log entry
// - i/{publication ID}                 location of a publication in the logs
//
// Subscription names are length prefixed, so no name is a key prefix of another.

var (
	subscriptionPrefix = []byte("s/")
	indexPrefix        = []byte("i/")
	metaSuffix         = []byte("/m")
	tailSuffix         = []byte("/t")
	entrySeg           = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func subscriptionBase(subscription string, extra int) []byte {
	k := make([]byte, 0, len(subscription)+binary.MaxVarintLen64+extra+2)
	k = append(k, subscriptionPrefix...)
	k = binary.AppendUvarint(k, uint64(len(subscription)))
	k = append(k, subscription...)
	return k
}

// KeySubscriptionMeta builds the subscription metadata key
func KeySubscriptionMeta(subscription string) []byte {
	return append(subscriptionBase(subscription, len(metaSuffix)), metaSuffix...)
}

// KeyLogTail builds the key holding the newest log sequence number of a subscription
func KeyLogTail(subscription string) []byte {
	return append(subscriptionBase(subscription, len(tailSuffix)), tailSuffix...)
}

// KeyLogEntryPrefix builds the common prefix of all log entries of a subscription
func KeyLogEntryPrefix(subscription string) []byte {
	return append(subscriptionBase(subscription, len(entrySeg)+8), entrySeg...)
}

// KeyLogEntry builds the log entry key with a big-endian sequence for proper ordering
func KeyLogEntry(subscription string, seq uint64) []byte {
	return appendBE8(KeyLogEntryPrefix(subscription), seq)
}

// KeyPublicationIndex builds the publication location key
func KeyPublicationIndex(publicationID string) []byte {
	k := make([]byte, 0, len(indexPrefix)+len(publicationID))
	k = append(k, indexPrefix...)
	return append(k, publicationID...)
}

// PrefixUpperBound the exclusive iteration upper bound for all keys starting with prefix
func PrefixUpperBound(prefix []byte) []byte {
	upper := append([]byte{}, prefix...)
	for idx := len(upper) - 1; idx >= 0; idx-- {
		if upper[idx] < 0xFF {
			upper[idx]++
			return upper[:idx+1]
		}
	}
	// Prefix is all 0xFF, no upper bound
	return nil
}

// EncodeSeq encode a log sequence number
func EncodeSeq(seq uint64) []byte {
	return appendBE8(nil, seq)
}

// DecodeSeq decode a log sequence number
func DecodeSeq(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("sequence number must be 8 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SeqFromLogEntryKey extract the sequence number from a log entry key
func SeqFromLogEntryKey(key []byte) (uint64, error) {
	if len(key) < 8 {
		return 0, fmt.Errorf("log entry key too short")
	}
	return DecodeSeq(key[len(key)-8:])
}
