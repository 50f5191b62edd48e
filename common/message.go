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

package common

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Publication one message submitted to a subscription
type Publication struct {
	// ID is the globally unique publication ID
	ID string `json:"id" validate:"required"`
	// Subscription is the subscription the publication was submitted to
	Subscription string `json:"subscription" validate:"required"`
	// Payload is the opaque publication content
	Payload []byte `json:"payload"`
	// CreatedAt is when the broker accepted the publication
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionMeta descriptive metadata of a subscription
type SubscriptionMeta struct {
	Name      string    `json:"name" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
}

// Scan implements the sql.Scanner interface
func (r *SubscriptionMeta) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r SubscriptionMeta) Value() (driver.Value, error) {
	return json.Marshal(&r)
}

// DataLogEntry a group of publications read back from a subscription's log
type DataLogEntry struct {
	Subscription string        `json:"subscription"`
	Publications []Publication `json:"publications"`
}

// PublicationIDs list the IDs of the publications in the entry
func (e DataLogEntry) PublicationIDs() []string {
	result := make([]string, len(e.Publications))
	for idx, pub := range e.Publications {
		result[idx] = pub.ID
	}
	return result
}

// LogSelector describes which publications of a subscription's log to read
//
// The set of selectors is closed: SelectByID, SelectLatest, and SelectHistory.
type LogSelector interface {
	isLogSelector()
}

// SelectByID select specific publications by ID
type SelectByID struct {
	IDs []string `validate:"required,min=1,dive,required"`
}

// SelectLatest select the newest Count publications
type SelectLatest struct {
	Count int `validate:"gte=1"`
}

// SelectHistory select every publication in the log
type SelectHistory struct{}

func (SelectByID) isLogSelector()    {}
func (SelectLatest) isLogSelector()  {}
func (SelectHistory) isLogSelector() {}
