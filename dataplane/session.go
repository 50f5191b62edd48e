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
	"context"
	"errors"
	"time"

	"github.com/alwitt/infotainer/common"
	"github.com/alwitt/infotainer/session"
	"github.com/apex/log"
)

// releaseSession unregister a transport's session handle once its connection is gone
//
// A handle displaced by a newer connection of the same session is no longer registered,
// and is not treated as a failure.
func releaseSession(
	registry session.Registry, handle common.SessionHandle, timeout time.Duration, logTags log.Fields,
) error {
	// The connection context may already be done
	ctxt, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := registry.Release(ctxt, handle)
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrSessionNotFound) {
		log.WithFields(logTags).Debug("Session already displaced by a newer connection")
		return nil
	}
	log.WithError(err).WithFields(logTags).Error("Failed to release session")
	return err
}
