/*
 * Copyright 2025 The Perch Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perchdb/perch/pkg/errors"
)

func TestStatusIdentity(t *testing.T) {
	err := errors.NotFound("document missing")
	assert.Equal(t, errors.DomainPerch, err.Domain())
	assert.Equal(t, errors.CodeNotFound, err.Code())
	assert.Equal(t, "document missing", err.Error())
}

func TestWrappedErrorsKeepIdentity(t *testing.T) {
	sentinel := errors.Busy("locked")
	wrapped := fmt.Errorf("opening store: %w", sentinel)

	assert.Equal(t, errors.CodeBusy, errors.CodeOf(wrapped))
	assert.Equal(t, errors.DomainPerch, errors.DomainOf(wrapped))
	assert.True(t, errors.Is(wrapped, sentinel))

	// Two distinct instances with the same pair match under Is.
	assert.True(t, errors.Is(fmt.Errorf("x: %w", errors.Busy("other message")), sentinel))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "busy", err: errors.Busy("locked"), transient: true},
		{name: "timeout", err: errors.Timeout("deadline"), transient: true},
		{name: "network reset", err: errors.NetworkReset("reset"), transient: true},
		{name: "unknown host", err: errors.UnknownHost("no dns"), transient: true},
		{name: "not found", err: errors.NotFound("missing"), transient: false},
		{name: "unauthorized", err: errors.Unauthorized("denied"), transient: false},
		{name: "http 503", err: errors.New(errors.DomainWebSocket, errors.Code(503), "unavailable"), transient: true},
		{name: "http 404", err: errors.New(errors.DomainWebSocket, errors.Code(404), "gone"), transient: false},
		{name: "http 429", err: errors.New(errors.DomainWebSocket, errors.Code(429), "slow down"), transient: true},
		{name: "plain error", err: fmt.Errorf("plain"), transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, errors.IsTransient(tt.err))
		})
	}
}

func TestDomainAndCodeStrings(t *testing.T) {
	assert.Equal(t, "SQLite", errors.DomainSQLite.String())
	assert.Equal(t, "conflict", errors.CodeConflict.String())
	assert.Equal(t, "code_999", errors.Code(999).String())
}
