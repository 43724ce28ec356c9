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

package remote_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/db"
	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/remote"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		want  remote.Address
		valid bool
	}{
		{
			name:  "plain",
			url:   "ws://db.example.com/mydb",
			want:  remote.Address{Scheme: "ws", Host: "db.example.com", Port: 80, DBName: "mydb"},
			valid: true,
		},
		{
			name:  "secure with port and path",
			url:   "wss://db.example.com:4984/buckets/mydb",
			want:  remote.Address{Scheme: "wss", Host: "db.example.com", Port: 4984, Path: "buckets", DBName: "mydb"},
			valid: true,
		},
		{name: "http scheme", url: "http://x/db", valid: false},
		{name: "missing db name", url: "ws://x/", valid: false},
		{name: "missing host", url: "ws:///db", valid: false},
		{name: "bad port", url: "ws://x:70000/db", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := remote.ParseAddress(tt.url)
			if !tt.valid {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestAddressURL(t *testing.T) {
	addr, err := remote.ParseAddress("wss://h:4984/a/b/mydb")
	require.NoError(t, err)
	assert.Equal(t, "wss://h:4984/a/b/mydb", addr.URL())
	assert.True(t, addr.IsSecure())

	addr, err = remote.ParseAddress("ws://h/mydb")
	require.NoError(t, err)
	assert.Equal(t, "ws://h/mydb", addr.URL())
	assert.False(t, addr.IsSecure())
}

func TestCookieJarPersistence(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "jar"), db.DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = database.Close() }()

	info, err := database.InfoStore()
	require.NoError(t, err)

	jar, err := remote.LoadCookieJar(ctx, info)
	require.NoError(t, err)

	jar.SetCookie(remote.Cookie{Name: "session", Value: "abc", Domain: "example.com"})
	jar.SetCookie(remote.Cookie{Name: "stale", Value: "x", Domain: "example.com", Expires: 1})

	err = database.WithTransaction(ctx, func(txn storage.Transaction) error {
		return jar.Save(ctx, txn)
	})
	require.NoError(t, err)

	reloaded, err := remote.LoadCookieJar(ctx, info)
	require.NoError(t, err)

	addr, err := remote.ParseAddress("ws://example.com/db")
	require.NoError(t, err)
	assert.Equal(t, "session=abc", reloaded.CookiesFor(addr))

	// Cookies match subdomains of their domain, and secure cookies stay
	// off insecure connections.
	sub, err := remote.ParseAddress("ws://sync.example.com/db")
	require.NoError(t, err)
	assert.Equal(t, "session=abc", reloaded.CookiesFor(sub))

	other, err := remote.ParseAddress("ws://elsewhere.net/db")
	require.NoError(t, err)
	assert.Empty(t, reloaded.CookiesFor(other))

	jar.SetCookie(remote.Cookie{Name: "tls", Value: "1", Domain: "example.com", Secure: true})
	assert.NotContains(t, jar.CookiesFor(addr), "tls=1")
}
