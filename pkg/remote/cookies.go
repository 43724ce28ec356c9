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

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/perchdb/perch/pkg/db/storage"
	"github.com/perchdb/perch/pkg/errors"
)

// cookiesInfoKey is the key of the jar in the database's info store.
const cookiesInfoKey = "cookies"

// Cookie is a single stored cookie.
type Cookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	Secure  bool   `json:"secure,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

func (c Cookie) expired(now int64) bool {
	return c.Expires > 0 && c.Expires <= now
}

func (c Cookie) matches(addr Address) bool {
	domain := strings.TrimPrefix(c.Domain, ".")
	if !strings.EqualFold(addr.Host, domain) &&
		!strings.HasSuffix(strings.ToLower(addr.Host), "."+strings.ToLower(domain)) {
		return false
	}
	if c.Secure && !addr.IsSecure() {
		return false
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return strings.HasPrefix("/"+addr.Path, path) || path == "/"
}

// CookieJar stores cookies for replication endpoints and persists them
// in the database's info store. Expired cookies are pruned on load and
// save.
type CookieJar struct {
	mu      sync.Mutex
	cookies []Cookie
	store   storage.KeyStore
	now     func() int64
}

// LoadCookieJar loads the jar from the info store.
func LoadCookieJar(ctx context.Context, store storage.KeyStore) (*CookieJar, error) {
	jar := &CookieJar{
		store: store,
		now:   func() int64 { return time.Now().UnixMilli() },
	}

	rec, err := store.Get(ctx, cookiesInfoKey, storage.EntireBody)
	if errors.Is(err, storage.ErrNotFound) {
		return jar, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(rec.Body, &jar.cookies); err != nil {
		return nil, errors.Corrupt(fmt.Sprintf("cookie jar: %s", err))
	}
	jar.prune()
	return jar, nil
}

// SetCookie adds or replaces a cookie.
func (j *CookieJar) SetCookie(cookie Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i, existing := range j.cookies {
		if existing.Name == cookie.Name && existing.Domain == cookie.Domain &&
			existing.Path == cookie.Path {
			j.cookies[i] = cookie
			return
		}
	}
	j.cookies = append(j.cookies, cookie)
}

// CookiesFor returns the "Cookie" header value for the given address.
func (j *CookieJar) CookiesFor(addr Address) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	var parts []string
	for _, cookie := range j.cookies {
		if cookie.expired(now) || !cookie.matches(addr) {
			continue
		}
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; ")
}

// Save persists the jar within the transaction.
func (j *CookieJar) Save(ctx context.Context, txn storage.Transaction) error {
	j.mu.Lock()
	j.prune()
	encoded, err := json.Marshal(j.cookies)
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode cookie jar: %w", err)
	}
	return j.store.SetRaw(ctx, cookiesInfoKey, encoded, txn)
}

func (j *CookieJar) prune() {
	now := j.now()
	kept := j.cookies[:0]
	for _, cookie := range j.cookies {
		if !cookie.expired(now) {
			kept = append(kept, cookie)
		}
	}
	j.cookies = kept
}
