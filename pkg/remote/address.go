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

// Package remote provides helpers for addressing replication peers: URL
// parsing and the persistent cookie jar.
package remote

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/perchdb/perch/pkg/errors"
)

// Address identifies a remote replication endpoint.
type Address struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	DBName string
}

// ParseAddress parses a replication URL of the form
// ws[s]://host[:port]/path/dbname.
func ParseAddress(rawURL string) (Address, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Address{}, errors.InvalidArgument(fmt.Sprintf("replication url %q: %s", rawURL, err))
	}

	addr := Address{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	switch addr.Scheme {
	case "ws":
		addr.Port = 80
	case "wss":
		addr.Port = 443
	default:
		return Address{}, errors.InvalidArgument(fmt.Sprintf(
			"replication url %q: scheme must be ws or wss", rawURL))
	}
	if addr.Host == "" {
		return Address{}, errors.InvalidArgument(fmt.Sprintf("replication url %q: missing host", rawURL))
	}

	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return Address{}, errors.InvalidArgument(fmt.Sprintf("replication url %q: bad port", rawURL))
		}
		addr.Port = n
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return Address{}, errors.InvalidArgument(fmt.Sprintf(
			"replication url %q: missing database name", rawURL))
	}
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		addr.Path = path[:idx]
		addr.DBName = path[idx+1:]
	} else {
		addr.DBName = path
	}
	return addr, nil
}

// URL returns the canonical form of the address.
func (a Address) URL() string {
	host := a.Host
	if (a.Scheme == "ws" && a.Port != 80) || (a.Scheme == "wss" && a.Port != 443) {
		host = fmt.Sprintf("%s:%d", a.Host, a.Port)
	}

	path := a.DBName
	if a.Path != "" {
		path = a.Path + "/" + a.DBName
	}
	return fmt.Sprintf("%s://%s/%s", a.Scheme, host, path)
}

// IsSecure reports whether the address uses TLS.
func (a Address) IsSecure() bool {
	return a.Scheme == "wss"
}
