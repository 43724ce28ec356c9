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

package db

import (
	"github.com/perchdb/perch/internal/validation"
	"github.com/perchdb/perch/pkg/document"
)

// Config configures a Database.
type Config struct {
	// EncryptionKey, when set, encrypts blob files and derives the blob
	// container keys.
	EncryptionKey []byte `yaml:"-"`

	// VersionVectors selects vector-form revision IDs for new writes.
	// Databases created before the flag existed keep their tree-form
	// histories; both forms are always readable.
	VersionVectors bool `yaml:"version-vectors"`

	// MaxRevTreeDepth caps how many ancestors of a leaf keep metadata.
	MaxRevTreeDepth int `yaml:"max-rev-tree-depth" validate:"gte=0,lte=10000"`

	// ReadOnly opens the database without write access.
	ReadOnly bool `yaml:"read-only"`

	// TrackerRingSize caps the in-memory change tail per collection.
	TrackerRingSize int `yaml:"tracker-ring-size" validate:"gte=0"`

	// DocumentCacheSize caps the in-memory record cache.
	DocumentCacheSize int `yaml:"document-cache-size" validate:"gte=0"`
}

// DefaultConfig returns the configuration of a freshly created database.
// New databases default to version vectors.
func DefaultConfig() Config {
	return Config{
		VersionVectors:    true,
		MaxRevTreeDepth:   document.DefaultMaxRevTreeDepth,
		DocumentCacheSize: 256,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c)
}

func (c *Config) ensureDefaults() {
	if c.MaxRevTreeDepth == 0 {
		c.MaxRevTreeDepth = document.DefaultMaxRevTreeDepth
	}
	if c.DocumentCacheSize == 0 {
		c.DocumentCacheSize = 256
	}
}
