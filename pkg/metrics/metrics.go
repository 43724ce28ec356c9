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

// Package metrics exposes prometheus collectors for the database and the
// replicator. The embedding application registers Registry with its own
// exposition endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every perch collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// CommitsTotal counts committed write transactions per database.
	CommitsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perch",
		Subsystem: "db",
		Name:      "commits_total",
		Help:      "The number of committed write transactions.",
	}, []string{"db"})

	// DocumentsSaved counts persisted document writes.
	DocumentsSaved = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perch",
		Subsystem: "db",
		Name:      "documents_saved_total",
		Help:      "The number of document revisions saved.",
	}, []string{"db", "collection"})

	// ReplicatorState tracks the current replicator state as a gauge,
	// one per replicator ID.
	ReplicatorState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perch",
		Subsystem: "replicator",
		Name:      "state",
		Help:      "The replicator state (0 stopped, 1 offline, 2 connecting, 3 idle, 4 busy, 5 stopping).",
	}, []string{"replicator"})

	// DocumentsPushed counts revisions accepted by the remote.
	DocumentsPushed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perch",
		Subsystem: "replicator",
		Name:      "documents_pushed_total",
		Help:      "The number of revisions pushed and acknowledged.",
	}, []string{"replicator"})

	// DocumentsPulled counts revisions inserted from the remote.
	DocumentsPulled = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perch",
		Subsystem: "replicator",
		Name:      "documents_pulled_total",
		Help:      "The number of revisions pulled and inserted.",
	}, []string{"replicator"})

	// BlobBytesTransferred counts attachment payload bytes moved in
	// either direction.
	BlobBytesTransferred = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perch",
		Subsystem: "replicator",
		Name:      "blob_bytes_total",
		Help:      "The number of attachment bytes transferred.",
	}, []string{"replicator", "direction"})
)
