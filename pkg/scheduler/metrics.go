// Copyright 2025 The wdsmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wdsmirror_fetches_total",
		Help: "Artifact fetch outcomes by family.",
	}, []string{"family", "outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wdsmirror_fetch_duration_seconds",
		Help:    "Wall time of one artifact fetch including the upstream call.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"family"})

	pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wdsmirror_pending_artifacts",
		Help: "Artifacts flagged download_pending at the start of a fetch pass.",
	}, []string{"family"})

	changesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wdsmirror_changed_cubes_total",
		Help: "Changed cubes reported by the upstream change feed.",
	})
)

const (
	outcomeFetched  = "fetched"
	outcomeNoChange = "nochange"
	outcomeFailed   = "failed"
)
