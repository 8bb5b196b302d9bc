// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/rdx/common"
)

var (
	handshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "handshakes_total",
			Help:      "Completed handshakes total, by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	retransmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "retransmits_total",
			Help:      "Packet retransmission attempts total, by packet type",
		},
		[]string{"type"},
	)

	timeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "timeouts_total",
			Help:      "reliable_send exhausted-retry timeouts total, by packet type",
		},
		[]string{"type"},
	)

	duplicateSynTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "duplicate_syn_total",
			Help:      "SYN packets suppressed as duplicates total",
		},
	)

	fatalIOTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "fatal_io_total",
			Help:      "Fatal I/O errors latched onto a stream total",
		},
	)

	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "active_streams",
			Help:      "Currently open streams",
		},
	)
)
