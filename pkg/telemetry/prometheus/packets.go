// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64

	promPacketLabels = []string{"direction"}

	promPacketTotal *prometheus.CounterVec
	promPacketBytes *prometheus.CounterVec
	promPliTotal    *prometheus.CounterVec
)

func initPacketStats(labels prometheus.Labels) {
	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: labels,
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: labels,
	}, promPacketLabels)
	promPliTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "pli",
		Name:        "total",
		ConstLabels: labels,
	}, promPacketLabels)

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
	prometheus.MustRegister(promPliTotal)
}

func IncrementPackets(direction Direction, count uint64, size uint64) {
	if direction == Incoming {
		packetsIn.Add(count)
		bytesIn.Add(size)
	} else {
		packetsOut.Add(count)
		bytesOut.Add(size)
	}
	if initialized.Load() {
		promPacketTotal.WithLabelValues(string(direction)).Add(float64(count))
		promPacketBytes.WithLabelValues(string(direction)).Add(float64(size))
	}
}

func IncrementPLI(direction Direction) {
	if initialized.Load() {
		promPliTotal.WithLabelValues(string(direction)).Inc()
	}
}

func PacketTotals() (in, out uint64) {
	return packetsIn.Load(), packetsOut.Load()
}
