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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	roomCurrent      atomic.Int32
	peerCurrent      atomic.Int32
	transportCurrent atomic.Int32
	producerCurrent  atomic.Int32
	consumerCurrent  atomic.Int32

	promRoomCurrent      prometheus.Gauge
	promRoomDuration     prometheus.Histogram
	promPeerCurrent      prometheus.Gauge
	promTransportCurrent *prometheus.GaugeVec
	promProducerCurrent  *prometheus.GaugeVec
	promConsumerCurrent  *prometheus.GaugeVec
	promConsumeCounter   *prometheus.CounterVec
)

func initRoomStats(labels prometheus.Labels) {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: labels,
	})
	promRoomDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "room",
		Name:        "duration_seconds",
		ConstLabels: labels,
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 5 * 60 * 60, 10 * 60 * 60,
		},
	})
	promPeerCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "peer",
		Name:        "total",
		ConstLabels: labels,
	})
	promTransportCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "transport",
		Name:        "total",
		ConstLabels: labels,
	}, []string{"direction"})
	promProducerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "producer",
		Name:        "total",
		ConstLabels: labels,
	}, []string{"kind"})
	promConsumerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "consumer",
		Name:        "total",
		ConstLabels: labels,
	}, []string{"kind"})
	promConsumeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "consumer",
		Name:        "consume_counter",
		ConstLabels: labels,
	}, []string{"state"})

	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promRoomDuration)
	prometheus.MustRegister(promPeerCurrent)
	prometheus.MustRegister(promTransportCurrent)
	prometheus.MustRegister(promProducerCurrent)
	prometheus.MustRegister(promConsumerCurrent)
	prometheus.MustRegister(promConsumeCounter)

	promRoomCurrent.Set(float64(roomCurrent.Load()))
	promPeerCurrent.Set(float64(peerCurrent.Load()))
}

func RoomStarted() {
	roomCurrent.Inc()
	if initialized.Load() {
		promRoomCurrent.Add(1)
	}
}

func RoomEnded(startedAt time.Time) {
	roomCurrent.Dec()
	if initialized.Load() {
		if !startedAt.IsZero() {
			promRoomDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
		}
		promRoomCurrent.Sub(1)
	}
}

func AddPeer() {
	peerCurrent.Inc()
	if initialized.Load() {
		promPeerCurrent.Add(1)
	}
}

func SubPeer() {
	peerCurrent.Dec()
	if initialized.Load() {
		promPeerCurrent.Sub(1)
	}
}

func AddTransport(direction string) {
	transportCurrent.Inc()
	if initialized.Load() {
		promTransportCurrent.WithLabelValues(direction).Add(1)
	}
}

func SubTransport(direction string) {
	transportCurrent.Dec()
	if initialized.Load() {
		promTransportCurrent.WithLabelValues(direction).Sub(1)
	}
}

func AddProducer(kind string) {
	producerCurrent.Inc()
	if initialized.Load() {
		promProducerCurrent.WithLabelValues(kind).Add(1)
	}
}

func SubProducer(kind string) {
	producerCurrent.Dec()
	if initialized.Load() {
		promProducerCurrent.WithLabelValues(kind).Sub(1)
	}
}

func AddConsumer(kind string) {
	consumerCurrent.Inc()
	if initialized.Load() {
		promConsumerCurrent.WithLabelValues(kind).Add(1)
		promConsumeCounter.WithLabelValues("created").Inc()
	}
}

func SubConsumer(kind string) {
	consumerCurrent.Dec()
	if initialized.Load() {
		promConsumerCurrent.WithLabelValues(kind).Sub(1)
	}
}

// RecordConsumeSkipped counts producers left out of a consume request because of incompatible capabilities.
func RecordConsumeSkipped() {
	if initialized.Load() {
		promConsumeCounter.WithLabelValues("incompatible").Inc()
	}
}

type Snapshot struct {
	Rooms      int32
	Peers      int32
	Transports int32
	Producers  int32
	Consumers  int32
	Workers    int32
}

func GetSnapshot() Snapshot {
	return Snapshot{
		Rooms:      roomCurrent.Load(),
		Peers:      peerCurrent.Load(),
		Transports: transportCurrent.Load(),
		Producers:  producerCurrent.Load(),
		Consumers:  consumerCurrent.Load(),
		Workers:    workerCurrent.Load(),
	}
}
