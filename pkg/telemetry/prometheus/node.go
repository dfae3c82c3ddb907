package prometheus

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	namespace string = "media_relay"
)

var (
	initialized atomic.Bool

	MessageCounter *prometheus.CounterVec

	promWorkerCurrent prometheus.Gauge
	promWorkerDied    prometheus.Counter
	promGoroutines    prometheus.GaugeFunc

	workerCurrent atomic.Int32
	workerDied    atomic.Int32
)

// Init registers every collector under the given node id. Metric helpers may be called before
// Init, in which case only the in-process counters are updated.
func Init(nodeID string) {
	if initialized.Load() {
		return
	}

	labels := prometheus.Labels{"node_id": nodeID}

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "signal",
			Name:        "messages",
			ConstLabels: labels,
		},
		[]string{"method", "status"},
	)

	promWorkerCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "worker",
		Name:        "total",
		ConstLabels: labels,
	})
	promWorkerDied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "worker",
		Name:        "died_total",
		ConstLabels: labels,
		Help:        "Workers that stopped unexpectedly.",
	})
	promGoroutines = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "node",
		Name:        "goroutines",
		ConstLabels: labels,
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(promWorkerCurrent)
	prometheus.MustRegister(promWorkerDied)
	prometheus.MustRegister(promGoroutines)

	initRoomStats(labels)
	initPacketStats(labels)

	promWorkerCurrent.Set(float64(workerCurrent.Load()))
	initialized.Store(true)
}

func RecordSignalMessage(method, status string) {
	if initialized.Load() {
		MessageCounter.WithLabelValues(method, status).Inc()
	}
}

func AddWorker() {
	workerCurrent.Inc()
	if initialized.Load() {
		promWorkerCurrent.Inc()
	}
}

func SubWorker() {
	workerCurrent.Dec()
	if initialized.Load() {
		promWorkerCurrent.Dec()
	}
}

func WorkerDied() {
	workerDied.Inc()
	if initialized.Load() {
		promWorkerDied.Inc()
	}
}

func WorkersDied() int32 {
	return workerDied.Load()
}
