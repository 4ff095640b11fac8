package observability

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/pyremote/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	pingsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pyremote",
			Subsystem: "discovery",
			Name:      "pings_total",
			Help:      "Ping broadcasts sent.",
		},
	)
	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyremote",
			Subsystem: "discovery",
			Name:      "datagrams_total",
			Help:      "Inbound discovery datagrams by outcome.",
		},
		[]string{"outcome"},
	)
	nodesKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pyremote",
			Subsystem: "discovery",
			Name:      "nodes",
			Help:      "Nodes currently in the registry, per local node id.",
		},
		[]string{"local_id"},
	)
	connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyremote",
			Subsystem: "command",
			Name:      "connects_total",
			Help:      "Command channel handshakes by outcome.",
		},
		[]string{"outcome"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pyremote",
			Subsystem: "command",
			Name:      "runs_total",
			Help:      "Commands run by exec mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pyremote",
			Subsystem: "command",
			Name:      "run_duration_seconds",
			Help:      "Time from command write to result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

// Datagram outcomes.
const (
	DatagramPong      = "pong"
	DatagramDecodeErr = "decode_error"
	DatagramFiltered  = "filtered"
	DatagramUnhandled = "unhandled"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(pingsSent, datagrams, nodesKnown, connects, commands, commandDuration)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordPing() {
	RegisterMetrics()
	pingsSent.Inc()
}

func RecordDatagram(outcome string) {
	RegisterMetrics()
	datagrams.WithLabelValues(outcome).Inc()
}

func SetNodes(localID string, n int) {
	RegisterMetrics()
	nodesKnown.WithLabelValues(localID).Set(float64(n))
}

// ForgetNodes drops the node gauge of a closed discovery channel.
func ForgetNodes(localID string) {
	RegisterMetrics()
	nodesKnown.DeleteLabelValues(localID)
}

func RecordConnect(err error) {
	RegisterMetrics()
	connects.WithLabelValues(Outcome(err)).Inc()
}

// RecordCommand counts one RunCommand call. A delivered result with
// success=false counts as "failure".
func RecordCommand(mode string, success bool, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := Outcome(err)
	if err == nil && !success {
		outcome = "failure"
	}
	commands.WithLabelValues(mode, outcome).Inc()
	if err == nil {
		commandDuration.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// Outcome maps an error to a short label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrConnectionTimeout):
		return "connect_timeout"
	case errors.Is(err, protocol.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, protocol.ErrConnectionBusy):
		return "busy"
	case errors.Is(err, protocol.ErrCancelled):
		return "cancelled"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"
	case errors.Is(err, protocol.ErrChannelClosed):
		return "closed"
	case errors.Is(err, protocol.ErrSocket):
		return "socket"
	default:
		return "error"
	}
}
