package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canif/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue label values.
const (
	QueueTx = "tx"
	QueueRx = "rx"
)

// Receive drop reasons.
const (
	DropFull = "full"
	DropBusy = "busy"
)

// Prometheus collectors
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canif_rx_frames_total",
		Help: "Total received CAN frames placed into the receive queue.",
	})
	RxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canif_rx_dropped_total",
		Help: "Received frames lost because the receive queue could not take them.",
	}, []string{"reason"})
	RxFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canif_rx_filtered_total",
		Help: "Received frames discarded by the acceptance filter (extended or remote).",
	})
	RxDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canif_rx_delivered_total",
		Help: "Messages handed from the receive queue to the application.",
	})
	TxQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canif_tx_queued_total",
		Help: "Messages accepted into the transmit queue.",
	})
	TxOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canif_tx_overflow_total",
		Help: "Messages rejected because the transmit queue was full.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canif_tx_frames_total",
		Help: "Messages handed to the peripheral for transmission.",
	})
	TxComplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canif_tx_mailbox_complete_total",
		Help: "Transmit mailbox completion events.",
	})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canif_queue_depth",
		Help: "Messages currently held per queue.",
	}, []string{"queue"})
	BackendRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_rx_frames_total",
		Help: "Frames read from the CAN backend.",
	}, []string{"backend"})
	BackendTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_tx_frames_total",
		Help: "Frames written to the CAN backend.",
	}, []string{"backend"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from tap clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to tap clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrRxRead         = "rx_read"
	ErrTxSend         = "tx_send"
	ErrFIFOOverrun    = "rx_fifo_overrun"
	ErrSerialWrite    = "serial_write"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANRead  = "socketcan_read"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRxFrames    atomic.Uint64
	localRxDropped   atomic.Uint64
	localRxFiltered  atomic.Uint64
	localRxDelivered atomic.Uint64
	localTxQueued    atomic.Uint64
	localTxOverflow  atomic.Uint64
	localTxFrames    atomic.Uint64
	localTxComplete  atomic.Uint64
	localTxDepth     atomic.Int64
	localRxDepth     atomic.Int64
	localBackendRx   atomic.Uint64
	localBackendTx   atomic.Uint64
	localTCPRx       atomic.Uint64
	localTCPTx       atomic.Uint64
	localHubDrop     atomic.Uint64
	localHubKick     atomic.Uint64
	localHubReject   atomic.Uint64
	localHubClients  atomic.Uint64
	localErrors      atomic.Uint64
	localMalformed   atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxFrames    uint64
	RxDropped   uint64
	RxFiltered  uint64
	RxDelivered uint64
	TxQueued    uint64
	TxOverflow  uint64
	TxFrames    uint64
	TxComplete  uint64
	TxDepth     int64
	RxDepth     int64
	BackendRx   uint64
	BackendTx   uint64
	TCPRx       uint64
	TCPTx       uint64
	HubDrops    uint64
	HubKicks    uint64
	HubRejects  uint64
	HubClients  uint64
	Errors      uint64 // sum across error labels
	Malformed   uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:    localRxFrames.Load(),
		RxDropped:   localRxDropped.Load(),
		RxFiltered:  localRxFiltered.Load(),
		RxDelivered: localRxDelivered.Load(),
		TxQueued:    localTxQueued.Load(),
		TxOverflow:  localTxOverflow.Load(),
		TxFrames:    localTxFrames.Load(),
		TxComplete:  localTxComplete.Load(),
		TxDepth:     localTxDepth.Load(),
		RxDepth:     localRxDepth.Load(),
		BackendRx:   localBackendRx.Load(),
		BackendTx:   localBackendTx.Load(),
		TCPRx:       localTCPRx.Load(),
		TCPTx:       localTCPTx.Load(),
		HubDrops:    localHubDrop.Load(),
		HubKicks:    localHubKick.Load(),
		HubRejects:  localHubReject.Load(),
		HubClients:  localHubClients.Load(),
		Errors:      localErrors.Load(),
		Malformed:   localMalformed.Load(),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRxFrames() {
	RxFrames.Inc()
	localRxFrames.Add(1)
}

// IncRxDropped counts a received frame lost at the receive queue.
func IncRxDropped(reason string) {
	RxDropped.WithLabelValues(reason).Inc()
	localRxDropped.Add(1)
}

func IncRxFiltered() {
	RxFiltered.Inc()
	localRxFiltered.Add(1)
}

func IncRxDelivered() {
	RxDelivered.Inc()
	localRxDelivered.Add(1)
}

func IncTxQueued() {
	TxQueued.Inc()
	localTxQueued.Add(1)
}

func IncTxOverflow() {
	TxOverflow.Inc()
	localTxOverflow.Add(1)
}

func IncTxFrames() {
	TxFrames.Inc()
	localTxFrames.Add(1)
}

func IncTxComplete() {
	TxComplete.Inc()
	localTxComplete.Add(1)
}

// SetQueueDepth records the current occupancy of the tx or rx queue.
func SetQueueDepth(queue string, n int) {
	QueueDepth.WithLabelValues(queue).Set(float64(n))
	switch queue {
	case QueueTx:
		localTxDepth.Store(int64(n))
	case QueueRx:
		localRxDepth.Store(int64(n))
	}
}

func IncBackendRx(backend string) {
	BackendRxFrames.WithLabelValues(backend).Inc()
	localBackendRx.Add(1)
}

func IncBackendTx(backend string) {
	BackendTxFrames.WithLabelValues(backend).Inc()
	localBackendTx.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so dashboards see zeros before the first event.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrRxRead, ErrTxSend, ErrFIFOOverrun,
		ErrSerialWrite, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	RxDropped.WithLabelValues(DropFull).Add(0)
	RxDropped.WithLabelValues(DropBusy).Add(0)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
