// Package metrics exposes poller, cloud client and device gauges for
// Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trymwestin/neakasa/internal/core/poller"
	"github.com/trymwestin/neakasa/internal/core/state"
)

const namespace = "neakasa"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	devicePolls   *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	reconnects    *prometheus.CounterVec
	cycles        prometheus.Counter
	cycleFailures prometheus.Counter
	lastCycle     prometheus.Gauge
	connected     prometheus.Gauge
	apiRequests   *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
	sandPercent   *prometheus.GaugeVec
	binFull       *prometheus.GaugeVec
	wifiRSSI      *prometheus.GaugeVec
	bucketStatus  *prometheus.GaugeVec
	lastUpdate    *prometheus.GaugeVec
}

var _ poller.Recorder = (*Metrics)(nil)

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		devicePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_polls_total",
			Help:      "Device polls by result",
		}, []string{"iot_id", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_poll_duration_seconds",
			Help:      "Time to fetch and deliver one device",
			Buckets:   prometheus.DefBuckets,
		}, []string{"iot_id"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Session reconnects by result",
		}, []string{"result"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles",
		}),
		cycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycle_device_failures_total",
			Help:      "Devices that failed within a poll cycle",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_poll_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed poll cycle",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while the cloud session is up",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Cloud API requests by path and status code",
		}, []string{"path", "code"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Cloud API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		sandPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sand_level_percent",
			Help:      "Litter level in percent",
		}, []string{"iot_id"}),
		binFull: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bin_full",
			Help:      "1 when the waste bin is full",
		}, []string{"iot_id"}),
		wifiRSSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wifi_rssi_dbm",
			Help:      "Device Wi-Fi signal strength",
		}, []string{"iot_id"}),
		bucketStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bucket_status",
			Help:      "Raw bucket status code",
		}, []string{"iot_id"}),
		lastUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_update_timestamp_seconds",
			Help:      "Unix time of the last snapshot per device",
		}, []string{"iot_id"}),
	}

	m.registry.MustRegister(
		m.devicePolls, m.pollDuration, m.reconnects, m.cycles, m.cycleFailures,
		m.lastCycle, m.connected, m.apiRequests, m.apiDuration,
		m.sandPercent, m.binFull, m.wifiRSSI, m.bucketStatus, m.lastUpdate,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DevicePolled implements poller.Recorder.
func (m *Metrics) DevicePolled(iotID string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.devicePolls.WithLabelValues(iotID, result).Inc()
	m.pollDuration.WithLabelValues(iotID).Observe(d.Seconds())
}

// Reconnected implements poller.Recorder.
func (m *Metrics) Reconnected(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// CycleCompleted implements poller.Recorder.
func (m *Metrics) CycleCompleted(_ time.Duration, _ int, failed int) {
	m.cycles.Inc()
	m.cycleFailures.Add(float64(failed))
	m.lastCycle.SetToCurrentTime()
}

// Run mirrors events from bus into the device gauges until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus *state.EventBus) error {
	ch, unsub := bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			m.observe(evt)
		}
	}
}

func (m *Metrics) observe(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshot:
		d, ok := evt.Data.(state.DeviceData)
		if !ok {
			return
		}
		m.sandPercent.WithLabelValues(evt.IotID).Set(float64(d.SandLevelPercent))
		m.binFull.WithLabelValues(evt.IotID).Set(boolGauge(d.BinFullWaitReset))
		m.wifiRSSI.WithLabelValues(evt.IotID).Set(float64(d.WifiRSSI))
		m.bucketStatus.WithLabelValues(evt.IotID).Set(float64(d.BucketStatus))
		m.lastUpdate.WithLabelValues(evt.IotID).Set(float64(d.UpdatedAt.Unix()))
	case state.EventDeviceGone:
		for _, g := range []*prometheus.GaugeVec{m.sandPercent, m.binFull, m.wifiRSSI, m.bucketStatus, m.lastUpdate} {
			g.DeleteLabelValues(evt.IotID)
		}
	case state.EventConnected:
		m.connected.Set(1)
	case state.EventDisconnected:
		m.connected.Set(0)
	}
}

// Transport wraps next so every cloud request is counted and timed.
func (m *Metrics) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)
		m.apiDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		code := "error"
		if err == nil {
			code = strconv.Itoa(resp.StatusCode)
		}
		m.apiRequests.WithLabelValues(r.URL.Path, code).Inc()
		return resp, err
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
