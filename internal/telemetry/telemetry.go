// Package telemetry exports device snapshots and cat visits to InfluxDB.
//
// Writes are non-blocking and batched by the InfluxDB client. The exporter
// follows the event bus, so a slow or unreachable database never delays a
// poll cycle.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/trymwestin/neakasa/internal/core/state"
)

// Default timeouts for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = time.Second
)

var (
	// ErrConnectionFailed is returned when the server cannot be reached at startup.
	ErrConnectionFailed = errors.New("telemetry: influxdb connection failed")
)

// Config holds the InfluxDB connection settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

// pointWriter is the part of the InfluxDB write API the exporter uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Exporter writes telemetry points for every event on the bus.
type Exporter struct {
	client influxdb2.Client
	w      pointWriter
	log    *slog.Logger

	mu        sync.Mutex
	lastVisit map[string]int64 // newest exported visit end time per device
}

// Connect creates the client, verifies the server with a ping and sets up
// the non-blocking write API.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Exporter, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush.Milliseconds())),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn("influxdb write failed", "error", err)
		}
	}()

	e := newExporter(writeAPI, log)
	e.client = client
	return e, nil
}

func newExporter(w pointWriter, log *slog.Logger) *Exporter {
	return &Exporter{
		w:         w,
		log:       log,
		lastVisit: make(map[string]int64),
	}
}

// Run exports events from bus until ctx is done.
func (e *Exporter) Run(ctx context.Context, bus *state.EventBus) error {
	ch, unsub := bus.Subscribe(128)
	defer unsub()

	e.log.Info("telemetry export started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			e.handle(evt)
		}
	}
}

// Close flushes pending writes and closes the client.
func (e *Exporter) Close() error {
	e.w.Flush()
	if e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Exporter) handle(evt state.Event) {
	switch evt.Type {
	case state.EventSnapshot:
		d, ok := evt.Data.(state.DeviceData)
		if !ok {
			e.log.Warn("unexpected data type for snapshot", "iot_id", evt.IotID)
			return
		}
		e.w.WritePoint(snapshotPoint(evt.IotID, d, evt.Timestamp))
		for _, p := range e.newVisits(evt.IotID, d) {
			e.w.WritePoint(p)
		}

	case state.EventConnected, state.EventDisconnected:
		e.w.WritePoint(write.NewPoint("neakasa_session",
			nil,
			map[string]interface{}{"connected": evt.Type == state.EventConnected},
			evt.Timestamp,
		))

	case state.EventDeviceGone:
		e.mu.Lock()
		delete(e.lastVisit, evt.IotID)
		e.mu.Unlock()
	}
}

// newVisits returns points for the visits newer than the last exported one.
func (e *Exporter) newVisits(iotID string, d state.DeviceData) []*write.Point {
	e.mu.Lock()
	defer e.mu.Unlock()

	since := e.lastVisit[iotID]
	points, newest := visitPoints(iotID, d, since)
	if newest > since {
		e.lastVisit[iotID] = newest
	}
	return points
}

// snapshotPoint is one row of device state.
func snapshotPoint(iotID string, d state.DeviceData, ts time.Time) *write.Point {
	if ts.IsZero() {
		ts = d.UpdatedAt
	}
	return write.NewPoint(
		"neakasa_device",
		map[string]string{
			"iot_id": iotID,
		},
		map[string]interface{}{
			"sand_percent":  d.SandLevelPercent,
			"sand_state":    state.SandLevelName(d.SandLevelState),
			"bucket_status": state.BucketStatusName(d.BucketStatus),
			"bin_state":     state.BinStateName(d.RoomOfBin),
			"bin_full":      d.BinFullWaitReset,
			"wifi_rssi":     d.WifiRSSI,
			"stay_time":     d.StayTime,
			"auto_clean":    d.AutoClean(),
		},
		ts,
	)
}

// visitPoints returns one point per visit that ended after since, and the
// newest end time seen.
func visitPoints(iotID string, d state.DeviceData, since int64) ([]*write.Point, int64) {
	var points []*write.Point
	newest := since
	for _, r := range d.Records {
		if r.EndTime <= since {
			continue
		}
		if r.EndTime > newest {
			newest = r.EndTime
		}
		cat := d.CatName(r.CatID)
		if cat == "" {
			cat = r.CatID
		}
		points = append(points, write.NewPoint(
			"neakasa_visit",
			map[string]string{
				"iot_id": iotID,
				"cat":    cat,
			},
			map[string]interface{}{
				"weight":   r.Weight,
				"duration": r.EndTime - r.StartTime,
			},
			time.Unix(r.EndTime, 0),
		))
	}
	return points, newest
}
