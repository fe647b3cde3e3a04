package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/collector"
	"github.com/srg/sensorlink/internal/sensor"
)

// Measurement is the InfluxDB measurement every sample is written to.
const Measurement = "biosignal"

var ErrInfluxUnavailable = errors.New("influxdb: connection failed")

// InfluxConfig selects the server, the target bucket and batching.
type InfluxConfig struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	Org             string `yaml:"org" default:"sensorlink"`
	Bucket          string `yaml:"bucket" default:"biosignals"`
	BatchSize       uint   `yaml:"batch_size" default:"500"`
	FlushIntervalMs uint   `yaml:"flush_interval_ms" default:"1000"`
}

// InfluxWriter writes every decoded sample as one point. Writes are
// batched and sent asynchronously by the client; failures are logged.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *logrus.Logger

	mu      sync.Mutex
	origins map[streamKey]time.Time
}

type streamKey struct {
	address  string
	dataType sensor.DataType
}

// ConnectInflux creates the client and checks the server is reachable.
func ConnectInflux(ctx context.Context, cfg InfluxConfig, logger *logrus.Logger) (*InfluxWriter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(cfg.FlushIntervalMs)
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrInfluxUnavailable, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("%w: ping to %s failed", ErrInfluxUnavailable, cfg.URL)
	}

	w := &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
		origins:  make(map[streamKey]time.Time),
	}
	go w.handleWriteErrors(w.writeAPI.Errors())
	return w, nil
}

func (w *InfluxWriter) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		w.logger.WithError(err).Warn("InfluxDB write failed")
	}
}

// Write queues the samples of one record.
func (w *InfluxWriter) Write(rec collector.Record) {
	if rec.Data == nil {
		return
	}
	for _, p := range SamplePoints(w.origin(rec), rec) {
		w.writeAPI.WritePoint(p)
	}
}

// origin anchors a stream's sample timestamps to wall-clock time at its
// first record. Lost samples keep the timeline continuous after that.
func (w *InfluxWriter) origin(rec collector.Record) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := streamKey{rec.Address, rec.Data.DataType}
	if t, ok := w.origins[key]; ok {
		return t
	}
	t := rec.Timestamp.Add(-time.Duration(firstTimestampMs(rec.Data)) * time.Millisecond)
	w.origins[key] = t
	return t
}

func firstTimestampMs(d *sensor.SensorData) int64 {
	for _, ch := range d.ChannelSamples {
		if len(ch) > 0 {
			return ch[0].TimestampMs
		}
	}
	return 0
}

// SamplePoints converts a record into points, one per sample. Lost samples
// carry only the lost flag.
func SamplePoints(origin time.Time, rec collector.Record) []*write.Point {
	if rec.Data == nil {
		return nil
	}

	points := make([]*write.Point, 0, rec.Data.SampleCount())
	dataType := rec.Data.DataType.String()
	for _, ch := range rec.Data.ChannelSamples {
		for _, s := range ch {
			tags := map[string]string{
				"address":   rec.Address,
				"data_type": dataType,
				"channel":   strconv.Itoa(s.ChannelIndex),
			}
			fields := map[string]interface{}{
				"lost":         s.IsLost,
				"sample_index": s.SampleIndex,
			}
			if !s.IsLost {
				fields["value"] = s.Data
				fields["raw"] = s.RawData
				fields["impedance"] = s.Impedance
				fields["saturation"] = s.Saturation
			}
			ts := origin.Add(time.Duration(s.TimestampMs) * time.Millisecond)
			points = append(points, write.NewPoint(Measurement, tags, fields, ts))
		}
	}
	return points
}

// Close flushes pending points and releases the client. Safe on nil.
func (w *InfluxWriter) Close() {
	if w == nil || w.client == nil {
		return
	}
	w.writeAPI.Flush()
	w.client.Close()
}
