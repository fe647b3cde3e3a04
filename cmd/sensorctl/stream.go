package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/collector"
	"github.com/srg/sensorlink/internal/sensor"
	"github.com/srg/sensorlink/internal/sink"
	"github.com/srg/sensorlink/pkg/config"
)

var streamCmd = &cobra.Command{
	Use:   "stream <address>",
	Short: "Stream decoded samples from a sensor",
	Long: `Connect to the sensor at <address>, run the capability handshake, start
data notifications for --duration and print per-channel summaries.

Samples can be forwarded while streaming:
  --mqtt            publish state, error and data events (broker from config)
  --influx-url      write every sample as an InfluxDB point
  --record          append frames to a CBOR file (see 'sensorctl replay')`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

var (
	streamDuration   time.Duration
	streamBatch      int
	streamBuffer     uint32
	streamFormat     string
	streamMQTT       bool
	streamMQTTBroker string
	streamInfluxURL  string
	streamRecord     string
)

func init() {
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 10*time.Second, "How long to stream")
	streamCmd.Flags().IntVar(&streamBatch, "batch", 0, "Samples per notification (default from config)")
	streamCmd.Flags().Uint32Var(&streamBuffer, "buffer", 4096, "Frames kept for the summary; oldest are dropped")
	streamCmd.Flags().StringVarP(&streamFormat, "format", "f", "", "Summary format (table, json)")
	streamCmd.Flags().BoolVar(&streamMQTT, "mqtt", false, "Publish events to MQTT")
	streamCmd.Flags().StringVar(&streamMQTTBroker, "mqtt-broker", "", "MQTT broker host (implies --mqtt)")
	streamCmd.Flags().StringVar(&streamInfluxURL, "influx-url", "", "InfluxDB URL (enables the InfluxDB sink)")
	streamCmd.Flags().StringVar(&streamRecord, "record", "", "Append frames to this CBOR file")
}

// applyStreamFlags lets command-line flags override the loaded config.
func applyStreamFlags(cfg *config.Config) {
	if streamBatch > 0 {
		cfg.Sensor.SampleBatchSize = streamBatch
	}
	if streamFormat != "" {
		cfg.OutputFormat = streamFormat
	}
	if streamMQTTBroker != "" {
		cfg.MQTT.Host = streamMQTTBroker
		cfg.MQTT.Enabled = true
	}
	if streamMQTT {
		cfg.MQTT.Enabled = true
	}
	if streamInfluxURL != "" {
		cfg.InfluxDB.URL = streamInfluxURL
		cfg.InfluxDB.Enabled = true
	}
	if streamRecord != "" {
		cfg.RecordPath = streamRecord
	}
}

// sinks holds the optional outputs of one stream run.
type sinks struct {
	mqtt     *sink.MQTTPublisher
	influx   *sink.InfluxWriter
	recorder *sink.Recorder
	logger   *logrus.Logger
}

func openSinks(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*sinks, error) {
	s := &sinks{logger: logger}

	if cfg.MQTT.Enabled {
		pub, err := sink.ConnectMQTT(cfg.MQTT.MQTTConfig, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.mqtt = pub
	}
	if cfg.InfluxDB.Enabled {
		w, err := sink.ConnectInflux(ctx, cfg.InfluxDB.InfluxConfig, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.influx = w
	}
	if cfg.RecordPath != "" {
		r, err := sink.NewRecorder(cfg.RecordPath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open recording: %w", err)
		}
		s.recorder = r
	}
	return s, nil
}

// registryOptions installs the event taps of the enabled sinks.
func (s *sinks) registryOptions() []sensor.RegistryOption {
	var opts []sensor.RegistryOption
	if s.mqtt != nil {
		opts = append(opts, sensor.WithEventTap(s.mqtt.Tap))
	}
	if s.influx != nil || s.recorder != nil {
		opts = append(opts, sensor.WithEventTap(s.tapData))
	}
	return opts
}

func (s *sinks) tapData(_ *sensor.Session, ev sensor.Event) {
	if ev.Type != sensor.EventData || ev.Data == nil {
		return
	}
	rec := collector.Record{Address: ev.Address, Timestamp: time.Now().UTC(), Data: ev.Data}
	if s.influx != nil {
		s.influx.Write(rec)
	}
	if s.recorder != nil {
		if err := s.recorder.Write(rec); err != nil {
			s.logger.WithError(err).Warn("Failed to record frame")
		}
	}
}

func (s *sinks) Close() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close recording")
		}
	}
	s.influx.Close()
	_ = s.mqtt.Close()
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	applyStreamFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if streamDuration <= 0 {
		return fmt.Errorf("--duration must be positive")
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	out, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer out.Close()

	stack, err := openStack(ctx, cfg, logger, out.registryOptions()...)
	if err != nil {
		return err
	}
	defer stack.Close()

	records := make(chan collector.Record, 256)
	col, err := collector.New(records, streamBuffer, func(err error) {
		logger.WithError(err).Error("Sample collector failed")
	})
	if err != nil {
		return err
	}
	if err := col.Start(); err != nil {
		return err
	}

	address := args[0]
	sess, err := stack.connect(ctx, address, cfg.Sensor.ReadyTimeout)
	if err != nil {
		return err
	}

	sess.OnData(func(d *sensor.SensorData) {
		select {
		case records <- collector.Record{Address: address, Timestamp: time.Now().UTC(), Data: d}:
		default:
			logger.WithField("address", address).Debug("Record channel full, frame dropped")
		}
	})

	lost := make(chan struct{})
	sess.OnStateChanged(func(st sensor.ConnectionState) {
		if st == sensor.Disconnected {
			select {
			case <-lost:
			default:
				close(lost)
			}
		}
	})

	ok, err := sess.Initialize(ctx, cfg.Sensor.SampleBatchSize, cfg.Sensor.BatteryRefresh)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sensor %s rejected the capability setup", address)
	}
	logger.WithFields(logrus.Fields{
		"address": address,
		"eeg":     sess.SupportsEEG(),
		"ecg":     sess.SupportsECG(),
	}).Info("Sensor initialized")

	if err := sess.StartDataNotification(ctx); err != nil {
		return err
	}

	progress := NewCountdownProgressPrinter(fmt.Sprintf("Streaming from %s", address), "Streaming", streamDuration)
	progress.Start()

	var streamErr error
	select {
	case <-time.After(streamDuration):
	case <-lost:
		streamErr = fmt.Errorf("%w: %s", ErrConnectionLost, address)
	case <-ctx.Done():
	}
	progress.Stop()

	if streamErr == nil && sess.State() == sensor.Ready {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Sensor.CommandTimeout)
		if err := sess.StopDataNotification(stopCtx); err != nil {
			logger.WithError(err).Warn("Failed to stop data notifications")
		}
		stopCancel()
	}

	// no listener runs after Close, so records can be closed safely
	stack.Close()
	close(records)
	col.Wait()

	summary, err := col.ConsumeSummary()
	if err != nil {
		return err
	}
	m := col.GetMetrics()
	logger.WithFields(logrus.Fields{
		"frames":      m.RecordsProcessed,
		"overwritten": m.RecordsOverwritten,
	}).Info("Stream finished")

	if err := displaySummary(os.Stdout, summary, cfg.OutputFormat); err != nil {
		return err
	}
	if streamErr == nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return streamErr
}

func displaySummary(out io.Writer, summary []collector.ChannelSummary, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if summary == nil {
			summary = []collector.ChannelSummary{}
		}
		return enc.Encode(summary)
	}

	if len(summary) == 0 {
		fmt.Fprintln(out, "No samples received")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tTYPE\tCH\tSAMPLES\tLOST\tMIN\tMAX\tMEAN")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, s := range summary {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\n",
			s.Address, s.DataType, s.Channel, s.Samples, s.Lost, s.Min, s.Max, s.Mean)
	}
	return w.Flush()
}
