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

	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/sensor"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for sensors",
	Long: `Scan for nearby connectable sensors and list them by signal strength.

The scan duration is capped at 30s. Sensors already connected in this
process are always listed.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, max 30s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	format := cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	duration := cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}
	duration = sensor.ClampScanDuration(duration)

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	stack, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	if !stack.discovery.IsAdapterEnabled() {
		logger.Warn("Bluetooth adapter reports disabled, scanning anyway")
	}

	progress := NewCountdownProgressPrinter("Scanning for sensors", "Scanning", duration)
	progress.Start()
	found, err := stack.discovery.StartScan(ctx, duration)
	progress.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	return displayDevices(os.Stdout, found, format)
}

func displayDevices(out io.Writer, devices []sensor.DeviceIdentity, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if devices == nil {
			devices = []sensor.DeviceIdentity{}
		}
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(out, "No sensors discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\n", name, d.Address, d.RSSI)
	}
	return w.Flush()
}
