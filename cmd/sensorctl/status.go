package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/sensor"
)

var statusCmd = &cobra.Command{
	Use:   "status <address>",
	Short: "Connect to a sensor and show its status",
	Long: `Connect to the sensor at <address>, wait until it is ready and print
the session snapshot with battery level and firmware version.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var (
	statusFormat string
	statusInit   bool
)

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "", "Output format (table, json)")
	statusCmd.Flags().BoolVar(&statusInit, "init", false, "Also run the capability handshake (EEG/ECG support)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	format := cfg.OutputFormat
	if statusFormat != "" {
		format = statusFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	stack, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	sess, err := stack.connect(ctx, args[0], cfg.Sensor.ReadyTimeout)
	if err != nil {
		return err
	}

	if statusInit {
		if _, err := sess.Initialize(ctx, cfg.Sensor.SampleBatchSize, 0); err != nil {
			return err
		}
	}

	// fills the caches shown by Status
	sess.BatteryPower(ctx)
	sess.FirmwareVersion(ctx)

	return displayStatus(os.Stdout, sess.Status(), format)
}

var stateColors = map[sensor.ConnectionState]*color.Color{
	sensor.Ready:         color.New(color.FgGreen, color.Bold),
	sensor.Connected:     color.New(color.FgCyan),
	sensor.Connecting:    color.New(color.FgYellow),
	sensor.Disconnecting: color.New(color.FgYellow),
	sensor.Disconnected:  color.New(color.FgRed),
	sensor.Invalid:       color.New(color.FgRed, color.Bold),
}

func coloredState(st sensor.ConnectionState) string {
	if c, ok := stateColors[st]; ok {
		return c.Sprint(st.String())
	}
	return st.String()
}

func displayStatus(out io.Writer, st sensor.Status, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	battery := "unknown"
	if st.BatteryLevel != sensor.BatteryUnknown {
		battery = fmt.Sprintf("%d%%", st.BatteryLevel)
	}
	firmware := st.Firmware
	if firmware == "" {
		firmware = "unknown"
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s\n", st.Identity)
	fmt.Fprintf(w, "State:\t%s\n", coloredState(st.State))
	fmt.Fprintf(w, "Battery:\t%s\n", battery)
	fmt.Fprintf(w, "Firmware:\t%s\n", firmware)
	fmt.Fprintf(w, "Initialized:\t%t\n", st.HasInitialized)
	fmt.Fprintf(w, "EEG:\t%t\n", st.SupportsEEG)
	fmt.Fprintf(w, "ECG:\t%t\n", st.SupportsECG)
	fmt.Fprintf(w, "Transferring:\t%t\n", st.IsTransferring)
	return w.Flush()
}
