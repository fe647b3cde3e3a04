package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/sensorlink/internal/collector"
	"github.com/srg/sensorlink/internal/sink"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Print a CBOR recording made with 'stream --record'",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

var (
	replayFrames  bool
	replayAddress string
	replayFormat  string
)

func init() {
	replayCmd.Flags().BoolVar(&replayFrames, "frames", false, "Print every frame as a JSON line instead of a summary")
	replayCmd.Flags().StringVar(&replayAddress, "address", "", "Only replay frames from this sensor")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "table", "Summary format (table, json)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayFormat != "table" && replayFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", replayFormat)
	}
	cmd.SilenceUsage = true

	return replay(os.Stdout, args[0], replayAddress, replayFrames, replayFormat)
}

func replay(out io.Writer, path, address string, frames bool, format string) error {
	enc := json.NewEncoder(out)
	summarize := collector.SummaryConsumerFunc()

	err := sink.ReadRecording(path, func(rec collector.Record) error {
		if address != "" && rec.Address != address {
			return nil
		}
		if frames {
			return enc.Encode(rec)
		}
		_, err := summarize(&rec)
		return err
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}
	if frames {
		return nil
	}

	summary, err := summarize(nil)
	if err != nil {
		return err
	}
	return displaySummary(out, summary, format)
}
