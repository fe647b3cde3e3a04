package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/sensorlink/internal/sensor"
	"github.com/srg/sensorlink/internal/sensor/goble"
	"github.com/srg/sensorlink/internal/sink"
)

// Command-level errors
var (
	// ErrConnectionLost reports a sensor link that dropped while a command
	// was still using it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotReady reports a sensor that never reached the ready state.
	ErrNotReady = errors.New("sensor did not become ready")
)

// FormatUserError turns internal errors into a one-line message with a hint
// where one helps.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off, enable it and retry"
	case errors.Is(err, goble.ErrProfileMismatch):
		return fmt.Sprintf("device is not a supported sensor (%v)", err)
	case errors.Is(err, goble.ErrCommandTimeout):
		return fmt.Sprintf("sensor did not answer in time (%v)", err)
	case errors.Is(err, sink.ErrConnectionFailed), errors.Is(err, sink.ErrInfluxUnavailable):
		return fmt.Sprintf("sink unavailable: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	}

	switch sensor.KindOf(err) {
	case sensor.Busy:
		return fmt.Sprintf("another operation is in progress: %v", err)
	case sensor.IllegalState:
		return fmt.Sprintf("sensor is not in the right state: %v", err)
	case sensor.PermissionDenied:
		return fmt.Sprintf("permission denied: %v", err)
	}

	return err.Error()
}
