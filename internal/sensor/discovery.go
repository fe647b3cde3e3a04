package sensor

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MaxScanDuration bounds a single scan.
const MaxScanDuration = 30 * time.Second

// DefaultDeviceListBuffer is the number of device lists Events retains.
const DefaultDeviceListBuffer = 8

// Discovery owns the scan lifecycle: one scan at a time, permission gate,
// and merging of fresh results with already-Ready sessions.
type Discovery struct {
	gateway    Gateway
	registry   *Registry
	permission Permission
	logger     *logrus.Logger

	scanning atomic.Bool
	events   *ringchan.RingChannel[[]DeviceIdentity]
}

// NewDiscovery creates a coordinator. A nil permission marks the platform
// as exempt from runtime scan permissions.
func NewDiscovery(registry *Registry, permission Permission, logger *logrus.Logger) *Discovery {
	if logger == nil {
		logger = logrus.New()
	}
	d := &Discovery{
		gateway:    registry.Gateway(),
		registry:   registry,
		permission: permission,
		logger:     logger,
		events:     ringchan.New[[]DeviceIdentity](DefaultDeviceListBuffer),
	}
	registry.OnDeviceList(func(found []DeviceIdentity) {
		d.events.Send(d.merge(found))
	})
	return d
}

// StartScan scans for duration (clamped to [0, MaxScanDuration]) and returns
// the found devices merged with every Ready session, de-duplicated by
// address and sorted by descending signal strength.
func (d *Discovery) StartScan(ctx context.Context, duration time.Duration) ([]DeviceIdentity, error) {
	const op = "start_scan"

	if d.gateway.IsScanning() || !d.scanning.CompareAndSwap(false, true) {
		return nil, busy(op, "")
	}
	defer d.scanning.Store(false)

	if d.permission != nil {
		granted, err := d.permission.Acquire(ctx)
		if err != nil {
			return nil, &Error{Kind: PermissionDenied, Op: op, Msg: "permission request failed", Err: err}
		}
		if !granted {
			return nil, &Error{Kind: PermissionDenied, Op: op, Msg: "scan permission not granted"}
		}
	}

	duration = ClampScanDuration(duration)
	d.logger.WithField("duration", duration).Info("Starting sensor scan...")

	found, err := d.gateway.StartScan(ctx, duration)
	if err != nil {
		return nil, transportFailure(op, "", err)
	}

	result := d.merge(found)
	d.logger.WithFields(logrus.Fields{
		"found":  len(found),
		"result": len(result),
	}).Info("Sensor scan completed")

	d.events.Send(result)
	return result, nil
}

// StopScan stops an active scan; it is a no-op otherwise.
func (d *Discovery) StopScan(ctx context.Context) error {
	if !d.IsScanning() {
		return nil
	}
	if err := d.gateway.StopScan(ctx); err != nil {
		return transportFailure("stop_scan", "", err)
	}
	return nil
}

// IsScanning reports whether the transport is scanning.
func (d *Discovery) IsScanning() bool {
	return d.scanning.Load() || d.gateway.IsScanning()
}

// IsAdapterEnabled reports whether the radio is powered on.
func (d *Discovery) IsAdapterEnabled() bool {
	return d.gateway.IsAdapterEnabled()
}

// Events delivers every merged device list, newest kept when the reader lags.
func (d *Discovery) Events() <-chan []DeviceIdentity {
	return d.events.C()
}

func (d *Discovery) merge(found []DeviceIdentity) []DeviceIdentity {
	var ready []DeviceIdentity
	for _, s := range d.registry.ReadySessions() {
		ready = append(ready, s.Identity())
	}
	return MergeDevices(found, ready)
}

// MergeDevices concatenates found and connected, keeps the first entry per
// address and stable-sorts by descending RSSI.
func MergeDevices(found, connected []DeviceIdentity) []DeviceIdentity {
	byAddr := orderedmap.New[string, DeviceIdentity]()
	for _, list := range [][]DeviceIdentity{found, connected} {
		for _, id := range list {
			if _, present := byAddr.Get(id.Address); !present {
				byAddr.Set(id.Address, id)
			}
		}
	}

	out := make([]DeviceIdentity, 0, byAddr.Len())
	for pair := byAddr.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RSSI > out[j].RSSI
	})
	return out
}

// ClampScanDuration bounds d to [0, MaxScanDuration].
func ClampScanDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxScanDuration {
		return MaxScanDuration
	}
	return d
}
