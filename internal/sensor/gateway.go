package sensor

import (
	"context"
	"time"
)

// Gateway is the transport collaborator: it owns the radio, performs GATT
// work and publishes link events. Commands block until the transport
// completes them or ctx is done.
//
// Events must be delivered in order per address. The Registry relies on it.
type Gateway interface {
	StartScan(ctx context.Context, duration time.Duration) ([]DeviceIdentity, error)
	StopScan(ctx context.Context) error
	IsScanning() bool
	IsAdapterEnabled() bool

	InitSession(ctx context.Context, address string) error
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error

	StartNotify(ctx context.Context, address string) error
	StopNotify(ctx context.Context, address string) error

	// InitEEG and InitECG configure the two capture capabilities with the
	// given sample batch size and report whether the device accepted it.
	InitEEG(ctx context.Context, address string, batchSize int) (bool, error)
	InitECG(ctx context.Context, address string, batchSize int) (bool, error)
	InitTransfer(ctx context.Context, address string) (bool, error)

	ReadBattery(ctx context.Context, address string) (int, error)
	ReadFirmwareVersion(ctx context.Context, address string) (string, error)

	// QueryState reports the link state the transport holds for address,
	// Disconnected when it has none. New sessions start from it.
	QueryState(address string) ConnectionState

	Events() <-chan Event
}

// EventType marks the kind of transport event
type EventType int

const (
	EventStateChanged EventType = iota
	EventError
	EventData
	EventDeviceList
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state"
	case EventError:
		return "error"
	case EventData:
		return "data"
	case EventDeviceList:
		return "devices"
	default:
		return "unknown"
	}
}

// Event is a transport notification. Fields beyond Type and Address are
// populated according to Type.
type Event struct {
	Type    EventType        `json:"type"`
	Address string           `json:"address,omitempty"`
	State   ConnectionState  `json:"state"`
	Message string           `json:"message,omitempty"`
	Data    *SensorData      `json:"data,omitempty"`
	Devices []DeviceIdentity `json:"devices,omitempty"`
}
