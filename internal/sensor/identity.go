package sensor

import "fmt"

// DeviceIdentity identifies a discovered sensor. Address is the join key
// between discovery results, sessions and transport events.
type DeviceIdentity struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

func (d DeviceIdentity) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// DataType identifies the stream a SensorData frame belongs to.
type DataType uint8

const (
	DataTypeACC  DataType = 0x01
	DataTypeGYRO DataType = 0x02
	DataTypeEEG  DataType = 0x10
	DataTypeECG  DataType = 0x11
)

func (t DataType) String() string {
	switch t {
	case DataTypeACC:
		return "ACC"
	case DataTypeGYRO:
		return "GYRO"
	case DataTypeEEG:
		return "EEG"
	case DataTypeECG:
		return "ECG"
	default:
		return fmt.Sprintf("0x%02x", uint8(t))
	}
}

// Sample is one decoded value of one channel.
type Sample struct {
	RawData      int     `json:"raw_data"`
	Data         float64 `json:"data"`
	Impedance    float64 `json:"impedance"`
	Saturation   float64 `json:"saturation"`
	SampleIndex  int     `json:"sample_index"`
	ChannelIndex int     `json:"channel_index"`
	TimestampMs  int64   `json:"timestamp_ms"`
	IsLost       bool    `json:"is_lost"`
}

// SensorData is a decoded frame: per-channel sample runs of one data type.
type SensorData struct {
	DataType           DataType   `json:"data_type"`
	SampleRate         int        `json:"sample_rate"`
	ResolutionBits     int        `json:"resolution_bits"`
	ChannelMask        uint64     `json:"channel_mask"`
	ChannelCount       int        `json:"channel_count"`
	PackageSampleCount int        `json:"package_sample_count"`
	K                  float64    `json:"k"`
	ChannelSamples     [][]Sample `json:"channel_samples"`
}

// SampleCount returns the number of samples across all channels.
func (d *SensorData) SampleCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, ch := range d.ChannelSamples {
		n += len(ch)
	}
	return n
}

// LostCount returns the number of gap-filled samples across all channels.
func (d *SensorData) LostCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, ch := range d.ChannelSamples {
		for _, s := range ch {
			if s.IsLost {
				n++
			}
		}
	}
	return n
}
