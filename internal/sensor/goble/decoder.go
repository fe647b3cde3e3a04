package goble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/srg/sensorlink/internal/sensor"
)

// Notification frame types. EEG and ECG reuse the sensor.DataType codes.
const (
	frameEEG       = byte(sensor.DataTypeEEG)
	frameECG       = byte(sensor.DataTypeECG)
	frameImpedance = byte(0x20)
)

// packageIndexSpan is the modulus of the u16 package counter.
const packageIndexSpan = 1 << 16

var (
	errShortFrame   = errors.New("frame too short")
	errUnconfigured = errors.New("stream not configured")
)

// streamConfig is what the device reports for one capture stream.
type streamConfig struct {
	DataType           sensor.DataType
	SampleRate         int
	ResolutionBits     int
	ChannelMask        uint64
	ChannelCount       int
	PackageSampleCount int
	K                  float64
}

func (c streamConfig) enabledChannels() int {
	n := bits.OnesCount64(c.ChannelMask)
	if c.ChannelCount < 64 {
		n = bits.OnesCount64(c.ChannelMask & (1<<uint(c.ChannelCount) - 1))
	}
	return n
}

func (c streamConfig) bytesPerSample() int {
	return c.ResolutionBits / 8
}

type stream struct {
	cfg          streamConfig
	configured   bool
	lastIndex    int
	packageCount int
}

// frameDecoder turns raw notification frames of one device into SensorData.
// It keeps the package counters needed to detect and fill gaps, and the
// latest impedance readings which are attached to every sample.
type frameDecoder struct {
	mu         sync.Mutex
	eeg        stream
	ecg        stream
	impedance  []float32
	saturation []float32
}

func (d *frameDecoder) configure(cfg streamConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.streamFor(cfg.DataType)
	if s == nil {
		return
	}
	*s = stream{cfg: cfg, configured: true}
}

// reset clears counters and impedance readings, keeping stream configuration.
func (d *frameDecoder) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.eeg.lastIndex, d.eeg.packageCount = 0, 0
	d.ecg.lastIndex, d.ecg.packageCount = 0, 0
	d.impedance, d.saturation = nil, nil
}

func (d *frameDecoder) streamFor(t sensor.DataType) *stream {
	switch t {
	case sensor.DataTypeEEG:
		return &d.eeg
	case sensor.DataTypeECG:
		return &d.ecg
	default:
		return nil
	}
}

// Decode parses one frame. Impedance frames update the decoder and return
// (nil, nil). Sample frames return the decoded samples, preceded by zeroed
// IsLost samples for every package missing since the previous frame.
func (d *frameDecoder) Decode(frame []byte) (*sensor.SensorData, error) {
	if len(frame) < 3 {
		return nil, errShortFrame
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch frame[0] {
	case frameImpedance:
		d.decodeImpedance(frame[3:])
		return nil, nil
	case frameEEG, frameECG:
		return d.decodeSamples(sensor.DataType(frame[0]), frame)
	default:
		return nil, fmt.Errorf("unknown frame type 0x%02x", frame[0])
	}
}

// decodeImpedance reads n impedance floats followed by n saturation floats.
func (d *frameDecoder) decodeImpedance(payload []byte) {
	n := len(payload) / 4 / 2
	impedance := make([]float32, n)
	saturation := make([]float32, n)
	for i := 0; i < n; i++ {
		impedance[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		saturation[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[(n+i)*4:]))
	}
	d.impedance, d.saturation = impedance, saturation
}

func (d *frameDecoder) decodeSamples(t sensor.DataType, frame []byte) (*sensor.SensorData, error) {
	s := d.streamFor(t)
	if !s.configured {
		return nil, fmt.Errorf("%s: %w", t, errUnconfigured)
	}
	cfg := s.cfg
	if n := cfg.bytesPerSample(); n < 1 || n > 3 || cfg.ResolutionBits%8 != 0 {
		return nil, fmt.Errorf("%s: unsupported resolution %d bits", t, cfg.ResolutionBits)
	}

	payload := frame[3:]
	want := cfg.PackageSampleCount * cfg.enabledChannels() * cfg.bytesPerSample()
	if len(payload) < want {
		return nil, fmt.Errorf("%s frame: %w: have %d payload bytes, want %d", t, errShortFrame, len(payload), want)
	}

	index := int(binary.LittleEndian.Uint16(frame[1:3]))
	unwrapped := index
	if unwrapped < s.lastIndex {
		unwrapped += packageIndexSpan
	}

	out := &sensor.SensorData{
		DataType:           cfg.DataType,
		SampleRate:         cfg.SampleRate,
		ResolutionBits:     cfg.ResolutionBits,
		ChannelMask:        cfg.ChannelMask,
		ChannelCount:       cfg.ChannelCount,
		PackageSampleCount: cfg.PackageSampleCount,
		K:                  cfg.K,
		ChannelSamples:     make([][]sensor.Sample, cfg.ChannelCount),
	}

	if delta := unwrapped - s.lastIndex; delta > 1 {
		missing := delta - 1
		d.readSamples(out, s, nil, cfg.PackageSampleCount*missing)
		s.packageCount += missing
	}
	d.readSamples(out, s, payload, cfg.PackageSampleCount)

	s.lastIndex = index
	s.packageCount++
	return out, nil
}

// readSamples appends count samples per enabled channel to out. A nil
// payload produces lost samples.
func (d *frameDecoder) readSamples(out *sensor.SensorData, s *stream, payload []byte, count int) {
	cfg := s.cfg
	interval := 0
	if cfg.SampleRate > 0 {
		interval = 1000 / cfg.SampleRate
	}

	impedanceBase := 0
	if cfg.DataType == sensor.DataTypeECG && d.eeg.configured {
		impedanceBase = d.eeg.cfg.ChannelCount
	}

	sampleIndex := s.packageCount * cfg.PackageSampleCount
	offset := 0
	for i := 0; i < count; i++ {
		enabled := 0
		for ch := 0; ch < cfg.ChannelCount; ch++ {
			if cfg.ChannelMask&(1<<uint(ch)) == 0 {
				continue
			}

			sample := sensor.Sample{
				ChannelIndex: ch,
				SampleIndex:  sampleIndex,
				TimestampMs:  int64(sampleIndex) * int64(interval),
			}
			if k := impedanceBase + enabled; k < len(d.impedance) && k < len(d.saturation) {
				sample.Impedance = float64(d.impedance[k])
				sample.Saturation = float64(d.saturation[k])
			}
			enabled++

			if payload == nil {
				sample.IsLost = true
			} else {
				sample.RawData = rawValue(payload[offset:], cfg.ResolutionBits)
				sample.Data = float64(sample.RawData) * cfg.K
				offset += cfg.bytesPerSample()
			}
			out.ChannelSamples[ch] = append(out.ChannelSamples[ch], sample)
		}
		sampleIndex++
	}
}

// rawValue reads one big-endian offset-binary sample.
func rawValue(b []byte, resolution int) int {
	switch resolution {
	case 8:
		return int(b[0]) - 0x80
	case 16:
		return int(binary.BigEndian.Uint16(b)) - 0x8000
	case 24:
		return (int(b[0])<<16 | int(b[1])<<8 | int(b[2])) - 0x800000
	default:
		return 0
	}
}
