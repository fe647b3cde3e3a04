// Package collector buffers decoded sample frames between session data
// listeners and slower consumers (terminal summaries, sinks).
package collector

import (
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/sensorlink/internal/sensor"
)

// Record is one data frame received from one sensor.
type Record struct {
	Address   string             `json:"address" cbor:"address"`
	Timestamp time.Time          `json:"timestamp" cbor:"timestamp"`
	Data      *sensor.SensorData `json:"data" cbor:"data"`
}

// Metrics are updated lock-free; read them with SampleCollector.GetMetrics.
type Metrics struct {
	RecordsProcessed   int64
	ErrorsOccurred     int64
	RecordsOverwritten int64
}

func (m *Metrics) incProcessed()           { atomic.AddInt64(&m.RecordsProcessed, 1) }
func (m *Metrics) incErrors()              { atomic.AddInt64(&m.ErrorsOccurred, 1) }
func (m *Metrics) addOverwritten(n uint32) { atomic.AddInt64(&m.RecordsOverwritten, int64(n)) }

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		RecordsProcessed:   atomic.LoadInt64(&m.RecordsProcessed),
		ErrorsOccurred:     atomic.LoadInt64(&m.ErrorsOccurred),
		RecordsOverwritten: atomic.LoadInt64(&m.RecordsOverwritten),
	}
}

func (m *Metrics) reset() {
	atomic.StoreInt64(&m.RecordsProcessed, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
}

// SampleCollector drains a Record channel into an overlapped ring buffer.
// When consumers fall behind, the oldest records are overwritten.
//
// All methods are thread-safe.
type SampleCollector struct {
	input   <-chan Record
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	stop    chan struct{}
	done    chan struct{}
	onError func(error)
	metrics Metrics
	state   uint32
}

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping

	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// New creates a collector reading from ch. onError is called on unexpected
// buffer errors; nil panics instead.
func New(ch <-chan Record, bufferSize uint32, onError func(error)) (*SampleCollector, error) {
	if ch == nil {
		return nil, fmt.Errorf("input channel cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("SampleCollector: %v", err))
		}
	}

	return &SampleCollector{
		input:   ch,
		buffer:  mpmc.NewOverlappedRingBuffer[Record](bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
		state:   StateNotRunning,
	}, nil
}

// Start launches the collecting goroutine and returns once it runs.
func (c *SampleCollector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, StateNotRunning, StateRunning) {
		switch st := atomic.LoadUint32(&c.state); st {
		case StateRunning:
			return fmt.Errorf("collector is already running")
		case StateStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state %d", st)
		}
	}

	// fresh channels per cycle so a restart never closes a closed channel
	stop, done := make(chan struct{}), make(chan struct{})
	c.stop, c.done = stop, done
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			atomic.StoreUint32(&c.state, StateNotRunning)
			close(done)
		}()
		for {
			select {
			case <-stop:
				return
			case rec, ok := <-c.input:
				if !ok {
					return
				}
				overwrites, err := c.buffer.EnqueueM(rec)
				if err != nil {
					c.metrics.incErrors()
					c.onError(fmt.Errorf("unexpected buffer.Enqueue error: %w", err))
					return
				}
				c.metrics.addOverwritten(overwrites)
				c.metrics.incProcessed()
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(stop)
		<-done
		return fmt.Errorf("collector failed to start within 1s timeout")
	}
}

// Stop ends collection. Buffered records stay available to ConsumeRecords.
func (c *SampleCollector) Stop() error {
	if atomic.CompareAndSwapUint32(&c.state, StateRunning, StateStopping) {
		close(c.stop)
	} else {
		switch st := atomic.LoadUint32(&c.state); st {
		case StateNotRunning:
			return nil
		case StateStopping:
		default:
			return fmt.Errorf("collector is in unknown state %d", st)
		}
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("stop completed but exceeded 5s timeout")
	}
}

// Wait blocks until the collecting goroutine exits, e.g. after the input
// channel is closed.
func (c *SampleCollector) Wait() {
	if atomic.LoadUint32(&c.state) == StateNotRunning {
		return
	}
	<-c.done
}

func (c *SampleCollector) GetState() uint32 {
	return atomic.LoadUint32(&c.state)
}

// GetMetrics returns a copy of the current metrics
func (c *SampleCollector) GetMetrics() Metrics {
	return c.metrics.snapshot()
}

func (c *SampleCollector) ResetMetrics() {
	c.metrics.reset()
}

// ConsumerFunc consumes buffered records.
//
// For rec != nil, return the zero T to keep going or a non-zero T to stop
// early with that result. A final call with rec == nil asks for the
// accumulated result.
type ConsumerFunc[T any] func(rec *Record) (T, error)

// ConsumeRecords drains the buffer into consumer. See ConsumerFunc.
func ConsumeRecords[T any](c *SampleCollector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("buffer dequeue error: %w", err)
		}

		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZeroValue(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

func isZeroValue[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// ChannelSummary aggregates one channel of one stream of one sensor.
type ChannelSummary struct {
	Address  string          `json:"address"`
	DataType sensor.DataType `json:"data_type"`
	Channel  int             `json:"channel"`
	Samples  int             `json:"samples"`
	Lost     int             `json:"lost"`
	Min      float64         `json:"min"`
	Max      float64         `json:"max"`
	Mean     float64         `json:"mean"`
}

type summaryKey struct {
	address  string
	dataType sensor.DataType
	channel  int
}

// SummaryConsumerFunc returns a ConsumerFunc that reduces all records to
// per-channel statistics, sorted by address, data type and channel. Lost
// samples are counted but excluded from min, max and mean.
func SummaryConsumerFunc() ConsumerFunc[[]ChannelSummary] {
	acc := map[summaryKey]*ChannelSummary{}
	sums := map[summaryKey]float64{}

	return func(rec *Record) ([]ChannelSummary, error) {
		if rec == nil {
			out := make([]ChannelSummary, 0, len(acc))
			for k, s := range acc {
				if n := s.Samples - s.Lost; n > 0 {
					s.Mean = sums[k] / float64(n)
				}
				out = append(out, *s)
			}
			sort.Slice(out, func(i, j int) bool {
				a, b := out[i], out[j]
				if a.Address != b.Address {
					return a.Address < b.Address
				}
				if a.DataType != b.DataType {
					return a.DataType < b.DataType
				}
				return a.Channel < b.Channel
			})
			return out, nil
		}
		if rec.Data == nil {
			return nil, nil
		}

		for ch, samples := range rec.Data.ChannelSamples {
			if len(samples) == 0 {
				continue
			}
			k := summaryKey{rec.Address, rec.Data.DataType, ch}
			s, ok := acc[k]
			if !ok {
				s = &ChannelSummary{Address: rec.Address, DataType: rec.Data.DataType, Channel: ch}
				acc[k] = s
			}
			for _, smp := range samples {
				s.Samples++
				if smp.IsLost {
					s.Lost++
					continue
				}
				if s.Samples-s.Lost == 1 || smp.Data < s.Min {
					s.Min = smp.Data
				}
				if s.Samples-s.Lost == 1 || smp.Data > s.Max {
					s.Max = smp.Data
				}
				sums[k] += smp.Data
			}
		}
		return nil, nil
	}
}

// ConsumeSummary drains the buffer into per-channel statistics.
func (c *SampleCollector) ConsumeSummary() ([]ChannelSummary, error) {
	return ConsumeRecords(c, SummaryConsumerFunc())
}
