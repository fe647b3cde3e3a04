package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/srg/sensorlink/internal/collector"
)

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	recordEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	recordDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR decoder mode: %v", err))
	}
}

// ErrRecorderClosed is returned by Write after Close.
var ErrRecorderClosed = errors.New("recorder closed")

// Recorder appends records to a file as a sequence of CBOR items.
// It is safe for concurrent use.
type Recorder struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewRecorder opens path for appending, creating it with 0644 if needed.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		file:    f,
		encoder: recordEncMode.NewEncoder(f),
	}, nil
}

func (r *Recorder) Write(rec collector.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}
	return r.encoder.Encode(rec)
}

// Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// RecordingReader iterates over a file written by Recorder.
type RecordingReader struct {
	file    *os.File
	decoder *cbor.Decoder
}

func OpenRecording(path string) (*RecordingReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &RecordingReader{file: f, decoder: recordDecMode.NewDecoder(f)}, nil
}

// Next returns the next record, or io.EOF at the end of the file.
func (r *RecordingReader) Next() (collector.Record, error) {
	var rec collector.Record
	if err := r.decoder.Decode(&rec); err != nil {
		if err == io.EOF {
			return collector.Record{}, io.EOF
		}
		return collector.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (r *RecordingReader) Close() error {
	return r.file.Close()
}

// ReadRecording calls fn for each record in path, stopping at the first
// error fn returns.
func ReadRecording(path string, fn func(collector.Record) error) error {
	r, err := OpenRecording(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
