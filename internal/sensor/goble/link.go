package goble

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/srg/sensorlink/internal/sensor"
)

// link is the per-address connection record.
type link struct {
	address string

	mu     sync.Mutex
	state  sensor.ConnectionState
	client ble.Client
	chars  characteristics
	cancel context.CancelFunc

	cmdMu     sync.Mutex
	responses chan []byte

	dataSubscribed atomic.Bool
	notifyFlags    atomic.Uint32
	decoder        frameDecoder
}

func newLink(address string) *link {
	return &link{
		address:   address,
		state:     sensor.Disconnected,
		responses: make(chan []byte, 1),
	}
}

func (l *link) getState() sensor.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) setState(state sensor.ConnectionState) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// beginConnect claims the link for a connection attempt.
func (l *link) beginConnect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil || l.state == sensor.Connecting || l.state == sensor.Connected {
		return false
	}
	return true
}

// attach stores a connected client and returns a context that lives until
// the client is detached.
func (l *link) attach(client ble.Client, chars characteristics) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.client = client
	l.chars = chars
	l.cancel = cancel
	l.mu.Unlock()
	return ctx
}

// detach clears client if it is still the attached one. Only the first
// caller for a given client gets true.
func (l *link) detach(client ble.Client) bool {
	l.mu.Lock()
	if l.client == nil || l.client != client {
		l.mu.Unlock()
		return false
	}
	cancel := l.cancel
	l.client = nil
	l.chars = characteristics{}
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.dataSubscribed.Store(false)
	l.notifyFlags.Store(0)
	l.decoder.reset()
	return true
}

func (l *link) current() (ble.Client, characteristics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client, l.chars
}

func (l *link) addNotifyFlags(flags uint32) {
	for {
		old := l.notifyFlags.Load()
		if l.notifyFlags.CompareAndSwap(old, old|flags) {
			return
		}
	}
}

// onResponse hands a command response to the waiting command. Responses
// nobody waits for are dropped.
func (l *link) onResponse(data []byte) {
	resp := append([]byte(nil), data...)
	select {
	case l.responses <- resp:
	default:
	}
}
