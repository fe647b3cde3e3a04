// Package goble implements sensor.Gateway on top of github.com/go-ble/ble.
//
// One Gateway owns the host adapter. Each device address gets a link that
// holds the GATT client, the resolved characteristics and the frame decoder.
// Link state changes, device errors and decoded frames are published on
// Events in the order they happen for a given address.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/sensor"
)

// DeviceFactory creates the host ble.Device (can be overridden in tests)
var DeviceFactory = newPlatformDevice

var (
	batteryServiceUUID = ble.UUID16(0x180F)
	batteryLevelUUID   = ble.UUID16(0x2A19)
	deviceInfoUUID     = ble.UUID16(0x180A)
	firmwareRevUUID    = ble.UUID16(0x2A26)
)

// Options configures a Gateway. Zero fields take the default tag value.
type Options struct {
	CommandTimeout  time.Duration `default:"50s"`
	ConnectTimeout  time.Duration `default:"20s"`
	EventBuffer     int           `default:"256"`
	AllowDuplicates bool          `default:"true"`

	ServiceUUID string `default:"f000ffd0-0451-4000-b000-000000000000"`
	CommandUUID string `default:"f000ffd1-0451-4000-b000-000000000000"`
	DataUUID    string `default:"f000ffd2-0451-4000-b000-000000000000"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Gateway is the go-ble transport for sensor sessions.
type Gateway struct {
	opts   Options
	logger *logrus.Logger

	serviceUUID ble.UUID
	commandUUID ble.UUID
	dataUUID    ble.UUID

	devMu sync.Mutex
	dev   ble.Device

	links *hashmap.Map[string, *link]

	scanning   atomic.Bool
	scanMu     sync.Mutex
	scanCancel context.CancelFunc

	events    chan sensor.Event
	done      chan struct{}
	emitMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

var _ sensor.Gateway = (*Gateway)(nil)

// New creates a Gateway. The host adapter is opened lazily on first use.
func New(opts *Options, logger *logrus.Logger) (*Gateway, error) {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	g := &Gateway{
		opts:   o,
		logger: logger,
		links:  hashmap.New[string, *link](),
		events: make(chan sensor.Event, o.EventBuffer),
		done:   make(chan struct{}),
	}

	var err error
	if g.serviceUUID, err = ble.Parse(o.ServiceUUID); err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", o.ServiceUUID, err)
	}
	if g.commandUUID, err = ble.Parse(o.CommandUUID); err != nil {
		return nil, fmt.Errorf("invalid command UUID %q: %w", o.CommandUUID, err)
	}
	if g.dataUUID, err = ble.Parse(o.DataUUID); err != nil {
		return nil, fmt.Errorf("invalid data UUID %q: %w", o.DataUUID, err)
	}
	return g, nil
}

// Events returns the transport event stream. It is closed by Close.
func (g *Gateway) Events() <-chan sensor.Event {
	return g.events
}

// Close disconnects every link and closes the event stream. Commands
// issued afterwards fail with ErrClosed.
func (g *Gateway) Close() error {
	var errs []error
	g.closeOnce.Do(func() {
		close(g.done)
		g.stopScan()
		g.links.Range(func(addr string, _ *link) bool {
			if err := g.Disconnect(context.Background(), addr); err != nil {
				errs = append(errs, err)
			}
			return true
		})

		g.emitMu.Lock()
		g.closed = true
		close(g.events)
		g.emitMu.Unlock()
	})
	return errors.Join(errs...)
}

// device returns the host adapter, opening it on first use. Failures are
// not cached so a later call can succeed once the radio is back.
func (g *Gateway) device() (ble.Device, error) {
	g.devMu.Lock()
	defer g.devMu.Unlock()

	if g.dev != nil {
		return g.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	g.dev = dev
	return dev, nil
}

// checkOpen returns ErrClosed once Close has started.
func (g *Gateway) checkOpen() error {
	select {
	case <-g.done:
		return ErrClosed
	default:
		return nil
	}
}

func (g *Gateway) emit(ev sensor.Event) {
	g.emitMu.RLock()
	defer g.emitMu.RUnlock()
	if g.closed {
		return
	}
	select {
	case g.events <- ev:
	case <-g.done:
	}
}

func (g *Gateway) emitState(l *link, state sensor.ConnectionState) {
	l.setState(state)
	g.logger.WithFields(logrus.Fields{
		"address": l.address,
		"state":   state,
	}).Debug("Link state changed")
	g.emit(sensor.Event{Type: sensor.EventStateChanged, Address: l.address, State: state})
}

func (g *Gateway) emitError(l *link, msg string) {
	g.emit(sensor.Event{Type: sensor.EventError, Address: l.address, Message: msg})
}

// ----------------------------
// Adapter
// ----------------------------

// IsAdapterEnabled reports whether the host adapter can be opened.
func (g *Gateway) IsAdapterEnabled() bool {
	_, err := g.device()
	return err == nil
}

func (g *Gateway) IsScanning() bool {
	return g.scanning.Load()
}

// StartScan scans for duration and returns every connectable device seen.
// A DeviceList event is published each time a new device shows up.
func (g *Gateway) StartScan(ctx context.Context, duration time.Duration) ([]sensor.DeviceIdentity, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	if !g.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer g.scanning.Store(false)

	dev, err := g.device()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	g.scanMu.Lock()
	g.scanCancel = cancel
	g.scanMu.Unlock()
	defer g.stopScan()

	g.logger.WithField("duration", duration).Info("Starting BLE scan...")

	sc := newScanCollector()
	err = dev.Scan(scanCtx, g.opts.AllowDuplicates, func(adv ble.Advertisement) {
		if sc.handleAdvertisement(adv) {
			g.emit(sensor.Event{Type: sensor.EventDeviceList, Devices: sc.devices()})
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	found := sc.devices()
	g.logger.WithField("device_count", len(found)).Info("BLE scan completed")
	return found, nil
}

// StopScan ends an active scan early. The pending StartScan returns what it
// has collected so far.
func (g *Gateway) StopScan(_ context.Context) error {
	g.stopScan()
	return nil
}

func (g *Gateway) stopScan() {
	g.scanMu.Lock()
	cancel := g.scanCancel
	g.scanCancel = nil
	g.scanMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// scanCollector dedups advertisements by address, keeping first-seen order.
type scanCollector struct {
	seen  *hashmap.Map[string, sensor.DeviceIdentity]
	mu    sync.Mutex
	order []string
}

func newScanCollector() *scanCollector {
	return &scanCollector{seen: hashmap.New[string, sensor.DeviceIdentity]()}
}

// handleAdvertisement records adv and reports whether its address is new.
func (c *scanCollector) handleAdvertisement(adv ble.Advertisement) bool {
	if !adv.Connectable() {
		return false
	}
	addr := adv.Addr().String()
	identity := sensor.DeviceIdentity{Name: adv.LocalName(), Address: addr, RSSI: adv.RSSI()}

	if prev, ok := c.seen.Get(addr); ok {
		if identity.Name == "" {
			identity.Name = prev.Name
		}
		c.seen.Set(addr, identity)
		return false
	}
	if _, loaded := c.seen.GetOrInsert(addr, identity); loaded {
		return false
	}
	c.mu.Lock()
	c.order = append(c.order, addr)
	c.mu.Unlock()
	return true
}

func (c *scanCollector) devices() []sensor.DeviceIdentity {
	c.mu.Lock()
	order := append([]string(nil), c.order...)
	c.mu.Unlock()

	out := make([]sensor.DeviceIdentity, 0, len(order))
	for _, addr := range order {
		if d, ok := c.seen.Get(addr); ok {
			out = append(out, d)
		}
	}
	return out
}

// ----------------------------
// Links
// ----------------------------

// InitSession prepares the link for address. It opens the adapter so a
// missing radio is reported before the first Connect.
func (g *Gateway) InitSession(_ context.Context, address string) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	if _, err := g.device(); err != nil {
		return err
	}
	g.linkFor(address)
	return nil
}

func (g *Gateway) linkFor(address string) *link {
	if l, ok := g.links.Get(address); ok {
		return l
	}
	l, _ := g.links.GetOrInsert(address, newLink(address))
	return l
}

func (g *Gateway) QueryState(address string) sensor.ConnectionState {
	if l, ok := g.links.Get(address); ok {
		return l.getState()
	}
	return sensor.Disconnected
}

// Connect dials the device, discovers its profile and subscribes to the
// command channel. It reports Connecting, Connected and then Ready, or
// Invalid when the device lacks the sensor service.
func (g *Gateway) Connect(ctx context.Context, address string) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	l := g.linkFor(address)
	if !l.beginConnect() {
		return ErrAlreadyConnected
	}
	log := g.logger.WithField("address", l.address)

	g.emitState(l, sensor.Connecting)

	dev, err := g.device()
	if err != nil {
		g.emitState(l, sensor.Disconnected)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, g.opts.ConnectTimeout)
	defer cancel()

	log.Debug("Dialing BLE device...")
	client, err := dev.Dial(dialCtx, ble.NewAddr(l.address))
	if err != nil {
		log.WithField("error", err).Error("Failed to dial BLE device")
		g.emitState(l, sensor.Disconnected)
		return fmt.Errorf("failed to connect to device with address %q: %w", l.address, NormalizeError(err))
	}
	g.emitState(l, sensor.Connected)

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		log.WithField("error", err).Error("Failed to discover profile")
		g.cancelClient(log, client)
		g.emitState(l, sensor.Disconnected)
		return fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	chars := g.resolve(profile)
	if chars.command == nil || chars.data == nil {
		log.WithField("services", len(profile.Services)).Warn("Sensor service not found")
		g.cancelClient(log, client)
		g.emitState(l, sensor.Invalid)
		g.emitState(l, sensor.Disconnected)
		return ErrProfileMismatch
	}

	if err := client.Subscribe(chars.command, false, l.onResponse); err != nil {
		log.WithField("error", err).Error("Failed to subscribe to command responses")
		g.cancelClient(log, client)
		g.emitState(l, sensor.Disconnected)
		return fmt.Errorf("failed to subscribe to command channel: %w", NormalizeError(err))
	}

	monitorCtx := l.attach(client, chars)
	g.monitor(monitorCtx, l, client)

	log.WithField("services", len(profile.Services)).Info("Sensor connected")
	g.emitState(l, sensor.Ready)
	return nil
}

func (g *Gateway) cancelClient(log *logrus.Entry, client ble.Client) {
	if err := client.CancelConnection(); err != nil {
		log.WithField("cancel_error", err).Warn("Failed to cancel connection")
	}
}

// monitor watches the client's Disconnected channel, when the platform
// provides one, and reports an unrequested link loss.
func (g *Gateway) monitor(ctx context.Context, l *link, client ble.Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		g.logger.WithField("address", l.address).Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(ctx, "ble-link-monitor-"+l.address, func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			if !l.detach(client) {
				return
			}
			g.logger.WithField("address", l.address).Warn("Link lost")
			g.emitError(l, ErrNotConnected.Error())
			g.emitState(l, sensor.Disconnected)
		case <-ctx.Done():
		}
	})
}

// Disconnect tears the link down. It is a no-op for an idle link.
func (g *Gateway) Disconnect(_ context.Context, address string) error {
	l, ok := g.links.Get(address)
	if !ok {
		return nil
	}
	client, chars := l.current()
	if client == nil {
		return nil
	}

	g.emitState(l, sensor.Disconnecting)
	streaming := l.dataSubscribed.Load()
	if !l.detach(client) {
		return nil
	}

	if streaming {
		_ = client.Unsubscribe(chars.data, false)
	}
	_ = client.Unsubscribe(chars.command, false)
	err := client.CancelConnection()

	g.emitState(l, sensor.Disconnected)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	g.logger.WithField("address", l.address).Info("Sensor disconnected")
	return nil
}

// ----------------------------
// Streaming
// ----------------------------

// StartNotify subscribes to the data characteristic.
func (g *Gateway) StartNotify(_ context.Context, address string) error {
	l, client, chars, err := g.ready(address)
	if err != nil {
		return err
	}
	if l.dataSubscribed.Load() {
		return nil
	}

	l.decoder.reset()
	err = client.Subscribe(chars.data, false, func(frame []byte) {
		g.onFrame(l, frame)
	})
	if err != nil {
		return NormalizeError(err)
	}
	l.dataSubscribed.Store(true)
	return nil
}

// StopNotify unsubscribes from the data characteristic.
func (g *Gateway) StopNotify(_ context.Context, address string) error {
	l, client, chars, err := g.ready(address)
	if err != nil {
		return err
	}
	if !l.dataSubscribed.Swap(false) {
		return nil
	}
	return NormalizeError(client.Unsubscribe(chars.data, false))
}

func (g *Gateway) onFrame(l *link, frame []byte) {
	data, err := l.decoder.Decode(frame)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
			"len":     len(frame),
		}).Debug("Dropping undecodable frame")
		return
	}
	if data == nil {
		return
	}
	if lost := data.LostCount(); lost > 0 {
		g.logger.WithFields(logrus.Fields{
			"address": l.address,
			"type":    data.DataType,
			"lost":    lost,
		}).Warn("Lost samples")
	}
	g.emit(sensor.Event{Type: sensor.EventData, Address: l.address, Data: data})
}

// InitEEG configures the EEG stream. A device rejection yields (false, nil).
func (g *Gateway) InitEEG(ctx context.Context, address string, batchSize int) (bool, error) {
	return g.initCapability(ctx, address, eegOps, batchSize)
}

// InitECG configures the ECG stream. A device rejection yields (false, nil).
func (g *Gateway) InitECG(ctx context.Context, address string, batchSize int) (bool, error) {
	return g.initCapability(ctx, address, ecgOps, batchSize)
}

func (g *Gateway) initCapability(ctx context.Context, address string, ops capabilityOps, batchSize int) (bool, error) {
	l, client, chars, err := g.ready(address)
	if err != nil {
		return false, err
	}
	log := g.logger.WithFields(logrus.Fields{"address": l.address, "type": ops.dataType})

	if batchSize > 0 {
		if _, err := g.command(ctx, l, client, chars, encodeSetBatch(ops.setBatch, batchSize)); err != nil {
			return rejected(log, "set batch", err)
		}
	}

	payload, err := g.command(ctx, l, client, chars, []byte{ops.getConfig})
	if err != nil {
		return rejected(log, "get config", err)
	}
	cfg, err := decodeConfig(ops.dataType, payload)
	if err != nil {
		return false, err
	}

	payload, err = g.command(ctx, l, client, chars, []byte{ops.getCap})
	if err != nil {
		return rejected(log, "get capability", err)
	}
	if len(payload) < 1 {
		return false, fmt.Errorf("%s capability: %w", ops.dataType, errShortFrame)
	}
	cfg.ChannelCount = int(payload[0])

	l.decoder.configure(cfg)
	l.addNotifyFlags(ops.flags)
	log.WithFields(logrus.Fields{
		"sample_rate": cfg.SampleRate,
		"channels":    cfg.ChannelCount,
		"resolution":  cfg.ResolutionBits,
		"batch":       cfg.PackageSampleCount,
	}).Debug("Capture stream configured")
	return true, nil
}

// rejected turns a device status into (false, nil) and passes transport
// errors through.
func rejected(log *logrus.Entry, step string, err error) (bool, error) {
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		log.WithField("status", cmdErr.Status).Debugf("Device rejected %s", step)
		return false, nil
	}
	return false, err
}

// InitTransfer switches on the data notifications negotiated by InitEEG
// and InitECG.
func (g *Gateway) InitTransfer(ctx context.Context, address string) (bool, error) {
	l, client, chars, err := g.ready(address)
	if err != nil {
		return false, err
	}
	flags := l.notifyFlags.Load()
	if flags == 0 {
		return false, nil
	}
	if _, err := g.command(ctx, l, client, chars, encodeSetDataNotify(flags)); err != nil {
		return rejected(g.logger.WithField("address", l.address), "data switch", err)
	}
	return true, nil
}

// ----------------------------
// Reads
// ----------------------------

func (g *Gateway) ReadBattery(_ context.Context, address string) (int, error) {
	_, client, chars, err := g.ready(address)
	if err != nil {
		return 0, err
	}
	if chars.battery == nil {
		return 0, fmt.Errorf("battery level characteristic not found")
	}
	data, err := client.ReadCharacteristic(chars.battery)
	if err != nil {
		return 0, NormalizeError(err)
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("battery level: %w", errShortFrame)
	}
	return int(data[0]), nil
}

func (g *Gateway) ReadFirmwareVersion(_ context.Context, address string) (string, error) {
	_, client, chars, err := g.ready(address)
	if err != nil {
		return "", err
	}
	if chars.firmware == nil {
		return "", fmt.Errorf("firmware revision characteristic not found")
	}
	data, err := client.ReadCharacteristic(chars.firmware)
	if err != nil {
		return "", NormalizeError(err)
	}
	return strings.TrimRight(string(data), "\x00 "), nil
}

// ----------------------------
// Command channel
// ----------------------------

func (g *Gateway) ready(address string) (*link, ble.Client, characteristics, error) {
	if err := g.checkOpen(); err != nil {
		return nil, nil, characteristics{}, err
	}
	l, ok := g.links.Get(address)
	if !ok {
		return nil, nil, characteristics{}, ErrNotConnected
	}
	client, chars := l.current()
	if client == nil {
		return nil, nil, characteristics{}, ErrNotConnected
	}
	if st := l.getState(); st != sensor.Ready {
		return nil, nil, characteristics{}, fmt.Errorf("%w: state %s", ErrNotReady, st)
	}
	return l, client, chars, nil
}

// command writes req and waits for the matching response. Commands on one
// link are serialized.
func (g *Gateway) command(ctx context.Context, l *link, client ble.Client, chars characteristics, req []byte) ([]byte, error) {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	select {
	case <-l.responses:
	default:
	}

	if err := client.WriteCharacteristic(chars.command, req, false); err != nil {
		return nil, NormalizeError(err)
	}

	timer := time.NewTimer(g.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case resp := <-l.responses:
		return parseResponse(req[0], resp)
	case <-timer.C:
		return nil, fmt.Errorf("command 0x%02x: %w", req[0], ErrCommandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// characteristics are the GATT handles a link works with. Battery and
// firmware are optional.
type characteristics struct {
	command  *ble.Characteristic
	data     *ble.Characteristic
	battery  *ble.Characteristic
	firmware *ble.Characteristic
}

func (g *Gateway) resolve(profile *ble.Profile) characteristics {
	var chars characteristics
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			switch {
			case svc.UUID.Equal(g.serviceUUID) && c.UUID.Equal(g.commandUUID):
				chars.command = c
			case svc.UUID.Equal(g.serviceUUID) && c.UUID.Equal(g.dataUUID):
				chars.data = c
			case svc.UUID.Equal(batteryServiceUUID) && c.UUID.Equal(batteryLevelUUID):
				chars.battery = c
			case svc.UUID.Equal(deviceInfoUUID) && c.UUID.Equal(firmwareRevUUID):
				chars.firmware = c
			}
		}
	}
	return chars
}
