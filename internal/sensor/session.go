package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/groutine"
)

const (
	// BatteryUnknown is returned by BatteryPower when no level is available.
	BatteryUnknown = -1

	// DefaultSampleBatchSize is used by Initialize when batchSize <= 0.
	DefaultSampleBatchSize = 10
)

// StateListener receives every state the transport reports for a session.
type StateListener func(state ConnectionState)

// ErrorListener receives transport failures and device-originated errors.
type ErrorListener func(err error)

// DataListener receives decoded sample frames.
type DataListener func(data *SensorData)

// Subscription identifies one registered listener. Pass it to
// Session.Unsubscribe to remove that listener, and only that one.
type Subscription struct {
	ID   uuid.UUID
	Kind EventType
}

// slot is a single-permit guard. gen records the session generation the
// holder acquired it in, so a release after reset is a no-op.
type slot struct {
	held bool
	gen  uint64
}

// Session is the state machine for one physical sensor.
//
// The connection state is never changed locally: it follows the transport's
// StateChanged events delivered through EmitStateChanged. All guards,
// flags and caches live under mu; transport calls are made without it.
type Session struct {
	identity DeviceIdentity
	gateway  Gateway
	logger   *logrus.Logger

	mu    sync.Mutex
	state ConnectionState
	gen   uint64

	// set by a local Disconnect until the transport reports the next state
	disconnecting bool

	supportsEEG    bool
	supportsECG    bool
	hasInitialized bool
	isTransferring bool

	initializing slot
	toggling     slot
	fetchBattery slot
	fetchFW      slot

	batteryCache  int
	firmwareCache string

	refreshCancel context.CancelFunc

	stateSub subscriber[StateListener]
	errorSub subscriber[ErrorListener]
	dataSub  subscriber[DataListener]
}

type subscriber[F any] struct {
	id uuid.UUID
	fn F
	ok bool
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithInitialState starts the session in state instead of Disconnected.
// The registry uses it to adopt a link the transport already holds.
func WithInitialState(state ConnectionState) SessionOption {
	return func(s *Session) {
		s.state = state
	}
}

// NewSession creates a session in the Disconnected state.
// Sessions are normally obtained from Registry.RequireSession.
func NewSession(identity DeviceIdentity, gateway Gateway, logger *logrus.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Session{
		identity:     identity,
		gateway:      gateway,
		logger:       logger,
		state:        Disconnected,
		batteryCache: BatteryUnknown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identity returns the identity the session was registered with.
func (s *Session) Identity() DeviceIdentity { return s.identity }

// Address is shorthand for Identity().Address.
func (s *Session) Address() string { return s.identity.Address }

// State returns the last state reported by the transport.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SupportsEEG() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportsEEG
}

func (s *Session) SupportsECG() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportsECG
}

func (s *Session) HasInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasInitialized
}

func (s *Session) IsTransferring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTransferring
}

// RefreshActive reports whether the periodic battery refresh is running.
func (s *Session) RefreshActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCancel != nil
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	Identity       DeviceIdentity  `json:"identity"`
	State          ConnectionState `json:"state"`
	SupportsEEG    bool            `json:"supports_eeg"`
	SupportsECG    bool            `json:"supports_ecg"`
	HasInitialized bool            `json:"has_initialized"`
	IsInitializing bool            `json:"is_initializing"`
	IsTransferring bool            `json:"is_transferring"`
	IsToggling     bool            `json:"is_toggling_transfer"`
	FetchingPower  bool            `json:"is_fetching_power"`
	FetchingFW     bool            `json:"is_fetching_firmware"`
	BatteryLevel   int             `json:"battery_level"`
	Firmware       string          `json:"firmware_version"`
	RefreshActive  bool            `json:"refresh_active"`
	Disconnecting  bool            `json:"is_disconnecting"`
	Generation     uint64          `json:"generation"`
}

// Status returns a consistent snapshot of all session fields.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Identity:       s.identity,
		State:          s.state,
		SupportsEEG:    s.supportsEEG,
		SupportsECG:    s.supportsECG,
		HasInitialized: s.hasInitialized,
		IsInitializing: s.initializing.held,
		IsTransferring: s.isTransferring,
		IsToggling:     s.toggling.held,
		FetchingPower:  s.fetchBattery.held,
		FetchingFW:     s.fetchFW.held,
		BatteryLevel:   s.batteryCache,
		Firmware:       s.firmwareCache,
		RefreshActive:  s.refreshCancel != nil,
		Disconnecting:  s.disconnecting,
		Generation:     s.gen,
	}
}

// ----------------------------
// Commands
// ----------------------------

// Connect asks the transport to connect. Legal from Disconnected or Connected.
// The session state changes only when the transport reports it.
func (s *Session) Connect(ctx context.Context) error {
	const op = "connect"
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != Disconnected && state != Connected {
		return illegalState(op, s.identity.Address, state)
	}

	s.logger.WithField("address", s.identity.Address).Info("Connecting to sensor...")
	if err := s.gateway.Connect(ctx, s.identity.Address); err != nil {
		return s.fail(op, err)
	}
	return nil
}

// Disconnect stops streaming (best effort), resets the session and asks the
// transport to disconnect. Legal from Ready or Connected.
//
// Until the transport reports the next state, Ready-only operations fail
// with IllegalState even though State still reads Ready. A failed transport
// disconnect keeps that gate; call Disconnect again to retry.
func (s *Session) Disconnect(ctx context.Context) error {
	const op = "disconnect"
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != Ready && state != Connected {
		return illegalState(op, s.identity.Address, state)
	}

	if err := s.StopDataNotification(ctx); err != nil {
		s.logger.WithFields(logrus.Fields{
			"address": s.identity.Address,
			"error":   err,
		}).Debug("Stop before disconnect failed, ignoring")
	}

	s.mu.Lock()
	s.resetLocked()
	s.disconnecting = true
	s.mu.Unlock()

	s.logger.WithField("address", s.identity.Address).Info("Disconnecting sensor...")
	if err := s.gateway.Disconnect(ctx, s.identity.Address); err != nil {
		return s.fail(op, err)
	}
	return nil
}

// StartDataNotification enables sample streaming. Ready only; fails with
// Busy while another start/stop is in flight.
func (s *Session) StartDataNotification(ctx context.Context) error {
	return s.toggleTransfer(ctx, "start_data_notification", true)
}

// StopDataNotification disables sample streaming. Same rules as start.
func (s *Session) StopDataNotification(ctx context.Context) error {
	return s.toggleTransfer(ctx, "stop_data_notification", false)
}

func (s *Session) toggleTransfer(ctx context.Context, op string, enable bool) error {
	gen, err := s.acquire(op, &s.toggling)
	if err != nil {
		return err
	}

	if enable {
		err = s.gateway.StartNotify(ctx, s.identity.Address)
	} else {
		err = s.gateway.StopNotify(ctx, s.identity.Address)
	}

	s.mu.Lock()
	current := s.release(&s.toggling, gen)
	if current && err == nil {
		s.isTransferring = enable && s.state == Ready
	}
	s.mu.Unlock()

	if err != nil {
		return s.fail(op, err)
	}
	if !current {
		return &Error{Kind: IllegalState, Op: op, Address: s.identity.Address, Msg: "session reset while in flight"}
	}
	return nil
}

// BatteryPower returns the battery level in percent, or BatteryUnknown when
// the session is not Ready or the read fails. A caller arriving while a read
// is in flight gets the cached level instead of issuing a second read.
func (s *Session) BatteryPower(ctx context.Context) int {
	const op = "battery_power"
	s.mu.Lock()
	if !s.operableLocked() {
		s.mu.Unlock()
		return BatteryUnknown
	}
	if s.fetchBattery.held {
		cached := s.batteryCache
		s.mu.Unlock()
		return cached
	}
	gen := s.hold(&s.fetchBattery)
	s.mu.Unlock()

	level, err := s.gateway.ReadBattery(ctx, s.identity.Address)

	s.mu.Lock()
	current := s.release(&s.fetchBattery, gen)
	if current && err == nil {
		s.batteryCache = level
	}
	s.mu.Unlock()

	if err != nil {
		_ = s.fail(op, err)
		return BatteryUnknown
	}
	if !current {
		return BatteryUnknown
	}
	return level
}

// FirmwareVersion returns the controller firmware version, or "" when the
// session is not Ready or the read fails. Concurrent callers share one read.
func (s *Session) FirmwareVersion(ctx context.Context) string {
	const op = "firmware_version"
	s.mu.Lock()
	if !s.operableLocked() {
		s.mu.Unlock()
		return ""
	}
	if s.fetchFW.held {
		cached := s.firmwareCache
		s.mu.Unlock()
		return cached
	}
	gen := s.hold(&s.fetchFW)
	s.mu.Unlock()

	version, err := s.gateway.ReadFirmwareVersion(ctx, s.identity.Address)

	s.mu.Lock()
	current := s.release(&s.fetchFW, gen)
	if current && err == nil {
		s.firmwareCache = version
	}
	s.mu.Unlock()

	if err != nil {
		_ = s.fail(op, err)
		return ""
	}
	if !current {
		return ""
	}
	return version
}

// Initialize negotiates the EEG and ECG capabilities and the data transfer
// subsystem. It is idempotent: once initialized, or while another Initialize
// runs, it returns the current result without touching the transport.
//
// A batchSize <= 0 selects DefaultSampleBatchSize. A refreshInterval > 0
// starts the periodic battery refresh.
func (s *Session) Initialize(ctx context.Context, batchSize int, refreshInterval time.Duration) (bool, error) {
	const op = "initialize"
	if batchSize <= 0 {
		batchSize = DefaultSampleBatchSize
	}
	s.mu.Lock()
	if !s.operableLocked() {
		err := s.notOperableLocked(op)
		s.mu.Unlock()
		return false, err
	}
	if s.hasInitialized || s.initializing.held {
		done := s.hasInitialized
		s.mu.Unlock()
		return done, nil
	}
	gen := s.hold(&s.initializing)
	transferring := s.isTransferring
	s.mu.Unlock()

	log := s.logger.WithField("address", s.identity.Address)

	if transferring {
		if err := s.StopDataNotification(ctx); err != nil {
			log.WithField("error", err).Debug("Stop before initialize failed, ignoring")
		}
	}

	if refreshInterval > 0 {
		s.startRefresh(gen, refreshInterval)
	}

	eeg, err := s.gateway.InitEEG(ctx, s.identity.Address, batchSize)
	if err != nil {
		log.WithField("error", err).Debug("EEG init failed, treating as unsupported")
		eeg = false
	}
	ecg, err := s.gateway.InitECG(ctx, s.identity.Address, batchSize)
	if err != nil {
		log.WithField("error", err).Debug("ECG init failed, treating as unsupported")
		ecg = false
	}

	initialized := false
	var transferErr error
	if eeg || ecg {
		initialized, transferErr = s.gateway.InitTransfer(ctx, s.identity.Address)
		if transferErr != nil {
			initialized = false
		}
	}

	s.mu.Lock()
	current := s.release(&s.initializing, gen)
	if current {
		s.supportsEEG = eeg
		s.supportsECG = ecg
		s.hasInitialized = initialized
	}
	s.mu.Unlock()

	if transferErr != nil {
		return false, s.fail(op, transferErr)
	}
	if !current {
		log.Debug("Session reset during initialize, discarding result")
		return false, &Error{Kind: IllegalState, Op: op, Address: s.identity.Address, Msg: "session reset while in flight"}
	}

	log.WithFields(logrus.Fields{
		"eeg":         eeg,
		"ecg":         ecg,
		"initialized": initialized,
	}).Info("Sensor initialized")
	return initialized, nil
}

// ----------------------------
// Event ingestion
// ----------------------------

// EmitStateChanged records a transport-reported state and forwards it to
// the state subscriber. Disconnected and Invalid reset the session first.
func (s *Session) EmitStateChanged(state ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.disconnecting = false
	if state.resets() {
		s.resetLocked()
	} else if state != Ready {
		s.isTransferring = false
	}
	listener, ok := s.stateSub.fn, s.stateSub.ok
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.identity.Address,
		"from":    prev,
		"to":      state,
	}).Debug("Session state changed")

	if ok {
		listener(state)
	}
}

// EmitError forwards a device-originated error message to the error subscriber.
func (s *Session) EmitError(message string) {
	s.emitError(&Error{Kind: TransportFailure, Address: s.identity.Address, Msg: message})
}

// EmitData forwards a decoded frame to the data subscriber.
func (s *Session) EmitData(data *SensorData) {
	s.mu.Lock()
	listener, ok := s.dataSub.fn, s.dataSub.ok
	s.mu.Unlock()
	if ok {
		listener(data)
	}
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	listener, ok := s.errorSub.fn, s.errorSub.ok
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.identity.Address,
		"error":   err,
	}).Warn("Sensor error")

	if ok {
		listener(err)
	}
}

// fail wraps a transport error, emits it to the error subscriber and returns it.
func (s *Session) fail(op string, err error) error {
	wrapped := transportFailure(op, s.identity.Address, err)
	s.emitError(wrapped)
	return wrapped
}

// ----------------------------
// Subscriptions
// ----------------------------

// OnStateChanged replaces the state subscriber.
func (s *Session) OnStateChanged(fn StateListener) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subscribe(&s.stateSub, fn, EventStateChanged)
}

// OnError replaces the error subscriber.
func (s *Session) OnError(fn ErrorListener) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subscribe(&s.errorSub, fn, EventError)
}

// OnData replaces the data subscriber.
func (s *Session) OnData(fn DataListener) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subscribe(&s.dataSub, fn, EventData)
}

// Unsubscribe removes the listener registered under sub. It reports false
// when sub was already replaced or removed.
func (s *Session) Unsubscribe(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch sub.Kind {
	case EventStateChanged:
		return unsubscribe(&s.stateSub, sub.ID)
	case EventError:
		return unsubscribe(&s.errorSub, sub.ID)
	case EventData:
		return unsubscribe(&s.dataSub, sub.ID)
	default:
		return false
	}
}

func subscribe[F any](sub *subscriber[F], fn F, kind EventType) Subscription {
	id := uuid.New()
	*sub = subscriber[F]{id: id, fn: fn, ok: true}
	return Subscription{ID: id, Kind: kind}
}

func unsubscribe[F any](sub *subscriber[F], id uuid.UUID) bool {
	if !sub.ok || sub.id != id {
		return false
	}
	*sub = subscriber[F]{}
	return true
}

// ----------------------------
// Guards and reset
// ----------------------------

// acquire checks Ready and takes the slot. Caller must not hold mu.
func (s *Session) acquire(op string, g *slot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.operableLocked() {
		return 0, s.notOperableLocked(op)
	}
	if g.held {
		return 0, busy(op, s.identity.Address)
	}
	return s.hold(g), nil
}

// operableLocked reports whether Ready-only operations may run. Caller holds mu.
func (s *Session) operableLocked() bool {
	return s.state == Ready && !s.disconnecting
}

func (s *Session) notOperableLocked(op string) error {
	if s.disconnecting {
		return &Error{Kind: IllegalState, Op: op, Address: s.identity.Address, Msg: "disconnect in progress"}
	}
	return illegalState(op, s.identity.Address, s.state)
}

// hold takes g for the current generation. Caller holds mu.
func (s *Session) hold(g *slot) uint64 {
	g.held = true
	g.gen = s.gen
	return s.gen
}

// release frees g if it still belongs to gen and reports whether gen is
// still the current generation. Caller holds mu.
func (s *Session) release(g *slot, gen uint64) bool {
	if gen != s.gen {
		return false
	}
	if g.held && g.gen == gen {
		*g = slot{}
	}
	return true
}

// resetLocked wipes every flag, cache and guard, cancels the battery
// refresh and invalidates all in-flight operations. Caller holds mu.
func (s *Session) resetLocked() {
	s.gen++
	s.supportsEEG = false
	s.supportsECG = false
	s.hasInitialized = false
	s.isTransferring = false
	s.initializing = slot{}
	s.toggling = slot{}
	s.fetchBattery = slot{}
	s.fetchFW = slot{}
	s.batteryCache = BatteryUnknown
	s.firmwareCache = ""
	if s.refreshCancel != nil {
		s.refreshCancel()
		s.refreshCancel = nil
	}
}

// startRefresh launches the periodic battery refresh unless one is running
// or the session was reset since gen.
func (s *Session) startRefresh(gen uint64, interval time.Duration) {
	s.mu.Lock()
	if s.refreshCancel != nil || s.gen != gen {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.refreshCancel = cancel
	s.mu.Unlock()

	groutine.Go(ctx, "battery-refresh-"+s.identity.Address, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.State() != Ready {
					continue
				}
				level := s.BatteryPower(ctx)
				s.logger.WithFields(logrus.Fields{
					"address": s.identity.Address,
					"battery": level,
				}).Debug("Battery refreshed")
			}
		}
	})
}
