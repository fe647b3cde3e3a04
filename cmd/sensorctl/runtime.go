package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/sensor"
	"github.com/srg/sensorlink/internal/sensor/goble"
	"github.com/srg/sensorlink/pkg/config"
)

// sensorStack wires the go-ble gateway, the registry event pump and the
// discovery coordinator for one command run.
type sensorStack struct {
	gateway   *goble.Gateway
	registry  *sensor.Registry
	discovery *sensor.Discovery
	logger    *logrus.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func openStack(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...sensor.RegistryOption) (*sensorStack, error) {
	gw, err := goble.New(cfg.GatewayOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE gateway: %w", err)
	}

	reg := sensor.NewRegistry(gw, logger, opts...)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	groutine.Go(runCtx, "sensor-registry", func(ctx context.Context) {
		defer close(done)
		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Registry stopped")
		}
	})

	return &sensorStack{
		gateway:   gw,
		registry:  reg,
		discovery: sensor.NewDiscovery(reg, nil, logger),
		logger:    logger,
		cancel:    cancel,
		done:      done,
	}, nil
}

// Close disconnects every session and stops the pump. Once it returns no
// session listener or event tap runs anymore. Safe to call more than once.
func (s *sensorStack) Close() {
	s.closeOnce.Do(s.close)
}

func (s *sensorStack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sess := range s.registry.Sessions() {
		if st := sess.State(); st == sensor.Disconnected || st == sensor.Invalid {
			continue
		}
		if err := sess.Disconnect(ctx); err != nil {
			s.logger.WithError(err).WithField("address", sess.Address()).Debug("Disconnect on close failed")
		}
	}

	s.cancel()
	<-s.done
	if err := s.gateway.Close(); err != nil {
		s.logger.WithError(err).Debug("Gateway close failed")
	}
}

// connect creates the session for address, connects it and waits until it
// is Ready.
func (s *sensorStack) connect(ctx context.Context, address string, timeout time.Duration) (*sensor.Session, error) {
	sess := s.registry.RequireSession(ctx, sensor.DeviceIdentity{Address: address})

	ready := make(chan sensor.ConnectionState, 8)
	sub := sess.OnStateChanged(func(st sensor.ConnectionState) {
		select {
		case ready <- st:
		default:
		}
	})
	defer sess.Unsubscribe(sub)

	if sess.State() == sensor.Ready {
		return sess, nil
	}
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case st := <-ready:
			switch st {
			case sensor.Ready:
				return sess, nil
			case sensor.Invalid:
				return nil, fmt.Errorf("%w: %s: %w", ErrNotReady, address, goble.ErrProfileMismatch)
			}
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %v", ErrNotReady, address, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
