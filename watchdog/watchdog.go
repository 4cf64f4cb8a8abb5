// Package watchdog keeps the hardware watchdogs of the host fed while a run
// is in progress and disarms them when it ends.
package watchdog

import (
	"errors"
	"fmt"
	"os"

	"github.com/dutrun/dutrun/model"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// DefaultTimeout is armed when neither test timeout is configured.
const DefaultTimeout = 120

// Device is one open watchdog.
type Device interface {
	// SetTimeout asks for seconds and returns what the device settled on.
	SetTimeout(seconds int) (int, error)
	Keepalive() error
	// Disarm stops the watchdog and closes the device.
	Disarm() error
	Name() string
}

// Opener opens watchdog number index, returning an error wrapping
// os.ErrNotExist when there is no such device.
type Opener func(index int) (Device, error)

// Manager owns the set of open watchdogs.
type Manager struct {
	logger  zerolog.Logger
	open    Opener
	devices []Device
}

func New(logger zerolog.Logger) *Manager {
	return NewWithOpener(logger, openDevice)
}

func NewWithOpener(logger zerolog.Logger, open Opener) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "watchdog").Logger(),
		open:   open,
	}
}

// Init opens /dev/watchdog0, /dev/watchdog1, ... up to the first missing one.
func (m *Manager) Init(settings *model.Settings) error {
	if !settings.UseWatchdog {
		return nil
	}
	for i := 0; ; i++ {
		dev, err := m.open(i)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to open watchdog %d: %w", i, err), m.CloseAll())
		}
		m.logger.Debug().Str("device", dev.Name()).Msg("Opened watchdog")
		m.devices = append(m.devices, dev)
	}
	if len(m.devices) == 0 {
		m.logger.Warn().Msg("Watchdog requested but no watchdog device found")
	}
	return nil
}

// Len returns the number of devices still in use.
func (m *Manager) Len() int {
	return len(m.devices)
}

// SetTimeout arms every device with the same timeout. When a device can only
// do less, all of them are set again to the lower value. Devices that fail are
// disarmed and dropped. The negotiated timeout is returned.
func (m *Manager) SetTimeout(seconds int) int {
	if len(m.devices) == 0 {
		return 0
	}

	lowest := seconds
	kept := m.devices[:0]
	for _, dev := range m.devices {
		got, err := dev.SetTimeout(seconds)
		if err != nil {
			m.logger.Warn().Err(err).Str("device", dev.Name()).Msg("Failed to set watchdog timeout, dropping device")
			if err := dev.Disarm(); err != nil {
				m.logger.Warn().Err(err).Str("device", dev.Name()).Msg("Failed to disarm watchdog")
			}
			continue
		}
		if got < lowest {
			lowest = got
		}
		kept = append(kept, dev)
	}
	m.devices = kept

	if len(m.devices) == 0 {
		return 0
	}
	if lowest < seconds && lowest > 0 {
		return m.SetTimeout(lowest)
	}
	m.logger.Info().Int("timeout", seconds).Int("devices", len(m.devices)).Msg("Watchdogs armed")
	return seconds
}

// Ping feeds every device. Failures are not fatal.
func (m *Manager) Ping() {
	for _, dev := range m.devices {
		if err := dev.Keepalive(); err != nil {
			m.logger.Warn().Err(err).Str("device", dev.Name()).Msg("Failed to ping watchdog")
		}
	}
}

// CloseAll disarms and closes every device. It can be called any number of times.
func (m *Manager) CloseAll() error {
	var err error
	for _, dev := range m.devices {
		err = multierr.Append(err, dev.Disarm())
	}
	m.devices = nil
	return err
}

// TimeoutFor picks the watchdog timeout for a run.
func TimeoutFor(settings *model.Settings) int {
	t := settings.PerTestTimeout
	if settings.InactivityTimeout > t {
		t = settings.InactivityTimeout
	}
	if t <= 0 {
		return DefaultTimeout
	}
	secs := int(t.Seconds())
	if float64(secs) < t.Seconds() {
		secs++
	}
	return secs
}
