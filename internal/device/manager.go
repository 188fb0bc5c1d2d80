package device

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/nrt"
)

const (
	// DefaultDriverAddress is used when DRIVER_ADDRESS is unset.
	DefaultDriverAddress = "unix:/run/driver.sock"

	profilerBinDir = "/opt/accel/bin"
)

// Manager is the process-wide owner of every device. It is lazily
// initialised on the first ApplyForDevice and hands devices to operator
// instances round-robin; the returned references are non-owning.
type Manager struct {
	mu         sync.Mutex
	log        zerolog.Logger
	address    string
	devices    []*Device
	cursor     int
	ready      bool
	pathSet    bool
	shmEnabled bool
	driver     nrt.Driver
	newDriver  func(address string) (nrt.Driver, error)
	signalOnce sync.Once
}

var globalManager = NewManager(zerolog.Nop())

// Default returns the process-wide manager.
func Default() *Manager { return globalManager }

// NewManager builds a manager that connects a fresh driver client on first
// use.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log: log,
		newDriver: func(address string) (nrt.Driver, error) {
			c := nrt.NewClient()
			if err := c.Initialize(address); err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

// SetLogger installs the logger used by the manager and its devices.
func (m *Manager) SetLogger(log zerolog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = log
}

// SetDriverFactory replaces how the manager obtains its driver connection.
// Tests use this to substitute an in-memory fake.
func (m *Manager) SetDriverFactory(f func(address string) (nrt.Driver, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newDriver = f
}

// ApplyForDevice lazily initialises the manager, then returns either the
// explicitly indexed device or the next device under the round-robin
// cursor.
func (m *Manager) ApplyForDevice(optDeviceSize, maxNumDuplicates, deviceIndex int64) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		if err := m.initializeLocked(optDeviceSize, maxNumDuplicates); err != nil {
			return nil, err
		}
	}
	if deviceIndex >= 0 && deviceIndex < int64(len(m.devices)) {
		return m.devices[deviceIndex], nil
	}
	dev := m.devices[m.cursor]
	m.cursor++
	if m.cursor >= len(m.devices) {
		m.cursor = 0
	}
	return dev, nil
}

// NumDevices returns how many devices were initialised.
func (m *Manager) NumDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// Devices returns a snapshot of the initialised devices.
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, len(m.devices))
	copy(out, m.devices)
	return out
}

func (m *Manager) initializeLocked(optDeviceSize, maxNumDuplicates int64) error {
	if !m.pathSet {
		// The profiler binary ships outside the default search path.
		os.Setenv("PATH", os.Getenv("PATH")+":"+profilerBinDir)
		m.pathSet = true
	}
	m.address = os.Getenv("DRIVER_ADDRESS")
	if m.address == "" {
		m.address = DefaultDriverAddress
	}
	m.shmEnabled = os.Getenv("SHM_MAP") != "no"

	driver, err := m.newDriver(m.address)
	if err != nil {
		return err
	}
	m.driver = driver

	raw := os.Getenv("CORE_GROUP_SIZES")
	var specs []GroupSpec
	if raw != "" {
		specs = parseCoreGroupPolicy(raw)
		if specs == nil {
			m.log.Warn().Str("CORE_GROUP_SIZES", raw).
				Msg("grouping policy looks ill-formatted, falling back to the default policy")
		}
	}
	if specs == nil {
		if err := m.initDefaultLocked(optDeviceSize, maxNumDuplicates); err != nil {
			return err
		}
	} else {
		if err := m.initDevicesLocked(specs); err != nil {
			return err
		}
	}
	m.ready = true
	return nil
}

// initDevicesLocked initialises one device per group spec, stopping at the
// first failure. Fewer devices than requested is not fatal as long as at
// least one execution group was created.
func (m *Manager) initDevicesLocked(specs []GroupSpec) error {
	lastErr := status.Error(codes.ResourceExhausted, "no execution group could be initialized")
	ctx := context.Background()
	for _, spec := range specs {
		dev := &Device{}
		err := dev.Initialize(ctx, m.driver, m.address, spec.NumCores, spec.NumDuplicates, m.shmEnabled, m.log)
		if err != nil {
			lastErr = err
			if status.Code(err) != codes.Aborted {
				m.log.Warn().Err(err).Int("num_cores", spec.NumCores).
					Msg("cannot initialize device; stopping initialization")
			}
			break
		}
		m.devices = append(m.devices, dev)
		m.log.Debug().Int("num_cores", spec.NumCores).Int("num_duplicates", spec.NumDuplicates).
			Msg("device initialized")
	}
	if len(m.devices) == 0 {
		return lastErr
	}
	return nil
}

// initDefaultLocked applies the default policy. For large size hints the
// manager searches downward for the biggest grouping the driver can grant.
func (m *Manager) initDefaultLocked(optDeviceSize, maxNumDuplicates int64) error {
	if optDeviceSize > 2 && optDeviceSize <= MaxNumCores {
		ctx := context.Background()
		lastErr := status.Error(codes.ResourceExhausted, "no execution group could be initialized")
		for numCores := int(optDeviceSize); numCores >= 0; numCores-- {
			dev := &Device{}
			err := dev.Initialize(ctx, m.driver, m.address, numCores, 1, m.shmEnabled, m.log)
			if err == nil {
				m.devices = append(m.devices, dev)
				return nil
			}
			lastErr = err
		}
		return lastErr
	}
	return m.initDevicesLocked(defaultPolicy(optDeviceSize, maxNumDuplicates))
}

// Clear tears every device down and resets the manager for a fresh
// initialization.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(ctx, false)
}

// ClearIfEmpty tears the manager down when no device holds a model.
func (m *Manager) ClearIfEmpty(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range m.devices {
		if dev.NumExecutable() != 0 {
			return
		}
	}
	m.clearLocked(ctx, false)
}

// ClearFromGlobalState is the signal-handler teardown: every device is
// closed so subsequent operations short-circuit with Aborted.
func (m *Manager) ClearFromGlobalState(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(ctx, true)
}

func (m *Manager) clearLocked(ctx context.Context, fromGlobalState bool) {
	for _, dev := range m.devices {
		dev.Clear(ctx, fromGlobalState)
	}
	if c, ok := m.driver.(interface{ Close() error }); ok && c != nil {
		if err := c.Close(); err != nil {
			m.log.Warn().Err(err).Msg("driver connection close failed")
		}
	}
	m.driver = nil
	m.devices = nil
	m.cursor = 0
	m.ready = false
	m.log.Debug().Bool("from_global_state", fromGlobalState).Msg("device manager cleared")
}

// InstallSignalHandlers arranges for SIGINT/SIGTERM to tear the manager
// down before the default action re-raises. Used when the runtime is
// hosted inside a long-running server.
func (m *Manager) InstallSignalHandlers() {
	m.signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			m.ClearFromGlobalState(context.Background())
			signal.Reset(syscall.SIGINT, syscall.SIGTERM)
			if s, ok := sig.(syscall.Signal); ok {
				syscall.Kill(syscall.Getpid(), s)
			}
		}()
	})
}
