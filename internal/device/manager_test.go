package device

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/nrt"
	"npud/internal/nrt/fake"
)

func newTestManager(t *testing.T, drv *fake.Driver) *Manager {
	t.Helper()
	m := NewManager(zerolog.Nop())
	m.SetDriverFactory(func(address string) (nrt.Driver, error) { return drv, nil })
	return m
}

func TestManagerPolicyFromEnv(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "2,2")
	t.Setenv("SHM_MAP", "no")
	m := newTestManager(t, fake.New())

	dev, err := m.ApplyForDevice(1, 1, -1)
	if err != nil {
		t.Fatalf("ApplyForDevice: %v", err)
	}
	if m.NumDevices() != 2 {
		t.Fatalf("NumDevices = %d, want 2", m.NumDevices())
	}
	if dev.NumCores() != 2 {
		t.Errorf("NumCores = %d, want 2", dev.NumCores())
	}
	if dev.ShmPool() != nil {
		t.Errorf("SHM_MAP=no must leave the pool unset")
	}
}

func TestManagerCreatesShmPoolOnUnixSocket(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "1")
	t.Setenv("SHM_MAP", "")
	t.Setenv("DRIVER_ADDRESS", "unix:/run/driver.sock")
	m := newTestManager(t, fake.New())

	dev, err := m.ApplyForDevice(1, 1, -1)
	if err != nil {
		t.Fatalf("ApplyForDevice: %v", err)
	}
	if dev.ShmPool() == nil {
		t.Errorf("unix socket with SHM enabled must carry a pool")
	}
}

func TestManagerSkipsShmPoolOnTCPSocket(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "1")
	t.Setenv("SHM_MAP", "")
	t.Setenv("DRIVER_ADDRESS", "dns:///driver:9000")
	m := newTestManager(t, fake.New())

	dev, err := m.ApplyForDevice(1, 1, -1)
	if err != nil {
		t.Fatalf("ApplyForDevice: %v", err)
	}
	if dev.ShmPool() != nil {
		t.Errorf("shared memory requires a unix socket")
	}
}

func TestManagerRoundRobinAssignment(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "1,1,1")
	t.Setenv("SHM_MAP", "no")
	m := newTestManager(t, fake.New())

	var devs []*Device
	for i := 0; i < 4; i++ {
		dev, err := m.ApplyForDevice(1, 1, -1)
		if err != nil {
			t.Fatalf("ApplyForDevice %d: %v", i, err)
		}
		devs = append(devs, dev)
	}
	if devs[0] == devs[1] || devs[1] == devs[2] {
		t.Errorf("round-robin assignment repeated a device early")
	}
	if devs[0] != devs[3] {
		t.Errorf("round-robin did not wrap after three devices")
	}
}

func TestManagerExplicitIndex(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "1,1")
	t.Setenv("SHM_MAP", "no")
	m := newTestManager(t, fake.New())

	first, err := m.ApplyForDevice(1, 1, 0)
	if err != nil {
		t.Fatalf("ApplyForDevice(0): %v", err)
	}
	again, err := m.ApplyForDevice(1, 1, 0)
	if err != nil {
		t.Fatalf("ApplyForDevice(0): %v", err)
	}
	if first != again {
		t.Errorf("explicit index must pin the same device")
	}
}

func TestManagerMalformedPolicyFallsBack(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "banana")
	t.Setenv("SHM_MAP", "no")
	m := newTestManager(t, fake.New())

	if _, err := m.ApplyForDevice(1, 1, -1); err != nil {
		t.Fatalf("ApplyForDevice: %v", err)
	}
	// Default policy for a size-1 hint is four single-core devices.
	if m.NumDevices() != 4 {
		t.Fatalf("NumDevices = %d, want 4", m.NumDevices())
	}
}

func TestManagerToleratesPartialDeviceInit(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "1,1,1")
	t.Setenv("SHM_MAP", "no")
	drv := fake.New()
	created := 0
	drv.GrantCores = func(requested uint32) (uint32, error) {
		created++
		if created > 2 {
			return 0, statusResourceExhausted()
		}
		return requested, nil
	}
	m := newTestManager(t, drv)

	if _, err := m.ApplyForDevice(1, 1, -1); err != nil {
		t.Fatalf("ApplyForDevice: %v", err)
	}
	if m.NumDevices() != 2 {
		t.Fatalf("NumDevices = %d, want 2 (fewer than requested is not fatal)", m.NumDevices())
	}
}

func TestManagerFailsWhenNoEGAvailable(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "2")
	t.Setenv("SHM_MAP", "no")
	drv := fake.New()
	drv.GrantCores = func(requested uint32) (uint32, error) {
		return 0, statusResourceExhausted()
	}
	m := newTestManager(t, drv)
	if _, err := m.ApplyForDevice(1, 1, -1); err == nil {
		t.Fatal("ApplyForDevice succeeded with no execution group available")
	}
}

func TestManagerClearIfEmpty(t *testing.T) {
	t.Setenv("CORE_GROUP_SIZES", "1")
	t.Setenv("SHM_MAP", "no")
	m := newTestManager(t, fake.New())

	dev, err := m.ApplyForDevice(1, 1, -1)
	if err != nil {
		t.Fatalf("ApplyForDevice: %v", err)
	}
	nnID := mustLoad(t, dev)
	m.ClearIfEmpty(context.Background())
	if m.NumDevices() != 1 {
		t.Fatalf("manager cleared while a model was loaded")
	}
	dev.Unload(context.Background(), nnID)
	m.ClearIfEmpty(context.Background())
	if m.NumDevices() != 0 {
		t.Fatalf("manager kept devices after the last unload")
	}
}

func statusResourceExhausted() error {
	return status.Error(codes.ResourceExhausted, "no grouping of the requested size is available")
}
