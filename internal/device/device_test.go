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

var testExec = []byte("compiled-artifact")

func newTestDevice(t *testing.T, drv nrt.Driver, cores, dup int) *Device {
	t.Helper()
	dev := &Device{}
	if err := dev.Initialize(context.Background(), drv, "unix:/tmp/test.sock", cores, dup, false, zerolog.Nop()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return dev
}

func mustLoad(t *testing.T, dev *Device) uint32 {
	t.Helper()
	nnID, err := dev.Load(context.Background(), testExec, nrt.ModelParams{Timeout: 10, MaxInFlight: 1})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return nnID
}

func postOne(t *testing.T, dev *Device, nnID uint32) *RuntimeIO {
	t.Helper()
	io := &RuntimeIO{NNID: nnID, Inputs: []IOBuffer{{Name: "x", Data: []byte{1, 2, 3, 4}}}}
	unlock := dev.Acquire()
	err := dev.InferPostLocked(context.Background(), io)
	unlock()
	if err != nil {
		t.Fatalf("InferPostLocked: %v", err)
	}
	return io
}

func TestLoadAndStartOnFirstInfer(t *testing.T) {
	drv := fake.New()
	dev := newTestDevice(t, drv, 1, 1)
	nnID := mustLoad(t, dev)

	if dev.Running() != InvalidNNID {
		t.Fatalf("device should be idle after load")
	}
	io := postOne(t, dev, nnID)
	if err := dev.InferWait(context.Background(), io); err != nil {
		t.Fatalf("InferWait: %v", err)
	}
	if got := len(drv.CallsFor("start")); got != 1 {
		t.Errorf("start calls = %d, want 1", got)
	}
	if dev.Running() != nnID {
		t.Errorf("running = %d, want %d", dev.Running(), nnID)
	}

	// A second post on the running model takes no lifecycle transition.
	io2 := postOne(t, dev, nnID)
	if err := dev.InferWait(context.Background(), io2); err != nil {
		t.Fatalf("InferWait: %v", err)
	}
	if got := len(drv.CallsFor("start")); got != 1 {
		t.Errorf("start calls after second infer = %d, want 1", got)
	}
}

func TestModelSwapStopsIncumbentFirst(t *testing.T) {
	drv := fake.New()
	dev := newTestDevice(t, drv, 1, 1)
	m1 := mustLoad(t, dev)
	m2, err := dev.Load(context.Background(), testExec, nrt.ModelParams{})
	if err != nil {
		t.Fatalf("Load m2: %v", err)
	}

	io := postOne(t, dev, m1)
	dev.InferWait(context.Background(), io)
	io2 := postOne(t, dev, m2)
	dev.InferWait(context.Background(), io2)

	// The driver must have seen stop(m1) before start(m2).
	var order []fake.Call
	for _, c := range drv.Calls() {
		if c.Op == "stop" || c.Op == "start" {
			order = append(order, c)
		}
	}
	want := []fake.Call{
		{Op: "start", NNID: m1},
		{Op: "stop", NNID: m1},
		{Op: "start", NNID: m2},
	}
	if len(order) != len(want) {
		t.Fatalf("lifecycle calls = %v, want %v", order, want)
	}
	for i := range want {
		if order[i].Op != want[i].Op || order[i].NNID != want[i].NNID {
			t.Errorf("call %d = %+v, want %+v", i, order[i], want[i])
		}
	}
	if dev.Running() != m2 {
		t.Errorf("running = %d, want %d", dev.Running(), m2)
	}
}

func TestDuplicationRoundRobin(t *testing.T) {
	drv := fake.New()
	dev := newTestDevice(t, drv, 1, 2)
	nnID := mustLoad(t, dev)

	var actives []uint32
	for i := 0; i < 4; i++ {
		io := postOne(t, dev, nnID)
		// InferPostLocked rewrote the descriptor to the active sibling.
		actives = append(actives, io.NNID)
		if err := dev.InferWait(context.Background(), io); err != nil {
			t.Fatalf("InferWait %d: %v", i, err)
		}
	}
	if actives[0] == actives[1] {
		t.Fatalf("consecutive dispatches hit the same sibling: %v", actives)
	}
	if actives[0] != actives[2] || actives[1] != actives[3] {
		t.Errorf("dispatch pattern %v is not a strict round-robin", actives)
	}
	// Both siblings were started together before the first post.
	if got := len(drv.CallsFor("start")); got != 2 {
		t.Errorf("start calls = %d, want 2 (one per sibling)", got)
	}
}

func TestDuplicationRejectsMultiCoreGrant(t *testing.T) {
	drv := fake.New()
	drv.GrantCores = func(requested uint32) (uint32, error) { return 2, nil }
	dev := &Device{}
	err := dev.Initialize(context.Background(), drv, "unix:/tmp/test.sock", 1, 2, false, zerolog.Nop())
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Initialize with multi-core grant: err = %v, want InvalidArgument", err)
	}
}

func TestPartialDuplicationIsKept(t *testing.T) {
	drv := fake.New()
	var loads int
	drv.LoadErr = func(egID uint32) error {
		loads++
		if loads == 2 {
			return status.Error(codes.ResourceExhausted, "no memory left")
		}
		return nil
	}
	dev := newTestDevice(t, drv, 1, 2)
	nnID := mustLoad(t, dev)

	// The surviving sibling still serves; round-robin degenerates to it.
	io := postOne(t, dev, nnID)
	io2 := postOne(t, dev, nnID)
	if io.NNID != io2.NNID {
		t.Errorf("expected every dispatch on the single surviving sibling")
	}
}

func TestFirstLoadFailureFailsWhole(t *testing.T) {
	drv := fake.New()
	drv.LoadErr = func(egID uint32) error {
		return status.Error(codes.ResourceExhausted, "no memory left")
	}
	dev := newTestDevice(t, drv, 1, 2)
	_, err := dev.Load(context.Background(), testExec, nrt.ModelParams{})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("Load err = %v, want ResourceExhausted", err)
	}
}

func TestLoadCollisionRollsBack(t *testing.T) {
	drv := fake.New()
	drv.FixedNNID = 7
	dev := newTestDevice(t, drv, 1, 1)
	mustLoad(t, dev)

	_, err := dev.Load(context.Background(), testExec, nrt.ModelParams{})
	if status.Code(err) != codes.AlreadyExists {
		t.Fatalf("second Load err = %v, want AlreadyExists", err)
	}
	if got := len(drv.CallsFor("unload")); got != 1 {
		t.Errorf("rollback unload calls = %d, want 1", got)
	}
	if dev.NumExecutable() != 1 {
		t.Errorf("NumExecutable = %d, want 1", dev.NumExecutable())
	}
}

func TestUnloadStopsRunningModel(t *testing.T) {
	drv := fake.New()
	dev := newTestDevice(t, drv, 1, 1)
	nnID := mustLoad(t, dev)
	io := postOne(t, dev, nnID)
	dev.InferWait(context.Background(), io)

	dev.Unload(context.Background(), nnID)
	if got := len(drv.CallsFor("stop")); got != 1 {
		t.Errorf("stop calls = %d, want 1", got)
	}
	if drv.NumLoaded() != 0 {
		t.Errorf("driver still holds %d models", drv.NumLoaded())
	}
	if dev.Running() != InvalidNNID {
		t.Errorf("device should be idle after unload")
	}
	if dev.NumExecutable() != 0 {
		t.Errorf("NumExecutable = %d, want 0", dev.NumExecutable())
	}
}

func TestClearFromGlobalStateClosesDevice(t *testing.T) {
	drv := fake.New()
	dev := newTestDevice(t, drv, 1, 1)
	mustLoad(t, dev)

	dev.Clear(context.Background(), true)
	_, err := dev.Load(context.Background(), testExec, nrt.ModelParams{})
	if status.Code(err) != codes.Aborted {
		t.Fatalf("Load after signal teardown: err = %v, want Aborted", err)
	}
	unlock := dev.Acquire()
	err = dev.StartModelLocked(context.Background(), 1)
	unlock()
	if status.Code(err) != codes.Aborted {
		t.Fatalf("StartModelLocked after teardown: err = %v, want Aborted", err)
	}
}

func TestUninitializedDeviceLoad(t *testing.T) {
	dev := &Device{}
	dev.models = map[uint32]*modelEntry{}
	dev.driver = fake.New()
	dev.log = zerolog.Nop()
	_, err := dev.Load(context.Background(), testExec, nrt.ModelParams{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("Load on uninitialized device: err = %v, want Unavailable", err)
	}
}
