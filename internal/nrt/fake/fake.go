// Package fake is an in-memory stand-in for the driver daemon, used by
// tests across the runtime packages.
package fake

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/nrt"
)

// Call records one driver operation in arrival order.
type Call struct {
	Op   string
	EGID uint32
	NNID uint32
}

// Driver implements nrt.Driver in memory.
//
// Behavior knobs are plain exported fields set before use; the zero value
// grants every EG request at the requested size (size 1 when unspecified)
// and echoes inference inputs back as outputs.
type Driver struct {
	mu sync.Mutex

	// GrantCores overrides how many cores create_eg grants.
	GrantCores func(requested uint32) (uint32, error)
	// LoadErr injects a load failure for a given EG.
	LoadErr func(egID uint32) error
	// InferFn computes outputs for a request. Nil echoes ifmap as ofmap.
	InferFn func(req *nrt.InferRequest) ([]*nrt.InferIO, error)
	// ShmMapErr fails every shm_map call when set.
	ShmMapErr error
	// FixedNNID makes every load return the same id, for exercising
	// primary-id collision handling.
	FixedNNID uint32

	nextEG     uint32
	nextNN     uint32
	nextCookie uint64

	egs     map[uint32]bool
	loaded  map[uint32]uint32 // nnID -> egID
	params  map[uint32]nrt.ModelParams
	started map[uint32]bool
	pending map[uint64]*nrt.InferRequest
	shms    map[string]bool

	calls []Call

	outstanding    int
	maxOutstanding int
}

func New() *Driver {
	return &Driver{
		egs:     make(map[uint32]bool),
		loaded:  make(map[uint32]uint32),
		params:  make(map[uint32]nrt.ModelParams),
		started: make(map[uint32]bool),
		pending: make(map[uint64]*nrt.InferRequest),
		shms:    make(map[string]bool),
	}
}

func (d *Driver) record(op string, egID, nnID uint32) {
	d.calls = append(d.calls, Call{Op: op, EGID: egID, NNID: nnID})
}

// Calls returns a snapshot of every recorded driver operation.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallsFor returns the recorded calls with the given op, in order.
func (d *Driver) CallsFor(op string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Started reports whether nnID is in the started state.
func (d *Driver) Started(nnID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started[nnID]
}

// MaxOutstanding reports the highest number of posts that were in flight
// at any instant.
func (d *Driver) MaxOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOutstanding
}

// NumLoaded reports how many models the driver currently holds.
func (d *Driver) NumLoaded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.loaded)
}

// MappedShms reports how many shared-memory paths are currently mapped.
func (d *Driver) MappedShms() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ok := range d.shms {
		if ok {
			n++
		}
	}
	return n
}

func (d *Driver) CreateEG(_ context.Context, requestedCores uint32) (uint32, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	granted := requestedCores
	if granted == 0 {
		granted = 1
	}
	if d.GrantCores != nil {
		var err error
		granted, err = d.GrantCores(requestedCores)
		if err != nil {
			return 0, 0, err
		}
	}
	d.nextEG++
	d.egs[d.nextEG] = true
	d.record("create_eg", d.nextEG, 0)
	return d.nextEG, granted, nil
}

func (d *Driver) DestroyEG(_ context.Context, egID uint32, fromShutdown bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.egs[egID] && !fromShutdown {
		return status.Errorf(codes.Internal, "destroy_eg: unknown eg %d", egID)
	}
	delete(d.egs, egID)
	d.record("destroy_eg", egID, 0)
	return nil
}

func (d *Driver) Load(_ context.Context, egID uint32, executable []byte, params nrt.ModelParams) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LoadErr != nil {
		if err := d.LoadErr(egID); err != nil {
			return 0, err
		}
	}
	if !d.egs[egID] {
		return 0, status.Errorf(codes.Internal, "load: unknown eg %d", egID)
	}
	if len(executable) == 0 {
		return 0, status.Error(codes.InvalidArgument, "load: empty executable")
	}
	nnID := d.FixedNNID
	if nnID == 0 {
		d.nextNN++
		nnID = d.nextNN
	}
	d.loaded[nnID] = egID
	d.params[nnID] = params
	d.record("load", egID, nnID)
	return nnID, nil
}

func (d *Driver) Unload(_ context.Context, nnID uint32, fromShutdown bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.loaded[nnID]; !ok && !fromShutdown {
		return status.Errorf(codes.Internal, "unload: unknown nn %d", nnID)
	}
	delete(d.loaded, nnID)
	delete(d.params, nnID)
	delete(d.started, nnID)
	d.record("unload", 0, nnID)
	return nil
}

func (d *Driver) Start(_ context.Context, nnID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.loaded[nnID]; !ok {
		return status.Errorf(codes.Internal, "start: unknown nn %d", nnID)
	}
	d.started[nnID] = true
	d.record("start", 0, nnID)
	return nil
}

func (d *Driver) StartPing(_ context.Context, nnID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started[nnID] {
		return status.Errorf(codes.FailedPrecondition, "start_ping: nn %d is not running", nnID)
	}
	d.record("start_ping", 0, nnID)
	return nil
}

func (d *Driver) Stop(_ context.Context, nnID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.loaded[nnID]; !ok {
		return status.Errorf(codes.Internal, "stop: unknown nn %d", nnID)
	}
	delete(d.started, nnID)
	d.record("stop", 0, nnID)
	return nil
}

func (d *Driver) run(req *nrt.InferRequest) (*nrt.InferResponse, error) {
	if d.InferFn != nil {
		ofmap, err := d.InferFn(req)
		if err != nil {
			return nil, err
		}
		return &nrt.InferResponse{OfMap: ofmap}, nil
	}
	resp := &nrt.InferResponse{}
	for _, io := range req.IfMap {
		resp.OfMap = append(resp.OfMap, &nrt.InferIO{Name: io.Name, Buf: append([]byte(nil), io.Buf...)})
	}
	return resp, nil
}

func (d *Driver) checkRunning(nnID uint32) error {
	if _, ok := d.loaded[nnID]; !ok {
		return status.Errorf(codes.Internal, "infer: unknown nn %d", nnID)
	}
	if !d.started[nnID] {
		return status.Errorf(codes.FailedPrecondition, "infer: nn %d is not running", nnID)
	}
	return nil
}

func (d *Driver) Infer(_ context.Context, req *nrt.InferRequest) (*nrt.InferResponse, error) {
	d.mu.Lock()
	if err := d.checkRunning(req.HNN.ID); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.record("infer", 0, req.HNN.ID)
	d.mu.Unlock()
	return d.run(req)
}

func (d *Driver) InferPost(_ context.Context, req *nrt.InferRequest) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRunning(req.HNN.ID); err != nil {
		return 0, err
	}
	d.nextCookie++
	d.pending[d.nextCookie] = req
	d.outstanding++
	if d.outstanding > d.maxOutstanding {
		d.maxOutstanding = d.outstanding
	}
	d.record("infer_post", 0, req.HNN.ID)
	return d.nextCookie, nil
}

func (d *Driver) InferWait(_ context.Context, cookie uint64) (*nrt.InferResponse, error) {
	d.mu.Lock()
	req, ok := d.pending[cookie]
	if !ok {
		d.mu.Unlock()
		return nil, status.Errorf(codes.Internal, "infer_wait: unknown cookie %d", cookie)
	}
	delete(d.pending, cookie)
	d.outstanding--
	d.record("infer_wait", 0, req.HNN.ID)
	d.mu.Unlock()
	return d.run(req)
}

func (d *Driver) ShmMap(_ context.Context, path string, prot uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ShmMapErr != nil {
		return d.ShmMapErr
	}
	d.shms[path] = true
	d.record("shm_map", 0, 0)
	return nil
}

func (d *Driver) ShmUnmap(_ context.Context, path string, prot uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.shms, path)
	d.record("shm_unmap", 0, 0)
	return nil
}

var _ nrt.Driver = (*Driver)(nil)
