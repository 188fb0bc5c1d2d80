// Package device partitions the accelerator's physical cores into
// execution groups, schedules loaded models onto them under the
// one-running-model-per-group rule, and pipelines inference posts and
// waits against the driver daemon.
package device

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/metrics"
	"npud/internal/nrt"
	"npud/internal/shm"
)

// InvalidNNID is the sentinel for "no model".
const InvalidNNID = ^uint32(0)

// modelEntry tracks one loaded artifact: the sibling handles across the
// device's execution groups and the round-robin cursor over them.
type modelEntry struct {
	allIDs    []uint32
	activeIdx int
}

// Device owns an ordered set of execution groups and the models loaded
// onto them. One mutex serialises lifecycle transitions and request
// posting; waits run outside it so the device keeps accepting posts while
// earlier requests execute on the accelerator.
type Device struct {
	mu      sync.Mutex
	closed  bool
	driver  nrt.Driver
	address string
	log     zerolog.Logger

	egIDs     []uint32
	numCores  uint32
	runningNN uint32
	models    map[uint32]*modelEntry
	shmPool   *shm.Pool
}

// Initialize claims execution groups from the driver. numDuplicates of one
// allocates a single group of numCoresReq cores; a larger value allocates
// that many groups of exactly one core each.
func (d *Device) Initialize(ctx context.Context, driver nrt.Driver, address string,
	numCoresReq, numDuplicates int, shmEnabled bool, log zerolog.Logger) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.Error(codes.Aborted, "device is closed")
	}
	d.driver = driver
	d.address = address
	d.log = log
	if numDuplicates == 1 {
		egID, granted, err := driver.CreateEG(ctx, uint32(numCoresReq))
		if err != nil {
			return err
		}
		d.egIDs = append(d.egIDs, egID)
		d.numCores = granted
	} else {
		for idx := 0; idx < numDuplicates; idx++ {
			egID, granted, err := driver.CreateEG(ctx, uint32(numCoresReq))
			if err != nil {
				d.destroyEGsLocked(ctx, false)
				return err
			}
			if granted != 1 {
				d.egIDs = append(d.egIDs, egID)
				d.destroyEGsLocked(ctx, false)
				return status.Errorf(codes.InvalidArgument,
					"core group size %d is not allowed in model duplication mode", granted)
			}
			d.egIDs = append(d.egIDs, egID)
		}
		d.numCores = uint32(numDuplicates)
	}
	d.runningNN = InvalidNNID
	d.models = make(map[uint32]*modelEntry)
	if shmEnabled && strings.HasPrefix(address, "unix:") {
		d.shmPool = shm.NewPool(driver, log)
	}
	return nil
}

func (d *Device) destroyEGsLocked(ctx context.Context, fromShutdown bool) {
	for _, egID := range d.egIDs {
		if err := d.driver.DestroyEG(ctx, egID, fromShutdown); err != nil {
			d.log.Warn().Err(err).Uint32("eg_id", egID).Msg("destroy_eg failed")
		}
	}
	d.egIDs = nil
}

// ShmPool returns the device-scoped shared-memory pool, or nil when shared
// memory is disabled or the driver address is not a unix socket.
func (d *Device) ShmPool() *shm.Pool { return d.shmPool }

// Address returns the driver address the device was initialized against.
func (d *Device) Address() string { return d.address }

// NumCores returns the number of physical cores spanned by the device.
func (d *Device) NumCores() uint32 { return d.numCores }

// SemaphoreFactor returns the duplication width of the device.
func (d *Device) SemaphoreFactor() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.egIDs)
}

// NumExecutable returns the number of loaded model entries.
func (d *Device) NumExecutable() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.models)
}

// Load uploads the artifact onto every execution group of the device. When
// a duplicate other than the first fails, loading stops and the already
// loaded siblings are kept: a partial duplication is still a valid,
// smaller-throughput model. The returned id is the first sibling's.
func (d *Device) Load(ctx context.Context, executable []byte, params nrt.ModelParams) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return InvalidNNID, status.Error(codes.Aborted, "device is closed")
	}
	if len(d.egIDs) == 0 {
		return InvalidNNID, status.Error(codes.Unavailable, "device is uninitialized")
	}
	var allIDs []uint32
	firstNN := InvalidNNID
	if len(d.egIDs) == 1 {
		nnID, err := d.driver.Load(ctx, d.egIDs[0], executable, params)
		if err != nil {
			return InvalidNNID, err
		}
		firstNN = nnID
		allIDs = append(allIDs, nnID)
	} else {
		var lastErr error
		for _, egID := range d.egIDs {
			nnID, err := d.driver.Load(ctx, egID, executable, params)
			if err != nil {
				lastErr = err
				if len(allIDs) > 0 {
					d.log.Warn().Err(err).Uint32("nn_id", firstNN).
						Msg("stop duplicating model after partial load failure")
				}
				break
			}
			if len(allIDs) == 0 {
				firstNN = nnID
			} else {
				d.log.Debug().Uint32("nn_id", firstNN).Uint32("duplicate", nnID).Msg("duplicated model")
			}
			allIDs = append(allIDs, nnID)
		}
		if len(allIDs) == 0 {
			return InvalidNNID, lastErr
		}
	}
	if _, exists := d.models[firstNN]; exists {
		for _, nnID := range allIDs {
			if err := d.driver.Unload(ctx, nnID, false); err != nil {
				d.log.Warn().Err(err).Uint32("nn_id", nnID).Msg("rollback unload failed")
			}
		}
		return InvalidNNID, status.Errorf(codes.AlreadyExists, "nn %d is already mapped", firstNN)
	}
	d.models[firstNN] = &modelEntry{allIDs: allIDs}
	metrics.LoadsTotal.Inc()
	d.log.Debug().Uint32("nn_id", firstNN).Int("siblings", len(allIDs)).Msg("model loaded")
	return firstNN, nil
}

// Unload stops the model if it is running, then drops every sibling.
// Driver failures are tolerated: the entry is removed regardless.
func (d *Device) Unload(ctx context.Context, nnID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	entry, ok := d.models[nnID]
	if !ok {
		d.log.Debug().Uint32("nn_id", nnID).Msg("model is not loaded")
		return
	}
	if d.runningNN == nnID {
		d.stopAllLocked(ctx, entry)
		d.runningNN = InvalidNNID
	}
	for _, sibling := range entry.allIDs {
		if err := d.driver.Unload(ctx, sibling, false); err != nil {
			d.log.Warn().Err(err).Uint32("nn_id", sibling).Msg("unload failed")
		}
	}
	delete(d.models, nnID)
	metrics.UnloadsTotal.Inc()
	d.log.Debug().Uint32("nn_id", nnID).Int("remaining", len(d.models)).Msg("model unloaded")
}

// fanOut posts op for every sibling in parallel and awaits all
// completions before reporting the first failure.
func fanOut(ctx context.Context, ids []uint32, op func(context.Context, uint32) error) error {
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint32) {
			defer wg.Done()
			errs[i] = op(ctx, id)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) stopAllLocked(ctx context.Context, entry *modelEntry) {
	if err := fanOut(ctx, entry.allIDs, d.driver.Stop); err != nil {
		d.log.Warn().Err(err).Msg("stop failed on a sibling")
	}
}

// Acquire takes the device mutex and returns the release func. The caller
// holds the device for the duration of a post burst; waits do not need it.
func (d *Device) Acquire() func() {
	d.mu.Lock()
	return func() { d.mu.Unlock() }
}

// StartModelLocked makes nnID the running model. The caller must hold the
// device mutex (via Acquire).
//
// If another model is running, every one of its siblings is stopped first;
// then, if the device is idle, every sibling of nnID is started. Posts go
// out in parallel and all completions are awaited, so no partial sibling
// set is ever observable as running. A request targeting the model that is
// already running takes none of these transitions.
func (d *Device) StartModelLocked(ctx context.Context, nnID uint32) error {
	if d.closed {
		return status.Error(codes.Aborted, "device is closed")
	}
	entry, ok := d.models[nnID]
	if !ok {
		return status.Errorf(codes.InvalidArgument, "no active id can be found from nn id %d", nnID)
	}
	if d.runningNN != nnID && d.runningNN != InvalidNNID {
		incumbent := d.models[d.runningNN]
		if incumbent != nil {
			if err := fanOut(ctx, incumbent.allIDs, d.driver.Stop); err != nil {
				d.runningNN = InvalidNNID
				return err
			}
		}
		d.runningNN = InvalidNNID
		metrics.ModelSwapsTotal.Inc()
	}
	if d.runningNN == InvalidNNID {
		if err := fanOut(ctx, entry.allIDs, d.driver.Start); err != nil {
			// Roll the sibling set back so no partial start survives.
			d.stopAllLocked(ctx, entry)
			return err
		}
		d.runningNN = nnID
		d.log.Debug().Uint32("nn_id", nnID).Msg("model started")
	}
	return nil
}

// getActiveLocked rewrites the primary id to the current duplicate and
// advances the round-robin cursor.
func (d *Device) getActiveLocked(nnID uint32) (uint32, error) {
	entry, ok := d.models[nnID]
	if !ok {
		return InvalidNNID, status.Errorf(codes.InvalidArgument,
			"no active id can be found from nn id %d", nnID)
	}
	idx := entry.activeIdx
	entry.activeIdx = (idx + 1) % len(entry.allIDs)
	return entry.allIDs[idx], nil
}

// InferPostLocked ensures the target model is running, stamps the active
// duplicate onto the descriptor and posts the request. The caller must
// hold the device mutex.
func (d *Device) InferPostLocked(ctx context.Context, io *RuntimeIO) error {
	if err := d.StartModelLocked(ctx, io.NNID); err != nil {
		return err
	}
	active, err := d.getActiveLocked(io.NNID)
	if err != nil {
		return err
	}
	io.NNID = active
	io.Marks.MarkAboveDriver()
	cookie, err := d.driver.InferPost(ctx, io.request())
	if err != nil {
		metrics.InferErrorsTotal.Inc()
		return err
	}
	io.Cookie = cookie
	metrics.InfersTotal.Inc()
	return nil
}

// InferWait reaps one posted request. It runs without the device mutex so
// the scheduler can accept the next post while this one drains.
func (d *Device) InferWait(ctx context.Context, io *RuntimeIO) error {
	resp, err := d.driver.InferWait(ctx, io.Cookie)
	if err != nil {
		metrics.InferErrorsTotal.Inc()
		return err
	}
	io.Marks.MarkBelowDriver()
	return io.fillOutputs(resp)
}

// InferLocked runs one synchronous inference. The caller must hold the
// device mutex.
func (d *Device) InferLocked(ctx context.Context, io *RuntimeIO) error {
	if err := d.StartModelLocked(ctx, io.NNID); err != nil {
		return err
	}
	active, err := d.getActiveLocked(io.NNID)
	if err != nil {
		return err
	}
	io.NNID = active
	io.Marks.MarkAboveDriver()
	resp, err := d.driver.Infer(ctx, io.request())
	if err != nil {
		metrics.InferErrorsTotal.Inc()
		return err
	}
	io.Marks.MarkBelowDriver()
	metrics.InfersTotal.Inc()
	return io.fillOutputs(resp)
}

// Running returns the primary id of the running model, or InvalidNNID.
func (d *Device) Running() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningNN
}

// StartPing probes a model expected to be running already.
func (d *Device) StartPing(ctx context.Context, nnID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return status.Error(codes.Aborted, "device is closed")
	}
	return d.driver.StartPing(ctx, nnID)
}

// Clear stops and unloads everything tolerantly, destroys every execution
// group and drops the shared-memory pool. When called from the signal
// handler (fromGlobalState), the device is marked closed so subsequent
// operations short-circuit with Aborted.
func (d *Device) Clear(ctx context.Context, fromGlobalState bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if fromGlobalState {
		d.closed = true
	}
	for nnID, entry := range d.models {
		if d.runningNN == nnID {
			d.stopAllLocked(ctx, entry)
		}
		for _, sibling := range entry.allIDs {
			if err := d.driver.Unload(ctx, sibling, fromGlobalState); err != nil {
				d.log.Warn().Err(err).Uint32("nn_id", sibling).Msg("unload failed during clear")
			}
		}
	}
	d.destroyEGsLocked(ctx, fromGlobalState)
	if d.shmPool != nil {
		d.shmPool.Clear(ctx)
	}
	if !fromGlobalState {
		d.runningNN = InvalidNNID
		d.models = make(map[uint32]*modelEntry)
		d.shmPool = nil
	}
}
