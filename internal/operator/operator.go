// Package operator drives one compiled subgraph across its lifetime: lazy
// load onto a device, shape validation, batch splitting with padded tail
// windows, pipelined posting against the driver, and result stitching.
package operator

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/device"
	"npud/internal/metrics"
	"npud/internal/nrt"
	"npud/internal/shm"
	"npud/internal/tensor"
)

const (
	// inferTimeout bounds accelerator-side execution of one request.
	inferTimeout = 10
	// pipelineDepth is the post window for models with a dynamic batch axis.
	pipelineDepth = 4
)

// Attributes is the per-node payload consumed from the graph.
type Attributes struct {
	Name            string
	Executable      []byte
	InputNames      []string
	InputDTypes     []tensor.DType
	InputShapes     []tensor.Shape
	InputBatchAxis  []int
	OutputNames     []string
	OutputDTypes    []tensor.DType
	OutputShapes    []tensor.Shape
	OutputBatchAxis []int
	GraphDef        []byte
}

// Operator is one stateful handler for a fused subgraph node. It claims a
// device lazily on the first Compute and keeps the model loaded until
// Close.
type Operator struct {
	mu  sync.Mutex
	log zerolog.Logger
	mgr *device.Manager

	name            string
	executable      []byte
	inputNames      []string
	inputDTypes     []tensor.DType
	inputShapes     []tensor.Shape
	inputBatchAxis  []int
	outputNames     []string
	outputDTypes    []tensor.DType
	outputShapes    []tensor.Shape
	outputBatchAxis []int

	optDeviceSize    int64
	maxNumDuplicates int64
	deviceIndex      int64

	ready         bool
	dev           *device.Device
	nnID          uint32
	inputSizes    []int
	maxInFlight   int
	sem           *semaphore
	useShm        bool
	outShmBufs    []*shm.Buffer
	outputTensors []*tensor.Tensor
	prof          *profiler
}

// Option tweaks operator construction.
type Option func(*Operator)

// WithDeviceIndex pins the operator to an explicit device slot instead of
// the manager's round-robin assignment.
func WithDeviceIndex(idx int64) Option {
	return func(o *Operator) { o.deviceIndex = idx }
}

// WithDevicePlacement sets the device-size hint and the advisory duplicate
// count used when this operator triggers manager initialization.
func WithDevicePlacement(optDeviceSize, maxNumDuplicates int64) Option {
	return func(o *Operator) {
		o.optDeviceSize = optDeviceSize
		o.maxNumDuplicates = maxNumDuplicates
	}
}

// New captures the node attributes. When PROFILE_DIR is set, the compiled
// artifact and the serialised subgraph are dumped immediately.
func New(attrs Attributes, mgr *device.Manager, log zerolog.Logger, opts ...Option) *Operator {
	o := &Operator{
		log:              log,
		mgr:              mgr,
		name:             attrs.Name,
		executable:       attrs.Executable,
		inputNames:       attrs.InputNames,
		inputDTypes:      attrs.InputDTypes,
		inputShapes:      attrs.InputShapes,
		inputBatchAxis:   attrs.InputBatchAxis,
		outputNames:      attrs.OutputNames,
		outputDTypes:     attrs.OutputDTypes,
		outputShapes:     attrs.OutputShapes,
		outputBatchAxis:  attrs.OutputBatchAxis,
		optDeviceSize:    -1,
		maxNumDuplicates: 1,
		deviceIndex:      -1,
		nnID:             device.InvalidNNID,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.prof = newProfiler(os.Getenv("PROFILE_DIR"), o.name, log)
	if o.prof.enabled() {
		o.prof.dumpInfo(attrs.GraphDef, attrs.Executable)
	}
	return o
}

// NNID returns the primary model id once the operator is initialized.
func (o *Operator) NNID() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nnID
}

// Device returns the claimed device once the operator is initialized.
func (o *Operator) Device() *device.Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dev
}

func (o *Operator) checkAttributes() error {
	if len(o.inputNames) != len(o.inputDTypes) || len(o.inputNames) != len(o.inputShapes) {
		return status.Errorf(codes.FailedPrecondition,
			"incorrect number of inputs: input_names size %d, input_dtypes size %d, input_shapes size %d",
			len(o.inputNames), len(o.inputDTypes), len(o.inputShapes))
	}
	if len(o.outputNames) != len(o.outputDTypes) || len(o.outputNames) != len(o.outputShapes) {
		return status.Errorf(codes.FailedPrecondition,
			"incorrect number of outputs: output_names size %d, output_dtypes size %d, output_shapes size %d",
			len(o.outputNames), len(o.outputDTypes), len(o.outputShapes))
	}
	if len(o.inputBatchAxis) != len(o.inputNames) || len(o.outputBatchAxis) != len(o.outputNames) {
		return status.Error(codes.FailedPrecondition, "batch axis attribute size mismatch")
	}
	if len(o.executable) == 0 {
		return status.Error(codes.FailedPrecondition, "operator has no executable")
	}
	return nil
}

// initializeLocked claims a device, uploads the artifact, preallocates the
// reusable output tensors and sizes the admission semaphore. On success the
// artifact bytes are dropped.
func (o *Operator) initializeLocked(ctx context.Context) error {
	if err := o.checkAttributes(); err != nil {
		return err
	}
	dev, err := o.mgr.ApplyForDevice(o.optDeviceSize, o.maxNumDuplicates, o.deviceIndex)
	if err != nil {
		return err
	}
	o.dev = dev

	dynamicBatch := false
	for _, axis := range o.inputBatchAxis {
		if axis != -1 {
			dynamicBatch = true
			break
		}
	}
	o.maxInFlight = 1
	if dynamicBatch {
		o.maxInFlight = pipelineDepth
	}

	nnID, err := dev.Load(ctx, o.executable, nrt.ModelParams{
		Timeout:        inferTimeout,
		MaxInFlight:    uint32(o.maxInFlight),
		ProfileEnabled: o.prof.enabled(),
	})
	if err != nil {
		return err
	}
	o.nnID = nnID

	o.inputSizes = make([]int, len(o.inputNames))
	for i := range o.inputNames {
		o.inputSizes[i] = tensor.ByteSize(o.inputDTypes[i], o.inputShapes[i])
	}

	// Preallocate reusable output tensors, shared-memory backed where the
	// pool is available.
	o.outputTensors = make([]*tensor.Tensor, len(o.outputNames))
	if pool := dev.ShmPool(); pool != nil && pool.Valid() {
		o.useShm = true
		o.outShmBufs = make([]*shm.Buffer, len(o.outputNames))
		for i := range o.outputNames {
			size := tensor.ByteSize(o.outputDTypes[i], o.outputShapes[i])
			buf := pool.Allocate(ctx, size)
			if buf == nil {
				o.log.Warn().Msg("shared memory is requested but is not available; " +
					"using regular rpc for transferring input/output tensors")
				for j := 0; j < i; j++ {
					pool.Free(o.outShmBufs[j])
				}
				o.outShmBufs = nil
				o.useShm = false
				break
			}
			o.outShmBufs[i] = buf
			o.outputTensors[i] = tensor.NewWithBuffer(o.outputDTypes[i], o.outputShapes[i], buf.Bytes())
		}
	}
	if !o.useShm {
		for i := range o.outputNames {
			o.outputTensors[i] = tensor.New(o.outputDTypes[i], o.outputShapes[i])
		}
	}

	o.sem = newSemaphore(o.maxInFlight)
	if o.prof.enabled() {
		o.prof.nnID = nnID
		o.prof.address = dev.Address()
	}
	o.executable = nil
	o.ready = true
	o.log.Debug().Str("op", o.name).Uint32("nn_id", nnID).
		Int("max_in_flight", o.maxInFlight).Bool("shm", o.useShm).Msg("operator initialized")
	return nil
}

// batchPlan is the outcome of shape validation for one Compute call.
type batchPlan struct {
	batchSize     int64 // request batch size B; 0 when no batched input exists
	kBatchSize    int64 // compiled batch size K
	isBatchInput  []bool
	isBatchOutput []bool
}

func (o *Operator) validateInputs(inputs []*tensor.Tensor) (*batchPlan, error) {
	if len(inputs) != len(o.inputNames) {
		return nil, status.Errorf(codes.InvalidArgument,
			"incorrect number of input tensors: got %d, want %d", len(inputs), len(o.inputNames))
	}
	plan := &batchPlan{
		isBatchInput:  make([]bool, len(inputs)),
		isBatchOutput: make([]bool, len(o.outputNames)),
	}
	for i, in := range inputs {
		if in.DType() != o.inputDTypes[i] {
			return nil, status.Errorf(codes.InvalidArgument,
				"incorrect dtype %s found on input tensor %s, expected %s",
				in.DType(), o.inputNames[i], o.inputDTypes[i])
		}
		shape := in.Shape()
		kShape := o.inputShapes[i]
		if o.inputBatchAxis[i] == 0 {
			if len(shape) < 1 || len(kShape) < 1 {
				return nil, status.Errorf(codes.InvalidArgument,
					"no batch-dimension found on input tensor %s with shape %v", o.inputNames[i], shape)
			}
			if plan.batchSize == 0 {
				plan.batchSize = shape[0]
				plan.kBatchSize = kShape[0]
				if plan.batchSize < 1 {
					return nil, status.Errorf(codes.InvalidArgument,
						"incorrect batch size inferred from input tensor %s with shape %v",
						o.inputNames[i], shape)
				}
			} else if plan.batchSize != shape[0] {
				return nil, status.Errorf(codes.InvalidArgument,
					"incorrect batch size found on input tensor %s, tensor shape %v, request batch size %d",
					o.inputNames[i], shape, plan.batchSize)
			}
			if !shape[1:].Equal(kShape[1:]) {
				return nil, status.Errorf(codes.InvalidArgument,
					"incorrect shape found on input tensor %s, inference time shape %v, expected shape %v",
					o.inputNames[i], shape, kShape)
			}
			plan.isBatchInput[i] = plan.batchSize != plan.kBatchSize
		} else {
			if !shape.Equal(kShape) {
				return nil, status.Errorf(codes.InvalidArgument,
					"incorrect shape found on input tensor %s, inference time shape %v, expected shape %v",
					o.inputNames[i], shape, kShape)
			}
		}
	}
	for i := range o.outputNames {
		if o.outputBatchAxis[i] == 0 {
			kShape := o.outputShapes[i]
			if len(kShape) < 1 {
				return nil, status.Errorf(codes.InvalidArgument,
					"no batch-dimension found on output tensor %s with shape %v", o.outputNames[i], kShape)
			}
			if plan.kBatchSize != 0 && kShape[0] != plan.kBatchSize {
				return nil, status.Errorf(codes.InvalidArgument,
					"incorrect batch size found on output tensor %s, shape %v, compiled batch size %d",
					o.outputNames[i], kShape, plan.kBatchSize)
			}
			plan.isBatchOutput[i] = plan.batchSize != 0 && plan.batchSize != kShape[0]
		}
	}
	return plan, nil
}

// Compute runs one inference request, splitting it into micro-batches when
// the request batch size differs from the compiled one.
func (o *Operator) Compute(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	o.mu.Lock()
	if !o.ready {
		if err := o.initializeLocked(ctx); err != nil {
			o.mu.Unlock()
			return nil, err
		}
	}
	o.mu.Unlock()

	plan, err := o.validateInputs(inputs)
	if err != nil {
		return nil, err
	}
	if plan.batchSize != 0 && plan.batchSize != plan.kBatchSize {
		return o.computeBatched(ctx, inputs, plan)
	}
	return o.computeSingle(ctx, inputs)
}

// buildIO assembles the request descriptor for one micro-batch (or the
// whole request on the single path). Inputs go through the shared-memory
// pool when it is valid; otherwise the payload rides inline. The returned
// release func hands pooled buffers back and must run after the wait.
func (o *Operator) buildIO(ctx context.Context, micro []*tensor.Tensor, shmOutputs bool) (*device.RuntimeIO, func(), error) {
	io := &device.RuntimeIO{NNID: o.nnID, UseShm: shmOutputs}
	io.Marks.MarkEnter()
	var pooled []*shm.Buffer
	release := func() {
		if pool := o.dev.ShmPool(); pool != nil {
			for _, b := range pooled {
				pool.Free(b)
			}
		}
	}
	for i, in := range micro {
		data := in.Bytes()
		if len(data) != o.inputSizes[i] {
			release()
			return nil, nil, status.Errorf(codes.Internal,
				"incorrect input tensor size %d found on %s (%d)",
				len(data), o.inputNames[i], o.inputSizes[i])
		}
		buf := stageInput(ctx, o.dev.ShmPool(), o.inputNames[i], data)
		if buf.Shm != nil {
			pooled = append(pooled, buf.Shm)
		}
		io.Inputs = append(io.Inputs, buf)
	}
	for i := range o.outputNames {
		out := device.IOBuffer{Name: o.outputNames[i], Data: o.outputTensors[i].Bytes()}
		if shmOutputs {
			out.Shm = o.outShmBufs[i]
		}
		io.Outputs = append(io.Outputs, out)
	}
	return io, release, nil
}

// stageInput places one input payload: into a pooled shared-memory buffer
// when available, inline otherwise.
func stageInput(ctx context.Context, pool *shm.Pool, name string, data []byte) device.IOBuffer {
	if pool != nil && pool.Valid() {
		if buf := pool.Allocate(ctx, len(data)); buf != nil {
			copy(buf.Bytes(), data)
			return device.IOBuffer{Name: name, Shm: buf}
		}
	}
	return device.IOBuffer{Name: name, Data: data}
}

func (o *Operator) computeSingle(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	io, release, err := o.buildIO(ctx, inputs, o.useShm)
	if err != nil {
		return nil, err
	}
	defer release()

	unlock := o.dev.Acquire()
	defer unlock()
	o.prof.startSession()
	err = o.dev.InferLocked(ctx, io)
	o.prof.stopSession()
	if err != nil {
		return nil, err
	}

	results := make([]*tensor.Tensor, len(o.outputNames))
	for i := range o.outputNames {
		results[i] = tensor.New(o.outputDTypes[i], o.outputShapes[i])
		if err := results[i].CopyFrom(o.outputTensors[i].Bytes()); err != nil {
			return nil, err
		}
	}
	io.Marks.MarkExit()
	o.log.Debug().Str("op", o.name).Str("timing", io.Marks.String()).Msg("infer done")
	return results, nil
}

func (o *Operator) computeBatched(ctx context.Context, inputs []*tensor.Tensor, plan *batchPlan) ([]*tensor.Tensor, error) {
	b, k := plan.batchSize, plan.kBatchSize
	numBatches := (b + k - 1) / k

	// Allocate the caller-facing outputs: batched outputs get B rows.
	results := make([]*tensor.Tensor, len(o.outputNames))
	for i := range o.outputNames {
		if plan.isBatchOutput[i] {
			results[i] = tensor.New(o.outputDTypes[i], o.outputShapes[i].WithDim0(b))
		} else {
			results[i] = tensor.New(o.outputDTypes[i], o.outputShapes[i])
		}
	}

	// Slice each batched input into K-sized windows; the last window is a
	// fresh zero-filled tensor with the residual rows copied in.
	microInputs := make([][]*tensor.Tensor, numBatches)
	for batchIdx := int64(0); batchIdx < numBatches; batchIdx++ {
		dim0Start := batchIdx * k
		row := make([]*tensor.Tensor, len(inputs))
		for i, in := range inputs {
			if !plan.isBatchInput[i] {
				row[i] = in
				continue
			}
			if batchIdx == numBatches-1 && b%k != 0 {
				pad := tensor.New(o.inputDTypes[i], in.Shape().WithDim0(k))
				residual := in.SliceRows(dim0Start, b)
				if err := pad.CopyFrom(residual.Bytes()); err != nil {
					return nil, err
				}
				row[i] = pad
			} else {
				row[i] = in.SliceRows(dim0Start, dim0Start+k)
			}
		}
		microInputs[batchIdx] = row
	}

	// Pipelined execution: hold the device for the whole batch and slide a
	// window of depth maxInFlight over the micro-batches. The admission
	// semaphore is reserved per post and released on every exit path.
	acquired, released := 0, 0
	defer func() {
		for released < acquired {
			o.sem.Release()
			released++
		}
	}()

	ios := make([]*device.RuntimeIO, numBatches)
	releases := make([]func(), numBatches)
	defer func() {
		for _, rel := range releases {
			if rel != nil {
				rel()
			}
		}
	}()

	unlock := o.dev.Acquire()
	defer unlock()

	start := int64(0)
	for start < numBatches {
		end := start + int64(o.maxInFlight)
		if end > numBatches {
			end = numBatches
		}
		for batchIdx := start; batchIdx < end; batchIdx++ {
			if err := o.sem.Acquire(ctx); err != nil {
				return nil, err
			}
			acquired++
			io, release, err := o.buildIO(ctx, microInputs[batchIdx], false)
			if err != nil {
				return nil, err
			}
			ios[batchIdx] = io
			releases[batchIdx] = release
			if err := o.dev.InferPostLocked(ctx, io); err != nil {
				return nil, err
			}
			metrics.MicroBatchesTotal.Inc()
		}
		for batchIdx := start; batchIdx < end; batchIdx++ {
			err := o.dev.InferWait(ctx, ios[batchIdx])
			o.sem.Release()
			released++
			releases[batchIdx]()
			releases[batchIdx] = nil
			if err != nil {
				return nil, err
			}
			if err := o.stitch(results, plan, batchIdx); err != nil {
				return nil, err
			}
		}
		start = end
	}

	// Non-batched outputs carry the last micro-batch's values.
	for i := range o.outputNames {
		if plan.isBatchOutput[i] {
			continue
		}
		if err := results[i].CopyFrom(o.outputTensors[i].Bytes()); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// stitch copies one micro-batch's outputs into the caller's output
// tensors, truncating the last window to the residual rows.
func (o *Operator) stitch(results []*tensor.Tensor, plan *batchPlan, batchIdx int64) error {
	b, k := plan.batchSize, plan.kBatchSize
	dim0Start := batchIdx * k
	dim0Limit := dim0Start + k
	if dim0Limit > b {
		dim0Limit = b
	}
	for i := range o.outputNames {
		if !plan.isBatchOutput[i] {
			continue
		}
		slice := results[i].SliceRows(dim0Start, dim0Limit)
		src := o.outputTensors[i].Bytes()
		if err := slice.CopyFrom(src[:slice.ByteSize()]); err != nil {
			return err
		}
	}
	return nil
}

// Close stops and unloads the operator's model and returns its
// shared-memory buffers, then sweeps the manager if nothing is loaded
// anywhere anymore.
func (o *Operator) Close(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready {
		return
	}
	if pool := o.dev.ShmPool(); pool != nil {
		for _, buf := range o.outShmBufs {
			pool.Free(buf)
		}
	}
	o.outShmBufs = nil
	o.dev.Unload(ctx, o.nnID)
	o.ready = false
	o.mgr.ClearIfEmpty(ctx)
}
