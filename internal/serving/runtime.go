// Package serving hosts the runtime inside a long-running daemon: it scans
// an artifact directory, builds one operator per compiled artifact and
// bridges the HTTP API onto the operator surface.
package serving

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/device"
	"npud/internal/operator"
	"npud/internal/registry"
	"npud/internal/tensor"
	"npud/pkg/types"
)

type servedModel struct {
	artifact types.Artifact
	meta     types.ArtifactMeta
	op       *operator.Operator
}

// Runtime serves a set of preloaded artifacts over one device manager.
type Runtime struct {
	mu      sync.Mutex
	log     zerolog.Logger
	mgr     *device.Manager
	models  map[string]*servedModel
	order   []string
	started time.Time
}

// New builds an empty runtime on top of mgr.
func New(mgr *device.Manager, log zerolog.Logger) *Runtime {
	return &Runtime{
		log:     log,
		mgr:     mgr,
		models:  make(map[string]*servedModel),
		started: time.Now(),
	}
}

// LoadDir scans dir for artifacts and registers an operator for every one
// that carries a sidecar signature. Artifacts without metadata are skipped
// with a warning; the operators load lazily on first inference.
func (rt *Runtime) LoadDir(dir string) error {
	artifacts, err := registry.LoadDir(dir)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, art := range artifacts {
		if art.MetaPath == "" {
			rt.log.Warn().Str("artifact", art.ID).Msg("artifact has no sidecar metadata; skipping")
			continue
		}
		meta, err := registry.LoadMeta(art.MetaPath)
		if err != nil {
			rt.log.Warn().Err(err).Str("artifact", art.ID).Msg("cannot parse artifact metadata; skipping")
			continue
		}
		executable, err := os.ReadFile(art.Path)
		if err != nil {
			rt.log.Warn().Err(err).Str("artifact", art.ID).Msg("cannot read artifact; skipping")
			continue
		}
		attrs, err := attributesFrom(art.ID, executable, meta)
		if err != nil {
			rt.log.Warn().Err(err).Str("artifact", art.ID).Msg("bad artifact signature; skipping")
			continue
		}
		rt.models[art.ID] = &servedModel{
			artifact: art,
			meta:     meta,
			op:       operator.New(attrs, rt.mgr, rt.log),
		}
		rt.order = append(rt.order, art.ID)
		rt.log.Info().Str("artifact", art.ID).Msg("artifact registered")
	}
	return nil
}

func attributesFrom(name string, executable []byte, meta types.ArtifactMeta) (operator.Attributes, error) {
	attrs := operator.Attributes{Name: name, Executable: executable}
	for _, in := range meta.Inputs {
		d := tensor.DType(in.DType)
		if !d.Valid() {
			return attrs, status.Errorf(codes.InvalidArgument, "unsupported input dtype %q on %s", in.DType, in.Name)
		}
		attrs.InputNames = append(attrs.InputNames, in.Name)
		attrs.InputDTypes = append(attrs.InputDTypes, d)
		attrs.InputShapes = append(attrs.InputShapes, tensor.Shape(in.Shape))
		attrs.InputBatchAxis = append(attrs.InputBatchAxis, in.BatchAxis)
	}
	for _, out := range meta.Outputs {
		d := tensor.DType(out.DType)
		if !d.Valid() {
			return attrs, status.Errorf(codes.InvalidArgument, "unsupported output dtype %q on %s", out.DType, out.Name)
		}
		attrs.OutputNames = append(attrs.OutputNames, out.Name)
		attrs.OutputDTypes = append(attrs.OutputDTypes, d)
		attrs.OutputShapes = append(attrs.OutputShapes, tensor.Shape(out.Shape))
		attrs.OutputBatchAxis = append(attrs.OutputBatchAxis, out.BatchAxis)
	}
	return attrs, nil
}

// ListModels returns the registered artifacts in scan order.
func (rt *Runtime) ListModels() []types.Artifact {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]types.Artifact, 0, len(rt.order))
	for _, id := range rt.order {
		out = append(out, rt.models[id].artifact)
	}
	return out
}

// Status projects the manager and model state.
func (rt *Runtime) Status() types.StatusResponse {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	resp := types.StatusResponse{
		UptimeSeconds:  int64(time.Since(rt.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	for idx, dev := range rt.mgr.Devices() {
		ds := types.DeviceStatus{
			Index:     idx,
			NumCores:  dev.NumCores(),
			NumGroups: dev.SemaphoreFactor(),
			NumModels: dev.NumExecutable(),
		}
		if running := dev.Running(); running != device.InvalidNNID {
			ds.RunningNNID = &running
		}
		resp.Devices = append(resp.Devices, ds)
	}
	for _, id := range rt.order {
		m := rt.models[id]
		nnID := m.op.NNID()
		resp.Models = append(resp.Models, types.ModelStatus{
			ID:    id,
			NNID:  nnID,
			Ready: nnID != device.InvalidNNID,
		})
	}
	return resp
}

// Ready reports whether the daemon can serve. A model that claims to be
// running is probed with a cheap driver ping.
func (rt *Runtime) Ready() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.models) == 0 {
		return false
	}
	for _, id := range rt.order {
		m := rt.models[id]
		nnID := m.op.NNID()
		if nnID == device.InvalidNNID {
			continue
		}
		dev := m.op.Device()
		if dev != nil && dev.Running() == nnID {
			if err := dev.StartPing(context.Background(), nnID); err != nil {
				rt.log.Warn().Err(err).Str("artifact", id).Msg("readiness ping failed")
				return false
			}
		}
	}
	return true
}

func (rt *Runtime) resolve(id string) (*servedModel, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if id == "" {
		if len(rt.order) == 1 {
			return rt.models[rt.order[0]], nil
		}
		return nil, status.Error(codes.NotFound, "model not specified and no single default exists")
	}
	m, ok := rt.models[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "model not found: %s", id)
	}
	return m, nil
}

// Infer runs one request against the named artifact.
func (rt *Runtime) Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	m, err := rt.resolve(req.Model)
	if err != nil {
		return types.InferResponse{}, err
	}
	byName := make(map[string]types.TensorPayload, len(req.Inputs))
	for _, p := range req.Inputs {
		byName[p.Name] = p
	}
	inputs := make([]*tensor.Tensor, 0, len(m.meta.Inputs))
	for _, in := range m.meta.Inputs {
		p, ok := byName[in.Name]
		if !ok {
			return types.InferResponse{}, status.Errorf(codes.InvalidArgument,
				"missing input tensor %s", in.Name)
		}
		t, err := tensor.NewFromBytes(tensor.DType(p.DType), tensor.Shape(p.Shape), p.Data)
		if err != nil {
			return types.InferResponse{}, err
		}
		inputs = append(inputs, t)
	}
	outputs, err := m.op.Compute(ctx, inputs)
	if err != nil {
		return types.InferResponse{}, err
	}
	resp := types.InferResponse{Model: m.artifact.ID}
	for i, out := range outputs {
		resp.Outputs = append(resp.Outputs, types.TensorPayload{
			Name:  m.meta.Outputs[i].Name,
			DType: string(out.DType()),
			Shape: out.Shape(),
			Data:  out.Bytes(),
		})
	}
	return resp, nil
}

// Close unloads every operator and sweeps the manager.
func (rt *Runtime) Close(ctx context.Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, id := range rt.order {
		rt.models[id].op.Close(ctx)
	}
}
