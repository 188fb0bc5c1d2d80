package nrt

import "context"

// Driver is the call surface the runtime needs from the driver daemon.
// *Client implements it over gRPC; tests substitute an in-memory fake.
type Driver interface {
	CreateEG(ctx context.Context, requestedCores uint32) (egID uint32, grantedCores uint32, err error)
	DestroyEG(ctx context.Context, egID uint32, fromShutdown bool) error
	Load(ctx context.Context, egID uint32, executable []byte, params ModelParams) (nnID uint32, err error)
	Unload(ctx context.Context, nnID uint32, fromShutdown bool) error
	Start(ctx context.Context, nnID uint32) error
	StartPing(ctx context.Context, nnID uint32) error
	Stop(ctx context.Context, nnID uint32) error
	Infer(ctx context.Context, req *InferRequest) (*InferResponse, error)
	InferPost(ctx context.Context, req *InferRequest) (cookie uint64, err error)
	InferWait(ctx context.Context, cookie uint64) (*InferResponse, error)
	ShmMap(ctx context.Context, path string, prot uint32) error
	ShmUnmap(ctx context.Context, path string, prot uint32) error
}
