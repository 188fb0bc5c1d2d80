package nrt

import (
	"context"
	"math"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "/npu.driver.v1.Driver/"

	// maxChunkSize bounds one artifact frame on the streaming load call.
	maxChunkSize = 1 << 20
)

var loadStreamDesc = &grpc.StreamDesc{
	StreamName:    "load",
	ClientStreams: true,
}

// Client is a thin, reconnection-free, thread-safe driver client. One
// Client (one connection) is shared per process.
type Client struct {
	mu      sync.Mutex
	conn    *grpc.ClientConn
	address string
}

// NewClient returns an unconnected client; call Initialize before use.
func NewClient() *Client { return &Client{} }

// Initialize establishes the connection. It is idempotent: a second call
// with the same address is a no-op, a different address is rejected.
func (c *Client) Initialize(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if c.address != address {
			return status.Errorf(codes.InvalidArgument,
				"driver client already connected to %s, cannot reconnect to %s", c.address, address)
		}
		return nil
	}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(rawCodec{}),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
		),
	)
	if err != nil {
		return status.Errorf(codes.Unavailable, "cannot establish grpc channel to driver at %s: %v", address, err)
	}
	c.conn = conn
	c.address = address
	return nil
}

// Address returns the address Initialize connected to.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Close tears the connection down. Safe on an unconnected client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) invoke(ctx context.Context, method string, req, resp message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return status.Error(codes.Unavailable, "driver client is not initialized")
	}
	if err := conn.Invoke(ctx, serviceName+method, req, resp); err != nil {
		return err
	}
	return nil
}

// CreateEG asks the driver for an execution group of requestedCores cores.
// requestedCores of zero lets the driver pick the largest grouping it has.
func (c *Client) CreateEG(ctx context.Context, requestedCores uint32) (uint32, uint32, error) {
	req := &CreateEGRequest{NCCount: requestedCores}
	resp := &CreateEGResponse{}
	if err := c.invoke(ctx, "create_eg", req, resp); err != nil {
		return 0, 0, err
	}
	if err := checkStatus("create_eg", &resp.Status); err != nil {
		return 0, 0, err
	}
	return resp.HEG.ID, resp.NCCount, nil
}

// DestroyEG releases an execution group. With fromShutdown the call is
// tolerant of handles the driver has already dropped.
func (c *Client) DestroyEG(ctx context.Context, egID uint32, fromShutdown bool) error {
	req := &DestroyEGRequest{HEG: EGHandle{ID: egID}, FromShutdown: fromShutdown}
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "destroy_eg", req, resp); err != nil {
		return err
	}
	err := checkStatus("destroy_eg", &resp.Status)
	if err != nil && fromShutdown {
		return nil
	}
	return err
}

// Load streams an artifact onto one execution group: a header frame with
// the EG handle, a size frame, a parameter frame, then the artifact bytes
// in frames of at most maxChunkSize.
func (c *Client) Load(ctx context.Context, egID uint32, executable []byte, params ModelParams) (uint32, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, status.Error(codes.Unavailable, "driver client is not initialized")
	}
	stream, err := conn.NewStream(ctx, loadStreamDesc, serviceName+"load",
		grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return 0, err
	}
	if err := stream.SendMsg(&LoadRequest{HEG: &EGHandle{ID: egID}}); err != nil {
		return 0, err
	}
	if err := stream.SendMsg(&LoadRequest{NeffSize: uint64(len(executable))}); err != nil {
		return 0, err
	}
	p := params
	if err := stream.SendMsg(&LoadRequest{ModelParams: &p}); err != nil {
		return 0, err
	}
	for pos := 0; pos < len(executable); pos += maxChunkSize {
		end := pos + maxChunkSize
		if end > len(executable) {
			end = len(executable)
		}
		if err := stream.SendMsg(&LoadRequest{Chunk: executable[pos:end]}); err != nil {
			return 0, err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}
	resp := &LoadResponse{}
	if err := stream.RecvMsg(resp); err != nil {
		return 0, err
	}
	if err := checkStatus("load", &resp.Status); err != nil {
		return 0, err
	}
	return resp.HNN.ID, nil
}

// Unload drops one loaded artifact. With fromShutdown the call is tolerant
// of models the driver no longer knows.
func (c *Client) Unload(ctx context.Context, nnID uint32, fromShutdown bool) error {
	req := &NNRequest{HNN: NNHandle{ID: nnID}, FromShutdown: fromShutdown}
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "unload", req, resp); err != nil {
		return err
	}
	err := checkStatus("unload", &resp.Status)
	if err != nil && fromShutdown {
		return nil
	}
	return err
}

// Start transitions one loaded artifact to the running state.
func (c *Client) Start(ctx context.Context, nnID uint32) error {
	req := &NNRequest{HNN: NNHandle{ID: nnID}}
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "start", req, resp); err != nil {
		return err
	}
	return checkStatus("start", &resp.Status)
}

// StartPing probes a model that is expected to already be running.
func (c *Client) StartPing(ctx context.Context, nnID uint32) error {
	req := &NNRequest{HNN: NNHandle{ID: nnID}}
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "start_ping", req, resp); err != nil {
		return err
	}
	return checkStatus("start_ping", &resp.Status)
}

// Stop transitions one running artifact back to the loaded state.
func (c *Client) Stop(ctx context.Context, nnID uint32) error {
	req := &NNRequest{HNN: NNHandle{ID: nnID}}
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "stop", req, resp); err != nil {
		return err
	}
	return checkStatus("stop", &resp.Status)
}

// Infer runs one synchronous inference.
func (c *Client) Infer(ctx context.Context, req *InferRequest) (*InferResponse, error) {
	resp := &InferResponse{}
	if err := c.invoke(ctx, "infer", req, resp); err != nil {
		return nil, err
	}
	if err := checkStatus("infer", &resp.Status); err != nil {
		return nil, err
	}
	return resp, nil
}

// InferPost enqueues one inference and returns the driver cookie for the
// outstanding request.
func (c *Client) InferPost(ctx context.Context, req *InferRequest) (uint64, error) {
	resp := &InferPostResponse{}
	if err := c.invoke(ctx, "infer_post", req, resp); err != nil {
		return 0, err
	}
	if err := checkStatus("infer_post", &resp.Status); err != nil {
		return 0, err
	}
	return resp.Cookie, nil
}

// InferWait blocks until the posted request identified by cookie completes.
func (c *Client) InferWait(ctx context.Context, cookie uint64) (*InferResponse, error) {
	req := &InferWaitRequest{Cookie: cookie}
	resp := &InferResponse{}
	if err := c.invoke(ctx, "infer_wait", req, resp); err != nil {
		return nil, err
	}
	if err := checkStatus("infer_wait", &resp.Status); err != nil {
		return nil, err
	}
	return resp, nil
}

// ShmMap registers a named shared-memory object with the driver.
func (c *Client) ShmMap(ctx context.Context, path string, prot uint32) error {
	req := &ShmRequest{Path: path, MmapProt: prot}
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "shm_map", req, resp); err != nil {
		return err
	}
	return checkStatus("shm_map", &resp.Status)
}

// ShmUnmap releases a driver-side shared-memory registration.
func (c *Client) ShmUnmap(ctx context.Context, path string, prot uint32) error {
	req := &ShmRequest{Path: path, MmapProt: prot}
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "shm_unmap", req, resp); err != nil {
		return err
	}
	return checkStatus("shm_unmap", &resp.Status)
}

var _ Driver = (*Client)(nil)
