package device

import (
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/nrt"
	"npud/internal/shm"
)

// IOBuffer references one named tensor buffer of a request. For inputs,
// either Shm carries the payload (already copied into the mapping) or Data
// holds the inline bytes. For outputs, Data is the destination; when Shm is
// set the driver writes the result into the mapping directly and Data is a
// view over it.
type IOBuffer struct {
	Name string
	Data []byte
	Shm  *shm.Buffer
}

// Timestamps carries the timing marks of one request.
type Timestamps struct {
	Enter       time.Time
	AboveDriver time.Time
	BelowDriver time.Time
	Exit        time.Time
}

func (t *Timestamps) MarkEnter()       { t.Enter = time.Now() }
func (t *Timestamps) MarkAboveDriver() { t.AboveDriver = time.Now() }
func (t *Timestamps) MarkBelowDriver() { t.BelowDriver = time.Now() }
func (t *Timestamps) MarkExit()        { t.Exit = time.Now() }

func (t Timestamps) String() string {
	return fmt.Sprintf("queue=%s driver=%s drain=%s",
		t.AboveDriver.Sub(t.Enter), t.BelowDriver.Sub(t.AboveDriver), t.Exit.Sub(t.BelowDriver))
}

// RuntimeIO is the per-request descriptor flowing through a device. NNID is
// the primary model id at entry and is rewritten in place to the active
// duplicate before the request is posted.
type RuntimeIO struct {
	NNID    uint32
	Inputs  []IOBuffer
	Outputs []IOBuffer
	UseShm  bool
	Cookie  uint64
	Marks   Timestamps
}

// request materializes the driver message for this descriptor.
func (io *RuntimeIO) request() *nrt.InferRequest {
	req := &nrt.InferRequest{HNN: nrt.NNHandle{ID: io.NNID}}
	for i := range io.Inputs {
		in := &io.Inputs[i]
		entry := &nrt.InferIO{Name: in.Name}
		if in.Shm != nil {
			entry.ShmPath = in.Shm.Path()
		} else {
			entry.Buf = in.Data
		}
		req.IfMap = append(req.IfMap, entry)
	}
	if io.UseShm {
		for i := range io.Outputs {
			out := &io.Outputs[i]
			req.ShmOfMap = append(req.ShmOfMap, &nrt.InferIO{Name: out.Name, ShmPath: out.Shm.Path()})
		}
	}
	return req
}

// fillOutputs copies the driver's response payloads into the output
// destinations. With shared-memory outputs the driver already wrote into
// the mappings and there is nothing to move.
func (io *RuntimeIO) fillOutputs(resp *nrt.InferResponse) error {
	if io.UseShm {
		return nil
	}
	byName := make(map[string][]byte, len(resp.OfMap))
	for _, out := range resp.OfMap {
		byName[out.Name] = out.Buf
	}
	for i := range io.Outputs {
		dst := &io.Outputs[i]
		raw, ok := byName[dst.Name]
		if !ok {
			return status.Errorf(codes.Internal,
				"tensor name %s not found in infer response", dst.Name)
		}
		if len(raw) > len(dst.Data) {
			return status.Errorf(codes.OutOfRange,
				"unexpected tensor size on %s, source size: %d, target size: %d",
				dst.Name, len(raw), len(dst.Data))
		}
		copy(dst.Data, raw)
	}
	return nil
}
