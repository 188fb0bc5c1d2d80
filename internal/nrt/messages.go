// Package nrt is the typed façade over the out-of-process NPU driver
// daemon. The driver speaks protobuf over gRPC; the message layout below is
// the fixed wire contract of the driver's v1 surface, encoded and decoded
// directly with the protobuf wire format so the repository does not depend
// on a protoc step.
package nrt

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// message is implemented by every driver wire message.
type message interface {
	appendTo(b []byte) []byte
	decode(b []byte) error
}

func skipField(b []byte, num protowire.Number, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeTag(b []byte) (protowire.Number, protowire.Type, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, 0, protowire.ParseError(n)
	}
	return num, typ, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendSubmessage(b []byte, num protowire.Number, m message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendTo(nil))
}

// Status is the driver's per-response status word.
type Status struct {
	Code    int32
	Details string
}

func (s *Status) appendTo(b []byte) []byte {
	if s.Code != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(s.Code)))
	}
	if s.Details != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s.Details)
	}
	return b
}

func (s *Status) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			s.Code = int32(uint32(v))
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			s.Details = string(v)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// EGHandle identifies one execution group on the driver.
type EGHandle struct {
	ID uint32
}

func (h *EGHandle) appendTo(b []byte) []byte {
	if h.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.ID))
	}
	return b
}

func (h *EGHandle) decode(b []byte) error {
	return decodeHandle(b, &h.ID)
}

// NNHandle identifies one loaded artifact on the driver.
type NNHandle struct {
	ID uint32
}

func (h *NNHandle) appendTo(b []byte) []byte {
	if h.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.ID))
	}
	return b
}

func (h *NNHandle) decode(b []byte) error {
	return decodeHandle(b, &h.ID)
}

func decodeHandle(b []byte, id *uint32) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			*id = uint32(v)
			b = b[n:]
			continue
		}
		n, err = skipField(b, num, typ)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// ModelParams carries the per-model load parameters.
type ModelParams struct {
	Timeout        uint32
	MaxInFlight    uint32
	ProfileEnabled bool
}

func (p *ModelParams) appendTo(b []byte) []byte {
	if p.Timeout != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Timeout))
	}
	if p.MaxInFlight != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.MaxInFlight))
	}
	if p.ProfileEnabled {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func (p *ModelParams) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if typ == protowire.VarintType {
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			switch num {
			case 1:
				p.Timeout = uint32(v)
			case 2:
				p.MaxInFlight = uint32(v)
			case 3:
				p.ProfileEnabled = v != 0
			}
			b = b[n:]
			continue
		}
		n, err = skipField(b, num, typ)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// CreateEGRequest asks the driver for an execution group of NCCount cores.
type CreateEGRequest struct {
	NCCount uint32
}

func (r *CreateEGRequest) appendTo(b []byte) []byte {
	if r.NCCount != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.NCCount))
	}
	return b
}

func (r *CreateEGRequest) decode(b []byte) error {
	return decodeHandle(b, &r.NCCount)
}

type CreateEGResponse struct {
	Status  Status
	HEG     EGHandle
	NCCount uint32
}

func (r *CreateEGResponse) appendTo(b []byte) []byte {
	b = appendSubmessage(b, 1, &r.Status)
	b = appendSubmessage(b, 2, &r.HEG)
	if r.NCCount != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.NCCount))
	}
	return b
}

func (r *CreateEGResponse) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			if err := r.Status.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			if err := r.HEG.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			r.NCCount = uint32(v)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

type DestroyEGRequest struct {
	HEG          EGHandle
	FromShutdown bool
}

func (r *DestroyEGRequest) appendTo(b []byte) []byte {
	b = appendSubmessage(b, 1, &r.HEG)
	if r.FromShutdown {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func (r *DestroyEGRequest) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			if err := r.HEG.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			r.FromShutdown = v != 0
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// LoadRequest is one frame of the client-streaming load call. The first
// frame carries the target EG, the second the total artifact size, the third
// the model parameters, and every following frame one artifact chunk.
type LoadRequest struct {
	HEG         *EGHandle
	NeffSize    uint64
	ModelParams *ModelParams
	Chunk       []byte
}

func (r *LoadRequest) appendTo(b []byte) []byte {
	if r.HEG != nil {
		b = appendSubmessage(b, 1, r.HEG)
	}
	if r.NeffSize != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, r.NeffSize)
	}
	if r.ModelParams != nil {
		b = appendSubmessage(b, 3, r.ModelParams)
	}
	if len(r.Chunk) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Chunk)
	}
	return b
}

func (r *LoadRequest) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			r.HEG = &EGHandle{}
			if err := r.HEG.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			r.NeffSize = v
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			r.ModelParams = &ModelParams{}
			if err := r.ModelParams.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			r.Chunk = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

type LoadResponse struct {
	Status Status
	HNN    NNHandle
}

func (r *LoadResponse) appendTo(b []byte) []byte {
	b = appendSubmessage(b, 1, &r.Status)
	b = appendSubmessage(b, 2, &r.HNN)
	return b
}

func (r *LoadResponse) decode(b []byte) error {
	return decodeStatusAndHandle(b, &r.Status, &r.HNN.ID)
}

func decodeStatusAndHandle(b []byte, st *Status, id *uint32) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			if err := st.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.BytesType && id != nil:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			if err := decodeHandle(v, id); err != nil {
				return err
			}
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// NNRequest is the shared shape of start, stop, unload and start_ping
// requests: a model handle plus the shutdown-tolerance flag (unload only).
type NNRequest struct {
	HNN          NNHandle
	FromShutdown bool
}

func (r *NNRequest) appendTo(b []byte) []byte {
	b = appendSubmessage(b, 1, &r.HNN)
	if r.FromShutdown {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func (r *NNRequest) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			if err := r.HNN.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			r.FromShutdown = v != 0
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

// StatusResponse is the shared shape of responses that carry only a status.
type StatusResponse struct {
	Status Status
}

func (r *StatusResponse) appendTo(b []byte) []byte {
	return appendSubmessage(b, 1, &r.Status)
}

func (r *StatusResponse) decode(b []byte) error {
	return decodeStatusAndHandle(b, &r.Status, nil)
}

// InferIO names one tensor buffer, carried either inline or as a
// shared-memory path.
type InferIO struct {
	Name    string
	Buf     []byte
	ShmPath string
}

func (io *InferIO) appendTo(b []byte) []byte {
	if io.Name != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, io.Name)
	}
	if len(io.Buf) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, io.Buf)
	}
	if io.ShmPath != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, io.ShmPath)
	}
	return b
}

func (io *InferIO) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			io.Name = string(v)
		case 2:
			io.Buf = append([]byte(nil), v...)
		case 3:
			io.ShmPath = string(v)
		}
		b = b[n:]
	}
	return nil
}

type InferRequest struct {
	HNN      NNHandle
	IfMap    []*InferIO
	ShmOfMap []*InferIO
}

func (r *InferRequest) appendTo(b []byte) []byte {
	b = appendSubmessage(b, 1, &r.HNN)
	for _, io := range r.IfMap {
		b = appendSubmessage(b, 2, io)
	}
	for _, io := range r.ShmOfMap {
		b = appendSubmessage(b, 3, io)
	}
	return b
}

func (r *InferRequest) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			if err := r.HNN.decode(v); err != nil {
				return err
			}
		case 2:
			io := &InferIO{}
			if err := io.decode(v); err != nil {
				return err
			}
			r.IfMap = append(r.IfMap, io)
		case 3:
			io := &InferIO{}
			if err := io.decode(v); err != nil {
				return err
			}
			r.ShmOfMap = append(r.ShmOfMap, io)
		}
		b = b[n:]
	}
	return nil
}

type InferResponse struct {
	Status Status
	OfMap  []*InferIO
}

func (r *InferResponse) appendTo(b []byte) []byte {
	b = appendSubmessage(b, 1, &r.Status)
	for _, io := range r.OfMap {
		b = appendSubmessage(b, 2, io)
	}
	return b
}

func (r *InferResponse) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			if err := r.Status.decode(v); err != nil {
				return err
			}
		case 2:
			io := &InferIO{}
			if err := io.decode(v); err != nil {
				return err
			}
			r.OfMap = append(r.OfMap, io)
		}
		b = b[n:]
	}
	return nil
}

type InferPostResponse struct {
	Status Status
	Cookie uint64
}

func (r *InferPostResponse) appendTo(b []byte) []byte {
	b = appendSubmessage(b, 1, &r.Status)
	if r.Cookie != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Cookie)
	}
	return b
}

func (r *InferPostResponse) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			if err := r.Status.decode(v); err != nil {
				return err
			}
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			r.Cookie = v
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}

type InferWaitRequest struct {
	Cookie uint64
}

func (r *InferWaitRequest) appendTo(b []byte) []byte {
	if r.Cookie != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Cookie)
	}
	return b
}

func (r *InferWaitRequest) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			r.Cookie = v
			b = b[n:]
			continue
		}
		n, err = skipField(b, num, typ)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// ShmRequest is the shared shape of shm_map and shm_unmap requests.
type ShmRequest struct {
	Path     string
	MmapProt uint32
}

func (r *ShmRequest) appendTo(b []byte) []byte {
	if r.Path != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Path)
	}
	if r.MmapProt != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.MmapProt))
	}
	return b
}

func (r *ShmRequest) decode(b []byte) error {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return err
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return err
			}
			r.Path = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return err
			}
			r.MmapProt = uint32(v)
			b = b[n:]
		default:
			n, err := skipField(b, num, typ)
			if err != nil {
				return err
			}
			b = b[n:]
		}
	}
	return nil
}
