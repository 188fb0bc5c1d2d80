package nrt

import (
	"testing"
)

func TestInferRequestRoundTrip(t *testing.T) {
	req := &InferRequest{
		HNN: NNHandle{ID: 42},
		IfMap: []*InferIO{
			{Name: "x", Buf: []byte{1, 2, 3}},
			{Name: "mask", ShmPath: "/neuron_clib_1_1"},
		},
		ShmOfMap: []*InferIO{{Name: "y", ShmPath: "/neuron_clib_1_2"}},
	}
	var got InferRequest
	if err := got.decode(req.appendTo(nil)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.HNN.ID != 42 || len(got.IfMap) != 2 || len(got.ShmOfMap) != 1 {
		t.Fatalf("round trip lost structure: %+v", got)
	}
	if got.IfMap[0].Name != "x" || string(got.IfMap[0].Buf) != "\x01\x02\x03" {
		t.Errorf("ifmap[0] = %+v", got.IfMap[0])
	}
	if got.IfMap[1].ShmPath != "/neuron_clib_1_1" {
		t.Errorf("ifmap[1] = %+v", got.IfMap[1])
	}
}

func TestLoadRequestFrames(t *testing.T) {
	header := &LoadRequest{HEG: &EGHandle{ID: 7}}
	var gotHeader LoadRequest
	if err := gotHeader.decode(header.appendTo(nil)); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if gotHeader.HEG == nil || gotHeader.HEG.ID != 7 {
		t.Errorf("header frame = %+v", gotHeader)
	}

	params := &LoadRequest{ModelParams: &ModelParams{Timeout: 10, MaxInFlight: 4, ProfileEnabled: true}}
	var gotParams LoadRequest
	if err := gotParams.decode(params.appendTo(nil)); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	p := gotParams.ModelParams
	if p == nil || p.Timeout != 10 || p.MaxInFlight != 4 || !p.ProfileEnabled {
		t.Errorf("params frame = %+v", p)
	}

	chunk := &LoadRequest{Chunk: make([]byte, 1<<10)}
	var gotChunk LoadRequest
	if err := gotChunk.decode(chunk.appendTo(nil)); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if len(gotChunk.Chunk) != 1<<10 {
		t.Errorf("chunk frame lost payload: %d bytes", len(gotChunk.Chunk))
	}
}

func TestStatusResponseRoundTrip(t *testing.T) {
	resp := &InferPostResponse{Status: Status{Code: 5, Details: "timed out"}, Cookie: 99}
	var got InferPostResponse
	if err := got.decode(resp.appendTo(nil)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status.Code != 5 || got.Status.Details != "timed out" || got.Cookie != 99 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	var c rawCodec
	if _, err := c.Marshal(struct{}{}); err == nil {
		t.Errorf("Marshal accepted a non-driver message")
	}
	if err := c.Unmarshal(nil, struct{}{}); err == nil {
		t.Errorf("Unmarshal accepted a non-driver message")
	}
}
