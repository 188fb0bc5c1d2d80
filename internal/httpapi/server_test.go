package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/pkg/types"
)

// stubService is a canned Service for handler tests.
type stubService struct {
	ready    bool
	inferErr error
	lastReq  types.InferRequest
}

func (s *stubService) ListModels() []types.Artifact {
	return []types.Artifact{{ID: "m.neff", Name: "m.neff", Path: "/srv/m.neff"}}
}

func (s *stubService) Status() types.StatusResponse {
	return types.StatusResponse{UptimeSeconds: 1}
}

func (s *stubService) Infer(_ context.Context, req types.InferRequest) (types.InferResponse, error) {
	s.lastReq = req
	if s.inferErr != nil {
		return types.InferResponse{}, s.inferErr
	}
	return types.InferResponse{Model: req.Model, Outputs: req.Inputs}, nil
}

func (s *stubService) Ready() bool { return s.ready }

func postInfer(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	svc := &stubService{ready: false}
	h := NewMux(svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz while loading = %d", rec.Code)
	}
	svc.ready = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz when ready = %d", rec.Code)
	}
}

func TestModelsEndpoint(t *testing.T) {
	h := NewMux(&stubService{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/models = %d", rec.Code)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].ID != "m.neff" {
		t.Errorf("models = %+v", resp.Models)
	}
}

func TestInferHappyPath(t *testing.T) {
	svc := &stubService{}
	h := NewMux(svc)
	rec := postInfer(t, h, types.InferRequest{
		Model:  "m.neff",
		Inputs: []types.TensorPayload{{Name: "x", DType: "F32", Shape: []int64{1, 2}, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0}}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("/infer = %d: %s", rec.Code, rec.Body.String())
	}
	var resp types.InferResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Model != "m.neff" || len(resp.Outputs) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInferValidation(t *testing.T) {
	h := NewMux(&stubService{})

	// Missing content type.
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("missing content-type = %d", rec.Code)
	}

	// Empty inputs.
	rec = postInfer(t, h, types.InferRequest{Model: "m.neff"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty inputs = %d", rec.Code)
	}
}

func TestInferErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{status.Error(codes.NotFound, "model not found: x"), http.StatusNotFound},
		{status.Error(codes.InvalidArgument, "bad shape"), http.StatusBadRequest},
		{status.Error(codes.ResourceExhausted, "no cores"), http.StatusTooManyRequests},
		{status.Error(codes.Aborted, "device is closed"), http.StatusServiceUnavailable},
		{status.Error(codes.Internal, "driver fault"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &stubService{inferErr: tc.err}
		h := NewMux(svc)
		rec := postInfer(t, h, types.InferRequest{
			Inputs: []types.TensorPayload{{Name: "x"}},
		})
		if rec.Code != tc.want {
			t.Errorf("err %v mapped to %d, want %d", tc.err, rec.Code, tc.want)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Code != tc.want {
			t.Errorf("error payload = %s", rec.Body.String())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewMux(&stubService{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
}
