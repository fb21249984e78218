package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lightkeyd/internal/orchestrator"
	"lightkeyd/pkg/types"
)

type fakeService struct {
	ready     bool
	submitErr error
	statusErr error
	cancelErr error
	lastJobs  []types.JobSpec
	lastOpts  types.BatchOptions
}

func (f *fakeService) SubmitBatch(ctx context.Context, jobs []types.JobSpec, opts types.BatchOptions) (types.SubmitBatchResponse, error) {
	f.lastJobs = jobs
	f.lastOpts = opts
	if f.submitErr != nil {
		return types.SubmitBatchResponse{}, f.submitErr
	}
	return types.SubmitBatchResponse{BatchID: "b-1", Jobs: len(jobs)}, nil
}

func (f *fakeService) Status(batchID string) (types.BatchStatusResponse, error) {
	if f.statusErr != nil {
		return types.BatchStatusResponse{}, f.statusErr
	}
	return types.BatchStatusResponse{BatchID: batchID, Done: true}, nil
}

func (f *fakeService) Cancel(batchID string) error { return f.cancelErr }

func (f *fakeService) ServerStatus() types.StatusResponse {
	return types.StatusResponse{Batches: 1}
}

func (f *fakeService) Ready() bool { return f.ready }

func TestSubmitBatchEndpoint(t *testing.T) {
	svc := &fakeService{ready: true}
	mux := NewMux(svc)

	body, _ := json.Marshal(types.SubmitBatchRequest{
		Jobs:    []types.JobSpec{{Digest: "d1", Image: "aW1n"}},
		Options: types.BatchOptions{MaxConcurrency: 2},
	})
	req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rr.Code, rr.Body.String())
	}
	var resp types.SubmitBatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.BatchID != "b-1" || resp.Jobs != 1 {
		t.Fatalf("unexpected ack: %+v", resp)
	}
	if svc.lastOpts.MaxConcurrency != 2 {
		t.Fatalf("options not forwarded: %+v", svc.lastOpts)
	}
}

func TestSubmitBatchContentType(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rr.Code)
	}
}

func TestSubmitBatchInvalidJSON(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if er.Code != http.StatusBadRequest || er.Error == "" {
		t.Fatalf("unexpected error payload: %+v", er)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		svc  *fakeService
		want int
	}{
		{"not found", &fakeService{statusErr: orchestrator.ErrNotFound("b-x")}, http.StatusNotFound},
		{"invalid batch", &fakeService{submitErr: orchestrator.ErrInvalidBatch("no jobs")}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		mux := NewMux(tc.svc)
		var req *http.Request
		if tc.svc.statusErr != nil {
			req = httptest.NewRequest(http.MethodGet, "/batches/b-x", nil)
		} else {
			req = httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader(`{"jobs":[]}`))
			req.Header.Set("Content-Type", "application/json")
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rr.Code, tc.want)
		}
	}
}

func TestBatchStatusEndpoint(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/batches/b-1", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var st types.BatchStatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.BatchID != "b-1" || !st.Done {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestBatchCancelEndpoint(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodPost, "/batches/b-1/cancel", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected healthz: %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	mux := NewMux(&fakeService{ready: false})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}

	mux = NewMux(&fakeService{ready: true})
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestServerStatusEndpoint(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Batches != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "lightkeyd_http_requests_total") {
		t.Fatal("request counter not exported")
	}
}
