package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-groupwatch/internal/api/dto"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/logging"
	"go-groupwatch/internal/metrics"
	"go-groupwatch/internal/service"
)

const testKey = "s3cret"

type fakeWorkflows struct {
	started []domain.StartWorkflowPayload
	stopped []uuid.UUID
	err     error
}

func (f *fakeWorkflows) StartWorkflow(_ context.Context, snap domain.StartWorkflowPayload) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.started = append(f.started, snap)
	return uuid.New(), nil
}

func (f *fakeWorkflows) StopWorkflow(_ context.Context, id uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, id)
	return nil
}

type callback struct {
	lead    uuid.UUID
	comment string
	status  domain.LeadStatus
}

type fakeLeads struct {
	calls []callback
	res   service.CallbackResult
	err   error
}

func (f *fakeLeads) ProcessCallback(_ context.Context, id uuid.UUID, comment string, status domain.LeadStatus) (service.CallbackResult, error) {
	f.calls = append(f.calls, callback{id, comment, status})
	return f.res, f.err
}

type harness struct {
	router    *gin.Engine
	workflows *fakeWorkflows
	leads     *fakeLeads
	registry  *prometheus.Registry
}

func newHarness() *harness {
	gin.SetMode(gin.TestMode)
	h := &harness{
		workflows: &fakeWorkflows{},
		leads:     &fakeLeads{},
		registry:  prometheus.NewRegistry(),
	}
	handler := NewHandler(h.workflows, h.leads, logging.Discard())
	h.router = NewRouter(testKey, handler, h.registry, logging.Discard())
	return h
}

func (h *harness) do(method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestLeadCallback_Accepted(t *testing.T) {
	h := newHarness()
	jobID := uuid.New()
	h.leads.res = service.CallbackResult{Status: domain.LeadReadyToComment, JobID: jobID, Enqueued: true}
	lead := uuid.New()

	w := h.do(http.MethodPost, "/leads/"+lead.String()+"/callback", testKey,
		map[string]string{"generated_comment": "Great question!", "status": "ready_to_comment"})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp dto.LeadCallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, lead, resp.LeadID)
	assert.True(t, resp.Enqueued)
	require.NotNil(t, resp.JobID)
	assert.Equal(t, jobID, *resp.JobID)

	require.Len(t, h.leads.calls, 1)
	assert.Equal(t, callback{lead, "Great question!", domain.LeadReadyToComment}, h.leads.calls[0])
}

func TestLeadCallback_StatusCodes(t *testing.T) {
	lead := "/leads/" + uuid.NewString() + "/callback"
	valid := map[string]string{"generated_comment": "hi", "status": "ready_to_comment"}

	tests := []struct {
		name    string
		path    string
		key     string
		body    any
		svcErr  error
		want    int
		reached bool
	}{
		{name: "missing key", path: lead, body: valid, want: http.StatusUnauthorized},
		{name: "wrong key", path: lead, key: "nope", body: valid, want: http.StatusUnauthorized},
		{name: "missing status", path: lead, key: testKey, body: map[string]string{"generated_comment": "hi"}, want: http.StatusBadRequest},
		{name: "unknown status", path: lead, key: testKey, body: map[string]string{"status": "commented"}, want: http.StatusBadRequest},
		{name: "malformed json", path: lead, key: testKey, body: "{", want: http.StatusBadRequest},
		{name: "missing comment", path: lead, key: testKey, body: valid, svcErr: service.ErrMissingComment, want: http.StatusBadRequest, reached: true},
		{name: "bad id", path: "/leads/xyz/callback", key: testKey, body: valid, want: http.StatusNotFound},
		{name: "unknown lead", path: lead, key: testKey, body: valid, svcErr: domain.ErrNotFound, want: http.StatusNotFound, reached: true},
		{name: "invalid transition", path: lead, key: testKey, body: valid, svcErr: domain.ErrInvalidTransition, want: http.StatusConflict, reached: true},
		{name: "store down", path: lead, key: testKey, body: valid, svcErr: errors.New("db gone"), want: http.StatusInternalServerError, reached: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.leads.err = tt.svcErr

			w := h.do(http.MethodPost, tt.path, tt.key, tt.body)

			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, tt.reached, len(h.leads.calls) == 1)
		})
	}
}

func TestStartWorkflow(t *testing.T) {
	h := newHarness()
	req := dto.StartWorkflowRequest{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Nodes: []dto.NodeDTO{
			{ID: uuid.New(), GroupURL: "https://site.test/groups/a", Keywords: []string{"hiring"}, IsActive: true},
		},
	}

	w := h.do(http.MethodPost, "/api/v1/workflows/start", testKey, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, h.workflows.started, 1)
	snap := h.workflows.started[0]
	assert.Equal(t, req.ID, snap.ID)
	assert.Equal(t, []string{"hiring"}, snap.Nodes[0].Keywords)
	assert.True(t, snap.Nodes[0].IsActive)
}

func TestStartWorkflow_Rejects(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/api/v1/workflows/start", testKey, map[string]any{"id": uuid.NewString(), "nodes": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.workflows.err = service.ErrInvalidSnapshot
	w = h.do(http.MethodPost, "/api/v1/workflows/start", testKey, dto.StartWorkflowRequest{
		Nodes: []dto.NodeDTO{{GroupURL: "https://site.test/groups/a"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/v1/workflows/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStopWorkflow(t *testing.T) {
	h := newHarness()
	id := uuid.New()

	w := h.do(http.MethodPost, "/api/v1/workflows/"+id.String()+"/stop", testKey, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []uuid.UUID{id}, h.workflows.stopped)

	h.workflows.err = domain.ErrNotFound
	w = h.do(http.MethodPost, "/api/v1/workflows/"+uuid.NewString()+"/stop", testKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	h := newHarness()
	m := metrics.New(h.registry)
	m.LeadCaptured()

	w := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "groupwatch_leads_captured_total 1")
}

func TestAPIKeyAuth_EmptyKeyRejectsAll(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", APIKeyAuth(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("x-api-key", "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
