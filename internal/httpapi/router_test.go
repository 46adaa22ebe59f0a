package httpapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/flow"
	"github.com/septivank/tapflow-worker/internal/httpapi"
	"github.com/septivank/tapflow-worker/internal/metrics"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/service"
	"github.com/septivank/tapflow-worker/internal/session"
	"github.com/septivank/tapflow-worker/internal/stats"
	"github.com/septivank/tapflow-worker/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubFlows struct {
	status flow.FlowStatus
	err    error
}

func (s stubFlows) Status(_ context.Context, tapID string) (flow.FlowStatus, error) {
	st := s.status
	st.TapID = tapID
	return st, s.err
}

type fixture struct {
	store   *repository.MemoryStore
	handler http.Handler
}

func newFixture(t *testing.T, flows httpapi.FlowStatusReader) fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "tapflow-test")
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	committer := service.NewCommitter(service.CommitterDeps{
		Store:    store,
		Recorder: recorder.New(validator.NewValidator(10000), node, 0.5),
		Grouper:  session.NewGrouper(2*time.Hour, session.ScopeGlobal, node),
		Engine:   stats.NewEngine(zap.NewNop()),
		Metrics:  m,
		Logger:   zap.NewNop(),
	})

	return fixture{
		store: store,
		handler: httpapi.NewRouter(httpapi.Deps{
			Flows:    flows,
			Pours:    committer,
			Taps:     store,
			Gatherer: reg,
			Logger:   zap.NewNop(),
		}),
	}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t, stubFlows{})
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_FlowStatus(t *testing.T) {
	f := newFixture(t, stubFlows{status: flow.FlowStatus{Tracking: true, Status: flow.StatusActive, Ticks: 420}})

	rec := f.do(t, http.MethodGet, "/api/taps/tap-1/flow", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st flow.FlowStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "tap-1", st.TapID)
	assert.Equal(t, int64(420), st.Ticks)
	assert.Equal(t, flow.StatusActive, st.Status)

	stopped := newFixture(t, stubFlows{err: flow.ErrWorkerStopped})
	rec = stopped.do(t, http.MethodGet, "/api/taps/tap-1/flow", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_RecordPour(t *testing.T) {
	f := newFixture(t, stubFlows{})

	rec := f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `{"ticks": 600}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/taps/tap-1", `{"name": "Left tap"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `{"ticks": 600}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/taps/tap-1", `{"name": "Left tap", "keg_id": 12, "ml_per_tick": 0.5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/taps/tap-1/pours",
		`{"ticks": 600, "user_id": "kim", "pour_time": "2025-12-29T21:00:00Z", "duration_seconds": 12}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var pour map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pour))
	assert.Equal(t, 300.0, pour["volume_ml"])
	assert.Equal(t, "2025-12-29T20:59:48Z", pour["start_time"])
	assert.Equal(t, true, pour["is_valid"])
	assert.NotEmpty(t, pour["session_id"])

	rec = f.do(t, http.MethodPost, "/api/taps/tap-1/pours",
		`{"ticks": 600, "volume_ml": 473, "user_id": "kim", "pour_time": "2025-12-29T21:05:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pour))
	assert.Equal(t, 473.0, pour["volume_ml"])

	rec = f.do(t, http.MethodGet, "/api/stats/user/kim", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Subject  string         `json:"subject"`
		Revision int            `json:"revision"`
		Stats    map[string]any `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user:kim", body.Subject)
	assert.Equal(t, 1, body.Revision)
	assert.Equal(t, 773.0, body.Stats[stats.TotalVolume])

	assert.Len(t, f.store.Pours(), 2)
}

func TestRouter_SessionPours(t *testing.T) {
	f := newFixture(t, stubFlows{})
	keg := int64(3)
	require.NoError(t, f.store.PutTap(context.Background(), &db.Tap{ID: "tap-1", KegID: &keg}))

	var sessionID string
	for _, at := range []string{"2025-12-29T21:00:00Z", "2025-12-29T21:30:00Z"} {
		rec := f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `{"ticks": 400, "pour_time": "`+at+`", "duration_seconds": 10}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var pour map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pour))
		sessionID = pour["session_id"].(string)
	}

	rec := f.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/pours", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pours []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pours))
	require.Len(t, pours, 2)
	assert.Equal(t, "2025-12-29T21:00:00Z", pours[0]["end_time"])
	assert.Equal(t, "2025-12-29T21:30:00Z", pours[1]["end_time"])
	assert.Equal(t, sessionID, pours[1]["session_id"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/12345/pours", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/sessions/abc/pours", "").Code)
}

func TestRouter_BadRequests(t *testing.T) {
	f := newFixture(t, stubFlows{})
	keg := int64(1)
	require.NoError(t, f.store.PutTap(context.Background(), &db.Tap{ID: "tap-1", KegID: &keg}))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `{"ticks": -1}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `{"ticks": 10, "duration_seconds": 1e300}`).Code,
		"a duration beyond one day is rejected before it can overflow")
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `{"ticks": 10, "duration_seconds": 86401}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/stats/tap/tap-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/stats/keg/99", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/taps/nope", "").Code)
}

func TestRouter_Metrics(t *testing.T) {
	f := newFixture(t, stubFlows{})
	keg := int64(1)
	require.NoError(t, f.store.PutTap(context.Background(), &db.Tap{ID: "tap-1", KegID: &keg}))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/taps/tap-1/pours", `{"ticks": 10}`).Code)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tapflow_pours_total{service="tapflow-test",validity="valid"} 1`)
}
