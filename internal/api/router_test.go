package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitts-dev/hoops-projections/internal/api/handlers"
	"github.com/stitts-dev/hoops-projections/internal/api/middleware"
	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/ml/models"
	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	"github.com/stitts-dev/hoops-projections/internal/ml/serving"
	"github.com/stitts-dev/hoops-projections/internal/stats"
	"github.com/stitts-dev/hoops-projections/pkg/metrics"
)

var gameDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
	Meta *struct {
		Total  int64 `json:"total"`
		Errors int   `json:"errors"`
	} `json:"meta"`
}

type prediction struct {
	PlayerID   uint    `json:"player_id"`
	Stat       string  `json:"stat_type"`
	Prediction float64 `json:"prediction"`
	Lower      float64 `json:"lower_bound"`
	Upper      float64 `json:"upper_bound"`
	ModelID    string  `json:"model_id"`
	IsFallback bool    `json:"is_fallback"`
}

type testServer struct {
	router   *gin.Engine
	registry *registry.Registry
	modelDir string
	ids      []string
}

func seedStore() *stats.MemoryStore {
	store := stats.NewMemoryStore()
	for i := 1; i <= 4; i++ {
		pos := "PG"
		if i%2 == 0 {
			pos = "C"
		}
		store.AddPlayer(stats.PlayerInfo{ID: uint(i), Position: pos, TeamID: 1, IsActive: true})
		for g := 0; g < 20; g++ {
			pts := float64(8 * i)
			if g < 3 {
				pts *= 1.5
			}
			r := stats.StatRecord{
				PlayerID: uint(i), GameDate: gameDay.AddDate(0, 0, -2*(g+1)), TeamID: 1,
				Minutes: 30, Points: pts, Rebounds: 5, Assists: 3,
			}
			r.FantasyPoints = stats.FantasyPoints(r.Points, r.Rebounds, r.Assists, 0, 0, 0)
			store.AddRecords(r)
		}
	}
	return store
}

func fitPointsModel(t *testing.T, seed int64) *models.StatModel {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var x [][]float64
	var y []float64
	for i := 0; i < 150; i++ {
		avg := rng.Float64() * 40
		x = append(x, []float64{avg, 30})
		y = append(y, avg+rng.NormFloat64())
	}
	m, err := models.NewStatModel(models.FamilyRidge, stats.Points)
	require.NoError(t, err)
	names := []string{features.AvgName(stats.Points, 10), features.AvgName(stats.Minutes, 10)}
	require.NoError(t, m.FitMatrix(names, x, y))
	return m
}

type pinger struct{ err error }

func (p pinger) HealthCheck() error { return p.err }

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	return newTestServerWithDB(t, limiter, nil)
}

func newTestServerWithDB(t *testing.T, limiter *middleware.RateLimiter, db handlers.Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.NewEntry(logrus.New())

	clock := gameDay
	dir := t.TempDir()
	reg, err := registry.New(dir, registry.WithLogger(logger), registry.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	require.NoError(t, err)
	var ids []string
	for seed := int64(1); seed <= 2; seed++ {
		id, err := reg.Register(fitPointsModel(t, seed), "points_ridge", "", map[string]string{"model_type": "ridge"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, reg.SetActive(ids[0]))

	promReg := prometheus.NewRegistry()
	m := metrics.NewManager(metrics.WithPrometheusRegistry(promReg))
	store := seedStore()
	svc := serving.NewService(
		features.NewPipeline(store, 90, features.WithLogger(logger)),
		reg, store, serving.NewMemoryCache(time.Hour),
		serving.WithLogger(logger), serving.WithMetrics(m),
	)

	router := NewRouter(Dependencies{
		Service:  svc,
		Registry: reg,
		Metrics:  m,
		Gatherer: promReg,
		Database: db,
		Limiter:  limiter,
		Logger:   logger,
	})
	return &testServer{router: router, registry: reg, modelDir: dir, ids: ids}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w, _ = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hoops_projections_http_requests_total")
}

func TestHealthReportsDatabase(t *testing.T) {
	tests := []struct {
		name   string
		db     handlers.Pinger
		status int
		state  string
	}{
		{"healthy", pinger{}, http.StatusOK, "ok"},
		{"database down", pinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServerWithDB(t, nil, tt.db)
			w, _ := s.do(t, http.MethodGet, "/health", nil)
			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.state, body["status"])
		})
	}
}

func TestGetPlayerPrediction(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodGet, "/api/v1/predictions/players/2?date=2024-03-01&stats=points,rebounds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, env.Success)

	var results []prediction
	require.NoError(t, json.Unmarshal(env.Data, &results))
	require.Len(t, results, 2)

	assert.Equal(t, stats.Points, results[0].Stat)
	assert.False(t, results[0].IsFallback)
	assert.Equal(t, s.ids[0], results[0].ModelID)
	assert.LessOrEqual(t, results[0].Lower, results[0].Prediction)
	assert.GreaterOrEqual(t, results[0].Upper, results[0].Prediction)

	assert.Equal(t, stats.Rebounds, results[1].Stat)
	assert.True(t, results[1].IsFallback)
	assert.InDelta(t, 5.0, results[1].Prediction, 1e-9)
}

func TestGetPlayerPredictionErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"non numeric id", "/api/v1/predictions/players/abc", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad date", "/api/v1/predictions/players/1?date=03-01-2024", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown stat", "/api/v1/predictions/players/1?stats=dunks", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown player", "/api/v1/predictions/players/99?date=2024-03-01", http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := s.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestBatchPredict(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodPost, "/api/v1/predictions/batch", map[string]interface{}{
		"player_ids": []uint{1, 2, 99},
		"date":       "2024-03-01",
		"stat_type":  "points",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.Meta)
	assert.Equal(t, int64(2), env.Meta.Total)
	assert.Equal(t, 1, env.Meta.Errors)

	var results []prediction
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Equal(t, uint(1), results[0].PlayerID)
	assert.Equal(t, uint(2), results[1].PlayerID)

	w, _ = s.do(t, http.MethodPost, "/api/v1/predictions/batch", map[string]interface{}{"player_ids": []uint{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTopPredictionsAndBreakouts(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodGet, "/api/v1/predictions/top?date=2024-03-01&stat=points&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var top []prediction
	require.NoError(t, json.Unmarshal(env.Data, &top))
	require.Len(t, top, 2)
	assert.GreaterOrEqual(t, top[0].Prediction, top[1].Prediction)
	assert.Equal(t, uint(4), top[0].PlayerID)

	w, env = s.do(t, http.MethodGet, "/api/v1/predictions/top?stat=points&position=C&date=2024-03-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &top))
	for _, p := range top {
		assert.Equal(t, uint(0), p.PlayerID%2)
	}

	w, _ = s.do(t, http.MethodGet, "/api/v1/predictions/top?limit=1000", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(t, http.MethodGet, "/api/v1/predictions/breakouts?date=2024-03-01&stat=points&min_upside=0.1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	w, _ = s.do(t, http.MethodGet, "/api/v1/predictions/breakouts?min_upside=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelAdministration(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodGet, "/api/v1/models?stat=points", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), env.Meta.Total)

	w, env = s.do(t, http.MethodGet, "/api/v1/models/compare?ids="+s.ids[0]+","+s.ids[1], nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []registry.Comparison
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	assert.Len(t, rows, 2)

	w, env = s.do(t, http.MethodGet, "/api/v1/models/compare?ids=missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MODEL_NOT_FOUND", env.Error.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/models/compare", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/models/missing/activate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/models/"+s.ids[1]+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entry, ok := s.registry.Get(s.ids[1])
	require.True(t, ok)
	assert.True(t, entry.IsActive)
	old, _ := s.registry.Get(s.ids[0])
	assert.False(t, old.IsActive)

	_, env = s.do(t, http.MethodGet, "/api/v1/predictions/players/1?date=2024-03-01&stats=points", nil)
	var results []prediction
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Equal(t, s.ids[1], results[0].ModelID)

	w, env = s.do(t, http.MethodPost, "/api/v1/models/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reload struct {
		Loaded int `json:"loaded"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &reload))
	assert.Equal(t, 1, reload.Loaded)
}

func TestActivateModelRegisteredByAnotherProcess(t *testing.T) {
	s := newTestServer(t, nil)

	other, err := registry.New(s.modelDir, registry.WithClock(func() time.Time { return gameDay.Add(time.Hour) }))
	require.NoError(t, err)
	id, err := other.Register(fitPointsModel(t, 7), "points_ridge", "", map[string]string{"model_type": "ridge"})
	require.NoError(t, err)

	w, env := s.do(t, http.MethodPost, "/api/v1/models/"+id+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entry registry.Entry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	assert.Equal(t, id, entry.ModelID)
	assert.True(t, entry.IsActive)

	require.NoError(t, other.Refresh())
	for _, e := range other.List("points", nil) {
		assert.Equal(t, e.ModelID == id, e.IsActive, e.ModelID)
	}

	_, env = s.do(t, http.MethodGet, "/api/v1/predictions/players/1?date=2024-03-01&stats=points&refresh=true", nil)
	var results []prediction
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Equal(t, id, results[0].ModelID)
}

func TestRateLimitedRoutes(t *testing.T) {
	s := newTestServer(t, middleware.NewRateLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		w, _ := s.do(t, http.MethodGet, "/api/v1/models", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, env := s.do(t, http.MethodGet, "/api/v1/models", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)

	w, _ = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
