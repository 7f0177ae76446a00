package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/napari-hub/hub-backend/internal/config"
	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// minimal storage.Storage mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockStorage struct{ existsErr error }

func (m *readinessMockStorage) Upload(_ context.Context, _ string, _ io.Reader, _ int64) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *readinessMockStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, nil
}
func (m *readinessMockStorage) Delete(_ context.Context, _ string) error { return nil }
func (m *readinessMockStorage) Exists(_ context.Context, _ string) (bool, error) {
	return m.existsErr == nil, m.existsErr
}
func (m *readinessMockStorage) GetMetadata(_ context.Context, _ string) (*storage.FileMetadata, error) {
	return nil, nil
}
func (m *readinessMockStorage) List(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// fakes for handler dependencies
// ---------------------------------------------------------------------------

type fakeRunReader struct {
	run *models.AggregationRun
	err error
}

func (f *fakeRunReader) Latest(_ context.Context, _ string) (*models.AggregationRun, error) {
	return f.run, f.err
}

type fakeCategoryLister struct {
	rows []models.Category
	err  error
}

func (f *fakeCategoryLister) ListAll(_ context.Context, _ string) ([]models.Category, error) {
	return f.rows, f.err
}

type fakeTimelineReader struct {
	points []models.TimelinePoint
	err    error

	gotName   string
	gotMonths int
}

func (f *fakeTimelineReader) Timeline(_ context.Context, name string, months int) ([]models.TimelinePoint, error) {
	f.gotName = name
	f.gotMonths = months
	return f.points, f.err
}

func doRequest(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func TestHealthCheckHandler_Healthy(t *testing.T) {
	db := newHealthDB(t, true)
	finished := time.Date(2023, 6, 1, 12, 5, 0, 0, time.UTC)
	runs := &fakeRunReader{run: &models.AggregationRun{
		Job:        "plugin_update",
		Status:     models.RunStatusCompleted,
		StartedAt:  time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: &finished,
	}}

	r := gin.New()
	r.GET("/health", healthCheckHandler(db, runs))

	w := doRequest(r, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	lastRun, ok := body["last_update_run"].(map[string]interface{})
	if !ok {
		t.Fatal("expected last_update_run in health response")
	}
	if lastRun["status"] != models.RunStatusCompleted {
		t.Errorf("last run status = %v, want completed", lastRun["status"])
	}
}

func TestHealthCheckHandler_Unhealthy(t *testing.T) {
	db := newHealthDB(t, false)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db, &fakeRunReader{}))

	w := doRequest(r, http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHealthCheckHandler_NoRunHistory(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db, &fakeRunReader{}))

	w := doRequest(r, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 before first run", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if _, ok := body["last_update_run"]; ok {
		t.Error("last_update_run should be absent before any run")
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

func TestReadinessHandler_Ready(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/ready", readinessHandler(db, &readinessMockStorage{}))

	w := doRequest(r, http.MethodGet, "/ready")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
}

func TestReadinessHandler_StorageDown(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/ready", readinessHandler(db, &readinessMockStorage{existsErr: errors.New("bucket gone")}))

	w := doRequest(r, http.MethodGet, "/ready")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	checks, _ := body["checks"].(map[string]interface{})
	if checks["storage"] != "unhealthy" {
		t.Errorf("checks.storage = %v, want unhealthy", checks["storage"])
	}
}

// ---------------------------------------------------------------------------
// listCategoriesHandler
// ---------------------------------------------------------------------------

func TestListCategoriesHandler(t *testing.T) {
	lister := &fakeCategoryLister{rows: []models.Category{
		{
			Name:      "image-annotation",
			Dimension: "Workflow step",
			Label:     "Image annotation",
			Hierarchy: []string{"Image annotation"},
		},
		{
			Name:      "image-annotation",
			Dimension: "Workflow step",
			Label:     "Dense image annotation",
			Hierarchy: []string{"Image annotation", "Dense image annotation"},
		},
	}}

	r := gin.New()
	r.GET("/categories", listCategoriesHandler(lister, "EDAM-BIOIMAGING:alpha06"))

	w := doRequest(r, http.MethodGet, "/categories")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["version"] != "EDAM-BIOIMAGING:alpha06" {
		t.Errorf("version = %v", body["version"])
	}
	cats, _ := body["categories"].([]interface{})
	if len(cats) != 2 {
		t.Errorf("len(categories) = %d, want 2", len(cats))
	}
}

func TestListCategoriesHandler_Error(t *testing.T) {
	r := gin.New()
	r.GET("/categories", listCategoriesHandler(&fakeCategoryLister{err: errors.New("db down")}, "v1"))

	w := doRequest(r, http.MethodGet, "/categories")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// timelineHandler
// ---------------------------------------------------------------------------

func TestTimelineHandler_DefaultsToTwelveMonths(t *testing.T) {
	reader := &fakeTimelineReader{points: []models.TimelinePoint{}}

	r := gin.New()
	r.GET("/activity/:name/timeline", timelineHandler(reader))

	w := doRequest(r, http.MethodGet, "/activity/Napari-SVG/timeline")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if reader.gotMonths != 12 {
		t.Errorf("months = %d, want default 12", reader.gotMonths)
	}
	if reader.gotName != "napari-svg" {
		t.Errorf("name = %q, want case-folded napari-svg", reader.gotName)
	}
}

func TestTimelineHandler_ExplicitMonths(t *testing.T) {
	reader := &fakeTimelineReader{points: []models.TimelinePoint{
		{Period: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), Installs: 7},
		{Period: time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC), Installs: 0},
		{Period: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC), Installs: 12},
	}}

	r := gin.New()
	r.GET("/activity/:name/timeline", timelineHandler(reader))

	w := doRequest(r, http.MethodGet, "/activity/napari-svg/timeline?months=3")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if reader.gotMonths != 3 {
		t.Errorf("months = %d, want 3", reader.gotMonths)
	}
	var points []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &points); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(points) != 3 {
		t.Errorf("len(points) = %d, want 3", len(points))
	}
}

func TestTimelineHandler_RejectsBadMonths(t *testing.T) {
	r := gin.New()
	r.GET("/activity/:name/timeline", timelineHandler(&fakeTimelineReader{}))

	for _, raw := range []string{"0", "-2", "abc"} {
		w := doRequest(r, http.MethodGet, "/activity/p/timeline?months="+raw)
		if w.Code != http.StatusBadRequest {
			t.Errorf("months=%q: status = %d, want 400", raw, w.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func newCORSRouter(origins, methods []string) *gin.Engine {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = origins
	cfg.Security.CORS.AllowedMethods = methods

	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/plugins", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	r := newCORSRouter([]string{"https://example.com"}, []string{"GET", "OPTIONS"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	req.Header.Set("Origin", "https://example.com")
	r.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.com",
			w.Header().Get("Access-Control-Allow-Origin"))
	}
	if w.Header().Get("Access-Control-Allow-Methods") != "GET, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestCORSMiddleware_DisallowedOrigin(t *testing.T) {
	r := newCORSRouter([]string{"https://example.com"}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	req.Header.Set("Origin", "https://evil.example")
	r.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("expected no Access-Control-Allow-Origin header for disallowed origin")
	}
}

func TestCORSMiddleware_WildcardNoOrigin(t *testing.T) {
	r := newCORSRouter([]string{"*"}, nil)

	// No Origin header set -> origin is empty, wildcard allows it.
	w := doRequest(r, http.MethodGet, "/plugins")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSMiddleware_PreflightShortCircuits(t *testing.T) {
	r := newCORSRouter([]string{"*"}, []string{"GET"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/plugins", nil)
	req.Header.Set("Origin", "https://example.com")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 for preflight", w.Code)
	}
}

// ---------------------------------------------------------------------------
// versionHandler
// ---------------------------------------------------------------------------

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())

	w := doRequest(r, http.MethodGet, "/version")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["api_version"] != "v1" {
		t.Errorf("api_version = %v, want v1", body["api_version"])
	}
}
