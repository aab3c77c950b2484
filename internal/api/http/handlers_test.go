package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partplan/partplan/internal/catalog"
	"github.com/partplan/partplan/internal/config"
	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/service"
	"github.com/partplan/partplan/pkg/types"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cat, err := catalog.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	opts := service.DefaultOptions()
	opts.Seeds = []config.TableConfig{{
		Name:     "bookings",
		Prefix:   "p",
		From:     types.MustParseKey("2024-01"),
		Through:  types.MustParseKey("2024-12"),
		CatchAll: "p_future",
	}}
	svc := service.New(cat, nil, nil, zerolog.Nop(), opts)
	require.NoError(t, svc.Bootstrap(context.Background()))

	h := NewHandler(svc, zerolog.Nop())
	return DefaultMiddleware(zerolog.Nop())(h.Routes())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestPlanEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/tables/bookings/plan", `{"lower":"2024-06-01","upper":"2024-09-01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp PlanResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, []string{"p_2024_06", "p_2024_07", "p_2024_08"}, resp.Plan.Partitions)
	assert.True(t, resp.Plan.Prunable)
	assert.InDelta(t, 3.0/13, resp.Plan.ScannedFraction, 1e-9)
	assert.Contains(t, resp.Summary, "Partitions Scanned: 3 of 13")
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.RequestID)
}

func TestPlanEndpoint_OpenUpper(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/tables/bookings/plan", `{"lower":"2024-07-01","upper":null,"selectivity":0.4,"filter":"status = 'confirmed'"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PlanResponse
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Plan.Partitions, 7)
	assert.InDelta(t, 7.0/13*0.4, resp.Plan.ScannedFraction, 1e-9)
	assert.Equal(t, "[2024-07-01, +inf) AND status = 'confirmed' (sel=0.40)", resp.Predicate)
}

func TestPlanEndpoint_Errors(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"inverted predicate", "/v1/tables/bookings/plan", `{"lower":"2024-09-01","upper":"2024-06-01"}`, http.StatusBadRequest, perrors.CodeInvalidPredicate},
		{"selectivity out of range", "/v1/tables/bookings/plan", `{"lower":"2024-01-01","selectivity":1.5}`, http.StatusBadRequest, perrors.CodeInvalidPredicate},
		{"malformed body", "/v1/tables/bookings/plan", `{"lower":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown field", "/v1/tables/bookings/plan", `{"from":"2024-01-01"}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown table", "/v1/tables/ghost/plan", `{}`, http.StatusNotFound, perrors.CodeTableNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp ErrorResponse
			decodeBody(t, rec, &resp)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestPlanSQLEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/tables/bookings/plan:sql", `{
		"where": "booking_date BETWEEN '2024-06-01' AND '2024-08-31' AND status = 'paid'",
		"column": "booking_date",
		"selectivity": 0.5
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PlanResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, []string{"p_2024_06", "p_2024_07", "p_2024_08"}, resp.Plan.Partitions)
	assert.InDelta(t, 3.0/13*0.5, resp.Plan.ScannedFraction, 1e-9)
	assert.Equal(t, "[2024-06-01, 2024-09-01) AND status = 'paid' (sel=0.50)", resp.Predicate)

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/plan:sql", `{"where":"booking_date >=","column":"booking_date"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, perrors.CodeInvalidPredicate, errResp.Code)

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/plan:sql", `{"where":"booking_date >= '2024-01-01'"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlanBatchEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/tables/bookings/plan:batch", `{"predicates":[
		{"lower":"2024-06-01","upper":"2024-09-01"},
		{},
		{"lower":"2024-03-03","upper":"2024-03-03"}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp BatchResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Plans, 3)
	assert.Len(t, resp.Plans[0].Partitions, 3)
	assert.Len(t, resp.Plans[1].Partitions, 13)
	assert.Empty(t, resp.Plans[2].Partitions)

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/plan:batch", `{"predicates":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/plan:batch", `{"predicates":[{},{"lower":"2024-05-01","upper":"2024-04-01"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, float64(1), errResp.Details["index"])
}

func TestExplainEndpoint(t *testing.T) {
	h := newTestServer(t)
	body := `{"lower":"2024-06-01","upper":"2024-09-01"}`

	rec := do(t, h, http.MethodPost, "/v1/tables/bookings/explain", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var exp struct {
		Estimates []struct {
			Name string `json:"name"`
		} `json:"estimates"`
		Pruned []string `json:"pruned"`
	}
	decodeBody(t, rec, &exp)
	assert.Len(t, exp.Estimates, 3)
	assert.Len(t, exp.Pruned, 10)

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/explain?format=markdown", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown"))
	assert.Contains(t, rec.Body.String(), "**Partitions Scanned:** 3 of 13")

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/explain?format=pdf", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchemeLifecycle(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/tables/bookings/partitions", `{"name":"p_2025_02_on","boundary":"2025-02-01"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v VersionResponse
	decodeBody(t, rec, &v)
	assert.Equal(t, int64(2), v.Version)
	assert.Equal(t, catalog.OpAddPartition, v.Operation)
	assert.Equal(t, 14, v.Partitions)

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/partitions", `{"name":"p_bad","boundary":"2024-05-01"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/partitions", `{"name":"p_bad","boundary":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/tables/bookings/partitions/p_2024_05", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errResp ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, perrors.CodeNotLeadingPartition, errResp.Code)

	rec = do(t, h, http.MethodDelete, "/v1/tables/bookings/partitions/p_1999_01", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/tables/bookings/partitions/p_2024_01", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &v)
	assert.Equal(t, int64(3), v.Version)
	assert.Equal(t, 13, v.Partitions)

	rec = do(t, h, http.MethodGet, "/v1/tables/bookings/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Versions []VersionResponse `json:"versions"`
	}
	decodeBody(t, rec, &history)
	require.Len(t, history.Versions, 3)
	assert.Equal(t, catalog.OpCreate, history.Versions[0].Operation)
	assert.Equal(t, catalog.OpDropPartition, history.Versions[2].Operation)

	rec = do(t, h, http.MethodGet, "/v1/tables/bookings/scheme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ts struct {
		Version int64 `json:"version"`
		Scheme  struct {
			Partitions []struct {
				Name string `json:"name"`
			} `json:"partitions"`
		} `json:"scheme"`
	}
	decodeBody(t, rec, &ts)
	assert.Equal(t, int64(3), ts.Version)
	require.Len(t, ts.Scheme.Partitions, 13)
	assert.Equal(t, "p_2024_02", ts.Scheme.Partitions[0].Name)
}

func TestWatchEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/v1/tables/bookings/scheme:watch?after=0", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ts struct {
		Version int64 `json:"version"`
	}
	decodeBody(t, rec, &ts)
	assert.Equal(t, int64(1), ts.Version)

	rec = do(t, h, http.MethodGet, "/v1/tables/bookings/scheme:watch?after=1&timeout=20ms", "")
	assert.Equal(t, http.StatusNotModified, rec.Code)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(t, h, http.MethodGet, "/v1/tables/bookings/scheme:watch?after=1&timeout=5s", "")
	}()
	time.Sleep(50 * time.Millisecond)
	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/partitions", `{"name":"p_2025_02_on","boundary":"2025-02-01"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		decodeBody(t, rec, &ts)
		assert.Equal(t, int64(2), ts.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after the scheme changed")
	}

	for _, path := range []string{
		"/v1/tables/bookings/scheme:watch",
		"/v1/tables/bookings/scheme:watch?after=-1",
		"/v1/tables/bookings/scheme:watch?after=1&timeout=soon",
	} {
		rec = do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	rec = do(t, h, http.MethodGet, "/v1/tables/ghost/scheme:watch?after=0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPut, "/v1/tables/bookings/stats", `{"row_counts":{"p_2024_01":100,"p_2024_02":300}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/tables/bookings/plan", `{"lower":"2024-02-01","upper":"2024-03-01"}`)
	var resp PlanResponse
	decodeBody(t, rec, &resp)
	assert.InDelta(t, 0.75, resp.Plan.ScannedFraction, 1e-9)

	rec = do(t, h, http.MethodPut, "/v1/tables/bookings/stats", `{"row_counts":{"p_nope":1}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/v1/tables/bookings/stats", `{"row_counts":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/tables/bookings/stats?top=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Plans     int64 `json:"plans"`
		TopRanges []struct {
			Range string
		} `json:"top_ranges"`
	}
	decodeBody(t, rec, &stats)
	assert.Equal(t, int64(1), stats.Plans)
	assert.Len(t, stats.TopRanges, 1)

	rec = do(t, h, http.MethodGet, "/v1/tables/bookings/stats?top=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndTables(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/v1/tables", "")
	var body struct {
		Tables []string `json:"tables"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, []string{"bookings"}, body.Tables)

	rec = do(t, h, http.MethodGet, "/v1/tables/bookings/plan", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(perrors.ErrVersionConflict))
	assert.Equal(t, http.StatusConflict, StatusFor(perrors.NoCatchAll("x")))
	assert.Equal(t, http.StatusBadRequest, StatusFor(perrors.InvalidScheme("x")))
	assert.Equal(t, http.StatusNotFound, StatusFor(perrors.ErrTableNotFound))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}
