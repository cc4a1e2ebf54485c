package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-lab/ophistory/internal/history"
)

// stubStore satisfies history.Store; handler tests only exercise the
// HTTP-to-engine boundary, never the durable side.
type stubStore struct{}

func (stubStore) InsertBatch(context.Context, []history.AggregatedEvent, string) error {
	return nil
}
func (stubStore) Query(context.Context, history.StoreFilter) ([]history.AggregatedEvent, error) {
	return nil, nil
}
func (stubStore) MaxChainID(context.Context) (int64, error) { return 0, nil }
func (stubStore) CountRows(context.Context) (int64, error) { return 0, nil }
func (stubStore) DeleteAll(context.Context) error { return nil }
func (stubStore) DeleteFor(context.Context, int32, string) error { return nil }
func (stubStore) DeleteBefore(context.Context, int64) error { return nil }
func (stubStore) DeleteOldest(context.Context, int) error { return nil }
func (stubStore) FileSize() int64 { return 0 }
func (stubStore) Close() error { return nil }

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := history.NewRegistry(stubStore{}, stubStore{}, history.Params{}, nil, nil)
	svc := NewService(registry)

	r := gin.New()
	svc.RegisterRoutes(r.Group("/v1"))
	return r
}

func post(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestAccessHandlerAccepts(t *testing.T) {
	r := testRouter(t)
	w := post(r, "/v1/report/access", `{
		"subject_id": 7,
		"package_name": "com.example.maps",
		"op": "camera",
		"op_flags": 1,
		"access_time": 1000,
		"count": 3
	}`)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestRejectHandlerAccepts(t *testing.T) {
	r := testRouter(t)
	w := post(r, "/v1/report/reject", `{
		"subject_id": 7,
		"package_name": "com.example.maps",
		"op": "fine_location",
		"op_flags": 1
	}`)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestDurationHandlerAccepts(t *testing.T) {
	r := testRouter(t)
	w := post(r, "/v1/report/duration", `{
		"subject_id": 7,
		"package_name": "com.example.maps",
		"op": "record_audio",
		"op_flags": 1,
		"delta_millis": 500
	}`)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestDurationHandlerAcceptsFinishedMarker(t *testing.T) {
	r := testRouter(t)
	w := post(r, "/v1/report/duration", `{
		"subject_id": 7,
		"package_name": "com.example.maps",
		"op": "record_audio",
		"op_flags": 1,
		"delta_millis": -1
	}`)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestReportValidation(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid json", "/v1/report/access", `{not json`},
		{"missing package", "/v1/report/access", `{"op": "camera"}`},
		{"unknown op", "/v1/report/access", `{"package_name": "a", "op": "teleport"}`},
		{"negative count", "/v1/report/access", `{"package_name": "a", "op": "camera", "count": -1}`},
		{"delta below sentinel", "/v1/report/duration", `{"package_name": "a", "op": "camera", "delta_millis": -5}`},
		{"negative chain id", "/v1/report/access", `{"package_name": "a", "op": "camera", "chain_id": -1}`},
		{"chain id above generator range", "/v1/report/access", `{"package_name": "a", "op": "camera", "chain_id": 2147483648}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := post(r, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}
