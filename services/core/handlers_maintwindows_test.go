package core

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleetmaint/services/orchestrator"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	engine, err := orchestrator.NewEngine(orm, orchestrator.Options{})
	require.NoError(t, err)

	api, err := New(&Store{Engine: engine}, Config{})
	require.NoError(t, err)

	routes, err := api.Routes()
	require.NoError(t, err)
	return routes
}

// Every window endpoint must answer with a handler-produced status, never a
// router-level 404/405, regardless of the platform the suite runs on.
func TestWindowRoutesAreServed(t *testing.T) {
	routes := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"create", http.MethodPost, "/v1/windows", "not json"},
		{"get", http.MethodGet, "/v1/windows/not-a-uuid", ""},
		{"preview", http.MethodGet, "/v1/windows/not-a-uuid/preview", ""},
		{"jobs", http.MethodGet, "/v1/windows/not-a-uuid/jobs", ""},
		{"execute", http.MethodPost, "/v1/windows/not-a-uuid/execute", "{}"},
		{"skip", http.MethodPost, "/v1/windows/not-a-uuid/skip", "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			routes.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}
