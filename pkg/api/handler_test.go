package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"geoterminal/pkg/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squares = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"properties": {"id": 1, "name": "A"},
			"geometry": {"type": "Polygon", "coordinates": [[[0, 0], [1, 0], [1, 1], [0, 1], [0, 0]]]}
		},
		{
			"type": "Feature",
			"properties": {"id": 2, "name": "B"},
			"geometry": {"type": "Polygon", "coordinates": [[[2, 0], [3, 0], [3, 1], [2, 1], [2, 0]]]}
		}
	]
}`

func post(t *testing.T, target string, body string) *httptest.ResponseRecorder {
	t.Helper()

	handler := NewAPIHandler(engine.Options{})
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.ProcessHandler(rr, req)
	return rr
}

func TestProcessHandler_InvalidMethod(t *testing.T) {
	handler := NewAPIHandler(engine.Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/process", nil)
	rr := httptest.NewRecorder()

	handler.ProcessHandler(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestProcessHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"not geojson", "/api/v1/process", `{"invalid": "json"}`},
		{"single feature", "/api/v1/process", `{"type": "Feature", "geometry": {"type": "Point", "coordinates": [1,2]}}`},
		{"feature without geometry", "/api/v1/process", `{"type": "FeatureCollection", "features": [{"type": "Feature", "properties": {}}]}`},
		{"unknown operation", "/api/v1/process?op=explode", squares},
		{"file mask", "/api/v1/process?op=mask=/tmp/mask.geojson", squares},
		{"invalid h3_geom", "/api/v1/process?op=h3-res=5&h3_geom=maybe", squares},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(t, tc.target, tc.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestProcessHandler_Pipeline(t *testing.T) {
	rr := post(t, "/api/v1/process?op=buffer=10&op=output-crs=3857", squares)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/geo+json", rr.Header().Get("Content-Type"))

	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 2)
}

func TestProcessHandler_OperationError(t *testing.T) {
	rr := post(t, "/api/v1/process?op=query%3Dmissing_column%20%3E%201", squares)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHealth(t *testing.T) {
	server := NewAPIServer(engine.Options{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.Routes().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestValidateGeoJSON_ValidInput(t *testing.T) {
	handler := NewAPIHandler(engine.Options{})

	assert.NoError(t, handler.validateGeoJSON([]byte(squares)))
}

func TestValidateGeoJSON_EmptyCollection(t *testing.T) {
	handler := NewAPIHandler(engine.Options{})

	err := handler.validateGeoJSON([]byte(`{"type": "FeatureCollection", "features": []}`))
	assert.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	server := NewAPIServer(engine.Options{}, 0)

	require.NoError(t, server.Stop(context.Background()))
	assert.ErrorIs(t, server.Start(), http.ErrServerClosed)
}
