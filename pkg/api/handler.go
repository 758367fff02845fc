package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"geoterminal/pkg/data"
	"geoterminal/pkg/engine"
	"geoterminal/pkg/fileio"
	"geoterminal/pkg/geom"
	"geoterminal/pkg/geometry"
	"geoterminal/pkg/h3"
	"geoterminal/pkg/pipeline"

	"github.com/paulmach/orb/geojson"
)

// APIHandler runs the processing pipeline over GeoJSON request bodies
type APIHandler struct {
	engineOpts engine.Options
}

func NewAPIHandler(opts engine.Options) *APIHandler {
	return &APIHandler{
		engineOpts: opts,
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProcessHandler handles POST /api/v1/process. Operations come from
// repeated op parameters ("op=buffer=10&op=output-crs=3857") and run in
// the order given.
func (h *APIHandler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	defer r.Body.Close()

	params := r.URL.Query()

	crs := params.Get("crs")
	if crs == "" {
		crs = geom.DefaultCRS
	}

	h3Geometry := false
	if v := params.Get("h3_geom"); v != "" {
		h3Geometry, err = strconv.ParseBool(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid h3_geom: %v", err))
			return
		}
	}

	ops, err := pipeline.ParseAll(params["op"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := pipeline.CheckRemote(ops); err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.validateGeoJSON(body); err != nil {
		h.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid GeoJSON: %v", err))
		return
	}

	ctx := r.Context()

	e, err := engine.New(ctx, h.engineOpts)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("failed to open engine: %v", err))
		return
	}
	defer e.Close()

	frame, err := fileio.ReadGeoJSON(ctx, e, body, crs)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse GeoJSON: %v", err))
		return
	}

	result, err := pipeline.Run(ctx, e, frame, ops, pipeline.Options{
		MaskCRS:    params.Get("mask_crs"),
		H3Geometry: h3Geometry,
	})
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	defer result.Release()

	out, err := fileio.EncodeGeoJSON(ctx, e, result)
	if err != nil {
		h.sendError(w, http.StatusUnprocessableEntity, fmt.Sprintf("failed to serialize result to GeoJSON: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// Operation errors are the caller's fault, anything else is ours.
func statusFor(err error) int {
	var (
		geomErr  *geometry.OperationError
		h3Err    *h3.OperationError
		dataErr  *data.OperationError
		ioErr    *fileio.HandlerError
		parseErr *strconv.NumError
	)
	switch {
	case errors.As(err, &geomErr), errors.As(err, &h3Err), errors.As(err, &dataErr),
		errors.As(err, &ioErr), errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// validateGeoJSON validates the basic GeoJSON structure
func (h *APIHandler) validateGeoJSON(body []byte) error {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return err
	}

	if fc.Type != "FeatureCollection" {
		return fmt.Errorf("expected FeatureCollection, got %s", fc.Type)
	}

	if len(fc.Features) == 0 {
		return fmt.Errorf("no features in FeatureCollection")
	}

	for i, f := range fc.Features {
		if f.Geometry == nil {
			return fmt.Errorf("feature %d: missing geometry", i)
		}
	}

	return nil
}

// sendError sends an error response as JSON
func (h *APIHandler) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
