package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kartoza/policy-proof/internal/geometry"
	"github.com/kartoza/policy-proof/internal/tiles"
	"go.uber.org/zap"
)

// handleEmbeddingTiles returns a signed template for the embedding composite:
// GET /tiles?year=&bands=&vmin=&vmax=
func (h *Handler) handleEmbeddingTiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, err := intParam(q, "year", h.cfg.Analysis.DefaultYear)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	vmin, vmax, err := rangeParams(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.tiles == nil {
		respondError(w, http.StatusServiceUnavailable, tiles.ErrTileProviderUnavailable.Error())
		return
	}

	out, err := h.tiles.Embedding(r.Context(), tiles.EmbeddingRequest{
		Year:  year,
		Bands: tiles.ParseBands(q.Get("bands")),
		VMin:  vmin,
		VMax:  vmax,
	})
	if err != nil {
		respondTileError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// handleClimateTiles: GET /tiles/climate?source=&year= or ?y1=&y2= for a
// difference map.
func (h *Handler) handleClimateTiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, err := intParam(q, "year", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	y1, err := intParam(q, "y1", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	y2, err := intParam(q, "y2", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if (y1 == 0) != (y2 == 0) {
		respondError(w, http.StatusBadRequest, "y1 and y2 must be given together")
		return
	}
	vmin, vmax, err := rangeParams(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.tiles == nil {
		respondError(w, http.StatusServiceUnavailable, tiles.ErrTileProviderUnavailable.Error())
		return
	}

	out, err := h.tiles.Climate(r.Context(), tiles.ClimateRequest{
		Source: q.Get("source"),
		Year:   year,
		Y1:     y1,
		Y2:     y2,
		VMin:   vmin,
		VMax:   vmax,
	})
	if err != nil {
		respondTileError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// handleLearnedTiles: GET /tiles/learned?year=&target=&bands=&region=
// region is an optional GeoJSON polygon restricting the regression fit.
func (h *Handler) handleLearnedTiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, err := intParam(q, "year", h.cfg.Analysis.DefaultYear)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	vmin, vmax, err := rangeParams(q)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := tiles.LearnedRequest{
		Year:   year,
		Target: q.Get("target"),
		Bands:  tiles.ParseBands(q.Get("bands")),
		VMin:   vmin,
		VMax:   vmax,
	}
	if raw := strings.TrimSpace(q.Get("region")); raw != "" {
		region, err := geometry.Parse([]byte(raw))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Region, err = region.GeoJSON(); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if h.tiles == nil {
		respondError(w, http.StatusServiceUnavailable, tiles.ErrTileProviderUnavailable.Error())
		return
	}

	out, err := h.tiles.Learned(r.Context(), req)
	if err != nil {
		respondTileError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func respondTileError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tiles.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tiles.ErrTileProviderUnavailable):
		zap.L().Warn("api: tile provider unavailable",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusServiceUnavailable, tiles.ErrTileProviderUnavailable.Error())
	default:
		zap.L().Error("api: tile request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusBadGateway, "tile signing failed")
	}
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func floatParam(q url.Values, name string) (*float64, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	return &v, nil
}

func rangeParams(q url.Values) (*float64, *float64, error) {
	vmin, err := floatParam(q, "vmin")
	if err != nil {
		return nil, nil, err
	}
	vmax, err := floatParam(q, "vmax")
	if err != nil {
		return nil, nil, err
	}
	return vmin, vmax, nil
}
