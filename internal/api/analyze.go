package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kartoza/policy-proof/internal/analysis"
	"github.com/kartoza/policy-proof/internal/geometry"
	"github.com/kartoza/policy-proof/internal/models"
	"go.uber.org/zap"
)

const ndjsonContentType = "application/x-ndjson"

// handleAnalyze runs the band analysis for a boundary. The response is one
// JSON object, or an NDJSON stream of band events ending in the same object
// when the client asks for application/x-ndjson or passes stream=true.
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body models.AnalyzeRequest
	if status, err := h.decodeBody(w, r, &body); err != nil {
		respondError(w, status, err.Error())
		return
	}

	req, err := h.analysisRequest(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wantsStream(r) {
		h.streamAnalysis(w, r, req)
		return
	}

	requestID := RequestIDFrom(r.Context())
	res, err := h.analyzer.Run(r.Context(), req, nil)
	if err != nil {
		if r.Context().Err() != nil {
			zap.L().Info("api: analysis abandoned by client", zap.String("request_id", requestID))
			return
		}
		zap.L().Error("api: analysis failed", zap.String("request_id", requestID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	respondJSON(w, http.StatusOK, models.NewAnalyzeResponse(res, requestID))
}

// analysisRequest validates the body before anything is written, so bad
// geometry never produces a partial stream.
func (h *Handler) analysisRequest(body models.AnalyzeRequest) (analysis.Request, error) {
	boundary, err := geometry.ParseRequest(body.Geometry, body.Feature, body.FeatureCollection)
	if err != nil {
		return analysis.Request{}, err
	}

	req := analysis.Request{
		Policy:         body.Policy,
		Boundary:       boundary,
		Year:           body.Year,
		Signal:         strings.TrimSpace(body.Signal),
		ForceSynthetic: body.Synthetic,
	}
	if req.Year == 0 {
		req.Year = h.cfg.Analysis.DefaultYear
	}
	if req.Signal == "" {
		req.Signal = h.cfg.Analysis.Signal
	}
	if body.Bands != "" {
		bands, err := analysis.ParsePreset(body.Bands)
		if err != nil {
			return analysis.Request{}, err
		}
		req.Bands = &bands
	}
	return req, nil
}

func wantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), ndjsonContentType) {
		return true
	}
	switch strings.ToLower(r.URL.Query().Get("stream")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// streamAnalysis writes one line per band as it completes, a fallback line
// if the source is switched, and the sorted summary last. Band lines seen
// before a fallback line are superseded by the synthetic ones after it.
func (h *Handler) streamAnalysis(w http.ResponseWriter, r *http.Request, req analysis.Request) {
	requestID := RequestIDFrom(r.Context())
	log := zap.L().With(zap.String("request_id", requestID))

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	writeLine := func(v interface{}) bool {
		if err := enc.Encode(v); err != nil {
			log.Debug("api: stream write failed", zap.Error(err))
			return false
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Debug("api: stream flush failed", zap.Error(err))
		}
		return true
	}

	res, err := h.analyzer.Run(r.Context(), req, func(ev analysis.Event) {
		writeLine(ev)
	})
	if err != nil {
		if r.Context().Err() != nil {
			log.Info("api: analysis stream abandoned by client")
			return
		}
		log.Error("api: analysis stream failed", zap.Error(err))
		writeLine(models.StreamError{Type: "error", Error: "analysis failed"})
		return
	}

	summary := models.NewAnalyzeResponse(res, requestID)
	summary.Type = "summary"
	writeLine(summary)
}
