package models

import (
	"encoding/json"

	"github.com/kartoza/policy-proof/internal/analysis"
)

// AnalyzeRequest is the body of POST /api/analyze. Exactly one of Geometry,
// Feature or FeatureCollection is used, in that order of precedence.
type AnalyzeRequest struct {
	Policy            *string         `json:"policy,omitempty"`
	Geometry          json.RawMessage `json:"geometry,omitempty"`
	Feature           json.RawMessage `json:"feature,omitempty"`
	FeatureCollection json.RawMessage `json:"featureCollection,omitempty"`
	Year              int             `json:"year,omitempty" validate:"omitempty,min=2017,max=2100"`
	Signal            string          `json:"signal,omitempty" validate:"omitempty,max=64"`
	Synthetic         bool            `json:"synthetic,omitempty"`
	Bands             string          `json:"bands,omitempty" validate:"omitempty,oneof=default fine"`
}

// AnalyzeResponse is the materialized analysis result. It is also the final
// line of an NDJSON stream.
type AnalyzeResponse struct {
	Type           string           `json:"type,omitempty"`
	Policy         *string          `json:"policy"`
	ImpactScore    float64          `json:"impact_score"`
	Points         []analysis.Point `json:"points"`
	Bins           []float64        `json:"bins"`
	Source         string           `json:"source"`
	FallbackReason string           `json:"fallback_reason,omitempty"`
	Year           int              `json:"year"`
	Signal         string           `json:"signal,omitempty"`
	RequestID      string           `json:"request_id,omitempty"`
}

// NewAnalyzeResponse copies an analysis result into its wire form.
func NewAnalyzeResponse(res *analysis.Result, requestID string) AnalyzeResponse {
	return AnalyzeResponse{
		Policy:         res.Policy,
		ImpactScore:    res.ImpactScore,
		Points:         res.Points,
		Bins:           res.Bins,
		Source:         res.Source,
		FallbackReason: res.FallbackReason,
		Year:           res.Year,
		Signal:         res.Signal,
		RequestID:      requestID,
	}
}

// StreamError terminates an NDJSON stream that failed after the first line.
type StreamError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ChatRequest is the body of POST /api/chat. History carries earlier turns
// since the HTTP endpoint is stateless.
type ChatRequest struct {
	Message string        `json:"message" validate:"required,max=4000"`
	History []ChatMessage `json:"history,omitempty" validate:"max=40,dive"`
}

type ChatMessage struct {
	Role    string `json:"role" validate:"oneof=user assistant"`
	Content string `json:"content" validate:"max=4000"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

// WSMessage is exchanged over /ws/chat in both directions. Clients send
// {"message": "..."}; the server answers with type info, message or error.
type WSMessage struct {
	Type    string `json:"type,omitempty"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// Info is returned by GET /api/info.
type Info struct {
	Version        string   `json:"version"`
	OutcomeSource  string   `json:"outcome_source"`
	TilesAvailable bool     `json:"tiles_available"`
	Datasets       []string `json:"datasets"`
	BandPresets    []string `json:"band_presets"`
}
