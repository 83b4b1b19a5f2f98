package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kartoza/policy-proof/internal/analysis"
	"github.com/kartoza/policy-proof/internal/chat"
	"github.com/kartoza/policy-proof/internal/config"
	"github.com/kartoza/policy-proof/internal/models"
	"github.com/kartoza/policy-proof/internal/tiles"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 1 << 20

// Analyzer runs a band analysis. *analysis.Aggregator implements it.
type Analyzer interface {
	Run(ctx context.Context, req analysis.Request, emit analysis.EmitFunc) (*analysis.Result, error)
	SourceName() string
}

// TileProvider signs map layers. *tiles.Provider implements it.
type TileProvider interface {
	Available() bool
	Embedding(ctx context.Context, req tiles.EmbeddingRequest) (tiles.EmbeddingTiles, error)
	Climate(ctx context.Context, req tiles.ClimateRequest) (tiles.ClimateTiles, error)
	Learned(ctx context.Context, req tiles.LearnedRequest) (tiles.LearnedTiles, error)
}

// DatasetLister reports loaded sample databases.
type DatasetLister interface {
	ListDatasets() []string
}

// Handler provides HTTP API endpoints
type Handler struct {
	analyzer  Analyzer
	tiles     TileProvider
	responder chat.Responder
	datasets  DatasetLister
	cfg       config.Config
	validate  *validator.Validate
	upgrader  websocket.Upgrader
}

// NewHandler creates a new API handler. tileProvider, responder and datasets
// may be nil.
func NewHandler(
	analyzer Analyzer,
	tileProvider TileProvider,
	responder chat.Responder,
	datasets DatasetLister,
	cfg config.Config,
) *Handler {
	h := &Handler{
		analyzer:  analyzer,
		tiles:     tileProvider,
		responder: responder,
		datasets:  datasets,
		cfg:       cfg,
		validate:  validator.New(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes sets up all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Health and info
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/info", h.handleInfo).Methods("GET")

	// Band analysis
	r.HandleFunc("/analyze", h.handleAnalyze).Methods("POST")

	// Tile templates
	r.HandleFunc("/tiles", h.handleEmbeddingTiles).Methods("GET")
	r.HandleFunc("/tiles/climate", h.handleClimateTiles).Methods("GET")
	r.HandleFunc("/tiles/learned", h.handleLearnedTiles).Methods("GET")

	// Assistant
	r.HandleFunc("/chat", h.handleChat).Methods("POST")
}

// RegisterWebSocket mounts the chat socket; it lives outside /api.
func (h *Handler) RegisterWebSocket(r *mux.Router) {
	r.HandleFunc("/ws/chat", h.handleChatSocket).Methods("GET")
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// respondError sends a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a size-limited JSON body into dst and validates it.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) (int, error) {
	limit := h.cfg.Server.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		return http.StatusBadRequest, errors.New("invalid JSON body: " + err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		return http.StatusBadRequest, err
	}
	return 0, nil
}

// handleHealth returns server health status
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo returns server information
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := models.Info{
		Version:        h.cfg.Version,
		OutcomeSource:  h.analyzer.SourceName(),
		TilesAvailable: h.tiles != nil && h.tiles.Available(),
		Datasets:       []string{},
		BandPresets:    []string{"default", "fine"},
	}
	if h.datasets != nil {
		if names := h.datasets.ListDatasets(); names != nil {
			info.Datasets = names
		}
	}
	respondJSON(w, http.StatusOK, info)
}
