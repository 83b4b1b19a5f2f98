package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kartoza/policy-proof/internal/analysis"
	"github.com/kartoza/policy-proof/internal/config"
	"github.com/kartoza/policy-proof/internal/earthengine"
	"github.com/kartoza/policy-proof/internal/models"
	"github.com/kartoza/policy-proof/internal/tiles"
)

const squareGeometry = `{"type":"Polygon","coordinates":[[[-0.001,-0.001],[0.001,-0.001],[0.001,0.001],[-0.001,0.001],[-0.001,-0.001]]]}`

type fakeSigner struct {
	err  error
	last earthengine.MapRequest
}

func (f *fakeSigner) SignMap(_ context.Context, req earthengine.MapRequest) (earthengine.SignedMap, error) {
	f.last = req
	if f.err != nil {
		return earthengine.SignedMap{}, f.err
	}
	return earthengine.SignedMap{
		URLFormat: "https://tiles.example.com/v1/maps/abc/tiles/{z}/{x}/{y}",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

type downSource struct{}

func (downSource) Name() string { return "earthengine" }

func (downSource) Reduce(context.Context, analysis.BandQuery) (analysis.BandValue, error) {
	return analysis.BandValue{}, analysis.Unavailable("earthengine", errors.New("connection refused"))
}

type staticDatasets []string

func (s staticDatasets) ListDatasets() []string { return s }

func testConfig() config.Config {
	cfg := config.Config{Version: "test"}
	cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.Analysis.DefaultYear = 2023
	cfg.Analysis.Signal = "temperature_2m"
	return cfg
}

func newTestHandler() *Handler {
	agg := analysis.NewAggregator(analysis.Options{Workers: 4, Timeout: 5 * time.Second}, nil)
	return NewHandler(agg, nil, nil, nil, testConfig())
}

func newRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID)
	h.RegisterRoutes(r)
	h.RegisterWebSocket(r)
	return r
}

func postJSON(r http.Handler, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler()
	r := newRouter(handler)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	json.NewDecoder(w.Body).Decode(&response)

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", response["status"])
	}
}

func TestInfoEndpoint(t *testing.T) {
	agg := analysis.NewAggregator(analysis.Options{}, nil)
	provider := tiles.NewProvider(&fakeSigner{}, tiles.Options{})
	handler := NewHandler(agg, provider, nil, staticDatasets{"ghana.sqlite"}, testConfig())
	r := newRouter(handler)

	req := httptest.NewRequest("GET", "/info", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response models.Info
	json.NewDecoder(w.Body).Decode(&response)

	if response.Version != "test" {
		t.Errorf("Expected version 'test', got '%v'", response.Version)
	}
	if response.OutcomeSource != analysis.SourceSynthetic {
		t.Errorf("Expected synthetic outcome source, got %q", response.OutcomeSource)
	}
	if !response.TilesAvailable {
		t.Error("Expected tiles to be available")
	}
	if len(response.Datasets) != 1 || response.Datasets[0] != "ghana.sqlite" {
		t.Errorf("Unexpected datasets %v", response.Datasets)
	}
}

func TestAnalyzeSquare(t *testing.T) {
	r := newRouter(newTestHandler())

	w := postJSON(r, "/analyze", `{"policy":"Clean air zone","geometry":`+squareGeometry+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp models.AnalyzeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Policy == nil || *resp.Policy != "Clean air zone" {
		t.Errorf("Expected policy to be echoed, got %v", resp.Policy)
	}
	if len(resp.Points) != 10 || len(resp.Bins) != 10 {
		t.Fatalf("Expected 10 points and bins, got %d and %d", len(resp.Points), len(resp.Bins))
	}
	for i := 1; i < len(resp.Points); i++ {
		if resp.Points[i].DistanceKm <= resp.Points[i-1].DistanceKm {
			t.Fatalf("Points not ascending at %d: %v", i, resp.Bins)
		}
	}
	if resp.ImpactScore <= 0 {
		t.Errorf("Expected positive impact score, got %v", resp.ImpactScore)
	}
	if resp.Source != analysis.SourceSynthetic {
		t.Errorf("Expected synthetic source, got %q", resp.Source)
	}
	if resp.Year != 2023 {
		t.Errorf("Expected default year 2023, got %d", resp.Year)
	}
	if resp.RequestID == "" || resp.RequestID != w.Header().Get(RequestIDHeader) {
		t.Errorf("Expected request id to match header, got %q", resp.RequestID)
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	r := newRouter(newTestHandler())
	body := `{"feature":{"type":"Feature","properties":{},"geometry":` + squareGeometry + `},"year":2020}`

	var first, second models.AnalyzeResponse
	json.NewDecoder(postJSON(r, "/analyze", body).Body).Decode(&first)
	json.NewDecoder(postJSON(r, "/analyze", body).Body).Decode(&second)

	if first.ImpactScore != second.ImpactScore {
		t.Fatalf("impact score differs: %v vs %v", first.ImpactScore, second.ImpactScore)
	}
	for i := range first.Points {
		if *first.Points[i].Value != *second.Points[i].Value {
			t.Fatalf("point %d differs", i)
		}
	}
}

func TestAnalyzeFineBands(t *testing.T) {
	r := newRouter(newTestHandler())

	w := postJSON(r, "/analyze", `{"geometry":`+squareGeometry+`,"bands":"fine"}`)
	var resp models.AnalyzeResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Points) != 40 {
		t.Errorf("Expected 40 fine bands, got %d", len(resp.Points))
	}
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	r := newRouter(newTestHandler())

	cases := map[string]string{
		"two vertices":  `{"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,1],[0,0]]]}}`,
		"no geometry":   `{"policy":"x"}`,
		"point":         `{"geometry":{"type":"Point","coordinates":[0,0]}}`,
		"bad json":      `{"geometry":`,
		"year too old":  `{"geometry":` + squareGeometry + `,"year":1990}`,
		"unknown bands": `{"geometry":` + squareGeometry + `,"bands":"coarse"}`,
	}
	for name, body := range cases {
		w := postJSON(r, "/analyze", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", name, w.Code)
			continue
		}
		var response map[string]string
		json.NewDecoder(w.Body).Decode(&response)
		if response["error"] == "" {
			t.Errorf("%s: expected error message", name)
		}
	}
}

func TestAnalyzeFallsBackWhenSourceDown(t *testing.T) {
	agg := analysis.NewAggregator(analysis.Options{Workers: 2}, downSource{})
	r := newRouter(NewHandler(agg, nil, nil, nil, testConfig()))

	w := postJSON(r, "/analyze", `{"geometry":`+squareGeometry+`}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp models.AnalyzeResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Source != analysis.SourceSynthetic || resp.FallbackReason == "" {
		t.Errorf("Expected synthetic fallback, got source %q reason %q", resp.Source, resp.FallbackReason)
	}
	for _, p := range resp.Points {
		if p.Count != 0 || p.Value == nil {
			t.Errorf("Expected synthetic value with count 0, got %+v", p)
		}
	}
}

func TestAnalyzeStream(t *testing.T) {
	r := newRouter(newTestHandler())

	w := postJSON(r, "/analyze", `{"geometry":`+squareGeometry+`}`, "Accept", ndjsonContentType)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != ndjsonContentType {
		t.Errorf("Expected NDJSON content type, got %q", ct)
	}

	var lines []map[string]json.RawMessage
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		var line map[string]json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 11 {
		t.Fatalf("Expected 10 band lines and a summary, got %d", len(lines))
	}
	for _, line := range lines[:10] {
		if string(line["type"]) != `"band"` {
			t.Errorf("Expected band event, got %s", line["type"])
		}
	}
	last := lines[10]
	if string(last["type"]) != `"summary"` {
		t.Fatalf("Expected summary last, got %s", last["type"])
	}
	var bins []float64
	json.Unmarshal(last["bins"], &bins)
	if len(bins) != 10 || bins[0] != -4.5 || bins[9] != 4.5 {
		t.Errorf("Unexpected summary bins %v", bins)
	}
}

func TestAnalyzeStreamQueryParam(t *testing.T) {
	r := newRouter(newTestHandler())

	w := postJSON(r, "/analyze?stream=true", `{"geometry":`+squareGeometry+`}`)
	if ct := w.Header().Get("Content-Type"); ct != ndjsonContentType {
		t.Errorf("Expected NDJSON content type, got %q", ct)
	}
}

func TestAnalyzeStreamInvalidGeometryIsNotStreamed(t *testing.T) {
	r := newRouter(newTestHandler())

	w := postJSON(r, "/analyze", `{"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}}`, "Accept", ndjsonContentType)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected a JSON error, got %q", ct)
	}
}

func TestEmbeddingTiles(t *testing.T) {
	signer := &fakeSigner{}
	agg := analysis.NewAggregator(analysis.Options{}, nil)
	r := newRouter(NewHandler(agg, tiles.NewProvider(signer, tiles.Options{}), nil, nil, testConfig()))

	req := httptest.NewRequest("GET", "/tiles?year=2022&bands=a01,a02,a03&vmin=-0.2&vmax=0.2", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Year     int      `json:"year"`
		Bands    []string `json:"bands"`
		VMin     float64  `json:"vmin"`
		VMax     float64  `json:"vmax"`
		Template string   `json:"template"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Year != 2022 || strings.Join(resp.Bands, ",") != "A01,A02,A03" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.VMin != -0.2 || resp.VMax != 0.2 {
		t.Errorf("Unexpected range %v..%v", resp.VMin, resp.VMax)
	}
	if !strings.Contains(resp.Template, "{z}/{x}/{y}") {
		t.Errorf("Template missing placeholders: %q", resp.Template)
	}
	if signer.last.Dataset != tiles.EmbeddingDataset {
		t.Errorf("Unexpected dataset %q", signer.last.Dataset)
	}
}

func TestTilesErrors(t *testing.T) {
	agg := analysis.NewAggregator(analysis.Options{}, nil)
	down := NewHandler(agg, tiles.NewProvider(&fakeSigner{err: errors.New("dial tcp: refused")}, tiles.Options{}), nil, nil, testConfig())
	none := NewHandler(agg, nil, nil, nil, testConfig())
	unsigned := NewHandler(agg, tiles.NewProvider(nil, tiles.Options{}), nil, nil, testConfig())
	up := NewHandler(agg, tiles.NewProvider(&fakeSigner{}, tiles.Options{}), nil, nil, testConfig())

	region := url.QueryEscape(`{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}`)
	cases := []struct {
		name    string
		handler *Handler
		path    string
		want    int
	}{
		{"signer down", down, "/tiles?year=2022", http.StatusServiceUnavailable},
		{"no provider", none, "/tiles?year=2022", http.StatusServiceUnavailable},
		{"no signer", unsigned, "/tiles/climate", http.StatusServiceUnavailable},
		{"bad year", up, "/tiles?year=abc", http.StatusBadRequest},
		{"year too old", up, "/tiles?year=2010", http.StatusBadRequest},
		{"bad vmin", up, "/tiles?year=2022&vmin=low", http.StatusBadRequest},
		{"inverted range", up, "/tiles?year=2022&vmin=1&vmax=0", http.StatusBadRequest},
		{"two bands", up, "/tiles?year=2022&bands=A01,A02", http.StatusBadRequest},
		{"half difference", up, "/tiles/climate?y1=2000", http.StatusBadRequest},
		{"bad climate source", up, "/tiles/climate?source=landsat", http.StatusBadRequest},
		{"bad target", up, "/tiles/learned?year=2022&target=rain", http.StatusBadRequest},
		{"bad region", up, "/tiles/learned?year=2022&region=" + region, http.StatusBadRequest},
		{"climate difference", up, "/tiles/climate?source=modis&y1=2001&y2=2020", http.StatusOK},
		{"learned", up, "/tiles/learned?year=2022&target=stl2", http.StatusOK},
	}
	for _, tc := range cases {
		r := newRouter(tc.handler)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("%s: expected status %d, got %d: %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestAnalyzeUnaffectedByTileOutage(t *testing.T) {
	agg := analysis.NewAggregator(analysis.Options{}, nil)
	h := NewHandler(agg, tiles.NewProvider(&fakeSigner{err: errors.New("down")}, tiles.Options{}), nil, nil, testConfig())
	r := newRouter(h)

	w := postJSON(r, "/analyze", `{"geometry":`+squareGeometry+`}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected analysis to succeed while tiles are down, got %d", w.Code)
	}
}

func TestChatEndpoint(t *testing.T) {
	r := newRouter(newTestHandler())

	w := postJSON(r, "/chat", `{"message":"How do I draw a polygon?","history":[{"role":"user","content":"hi"},{"role":"assistant","content":"Hello"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp models.ChatResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !strings.Contains(resp.Reply, "Draw a boundary") {
		t.Errorf("Unexpected reply %q", resp.Reply)
	}

	if w := postJSON(r, "/chat", `{"message":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty message, got %d", w.Code)
	}
	if w := postJSON(r, "/chat", `{"message":"hi","history":[{"role":"system","content":"x"}]}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown role, got %d", w.Code)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	h := newTestHandler()
	h.cfg.Server.MaxBodyBytes = 64
	r := newRouter(h)

	big := `{"policy":"` + strings.Repeat("x", 200) + `","geometry":` + squareGeometry + `}`
	if w := postJSON(r, "/analyze", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newRouter(newTestHandler())

	w := postJSON(r, "/analyze", `{"geometry":`+squareGeometry+`}`, RequestIDHeader, "abc-123")
	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("Expected request id to be echoed, got %q", got)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"request_id":"abc-123"`)) {
		t.Errorf("Expected request id in body: %s", w.Body.String())
	}
}

func TestChatSocket(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestHandler()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var msg models.WSMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "info" {
		t.Fatalf("Expected info greeting, got %+v (%v)", msg, err)
	}

	conn.WriteJSON(map[string]string{"message": "Is this Earth Engine?"})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if msg.Type != "message" || msg.From != "assistant" || !strings.Contains(msg.Message, "Google Earth Engine") {
		t.Errorf("Unexpected reply %+v", msg)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("what is the impact?"))
	if err := conn.ReadJSON(&msg); err != nil || !strings.Contains(msg.Message, "Analyze button") {
		t.Errorf("Unexpected plain-text reply %+v (%v)", msg, err)
	}

	conn.WriteJSON(map[string]int{"message": 42})
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "error" {
		t.Errorf("Expected error for invalid payload, got %+v (%v)", msg, err)
	}
}

func TestChatSocketRejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestHandler()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("Expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
}
