package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kartoza/policy-proof/internal/models"
)

const square = `{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[-0.001,-0.001],[0.001,-0.001],[0.001,0.001],[-0.001,0.001],[-0.001,-0.001]]]}}`

func TestFindAvailablePortSkipsBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	port, err := findAvailablePort(busy, 5)
	if err != nil {
		t.Fatalf("findAvailablePort: %v", err)
	}
	if port == busy {
		t.Errorf("expected a port other than %d", busy)
	}
	if port < busy || port > busy+4 {
		t.Errorf("port %d outside the searched range", port)
	}
}

func TestFindAvailablePortGivesUp(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	if _, err := findAvailablePort(busy, 1); err == nil {
		t.Error("expected an error when the only candidate is busy")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, fmt.Sprintf("v%s", version)) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestAnalyzeCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "boundary.geojson")
	if err := os.WriteFile(path, []byte(square), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "analyze", "--synthetic", "--year", "2020", "--policy", "Test zone", path)
	if err != nil {
		t.Fatalf("analyze: %v\n%s", err, out)
	}

	var res models.AnalyzeResponse
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(res.Points) != 10 {
		t.Errorf("expected 10 points, got %d", len(res.Points))
	}
	if res.Year != 2020 {
		t.Errorf("expected year 2020, got %d", res.Year)
	}
	if res.Policy == nil || *res.Policy != "Test zone" {
		t.Errorf("expected policy to be echoed, got %v", res.Policy)
	}
	if res.Source != "synthetic" {
		t.Errorf("expected synthetic source, got %q", res.Source)
	}
}

func TestAnalyzeCommandRejectsBadGeometry(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "point.geojson")
	if err := os.WriteFile(path, []byte(`{"type":"Point","coordinates":[0,0]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "analyze", path); err == nil {
		t.Error("expected an error for a point geometry")
	}
}
