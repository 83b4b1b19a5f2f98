package tiles

import (
	"fmt"
	"strconv"
	"strings"
)

// Embedding layer defaults.
const (
	EmbeddingDataset = "GOOGLE/SATELLITE_EMBEDDING/V1/ANNUAL"
	EmbeddingMinYear = 2017
	EmbeddingVMin    = -0.3
	EmbeddingVMax    = 0.3
	embeddingBands   = 64
)

// DefaultEmbeddingBands render as an RGB composite.
var DefaultEmbeddingBands = []string{"A01", "A16", "A09"}

const maxYear = 2100

// Climate sources.
const (
	SourceERA5Land = "era5land"
	SourceMODIS    = "modis"
)

type climateSource struct {
	dataset string
	band    string
	minYear int
	vmin    float64
	vmax    float64
}

var climateSources = map[string]climateSource{
	SourceERA5Land: {dataset: "ECMWF/ERA5_LAND/MONTHLY", band: "temperature_2m", minYear: 1950, vmin: -30, vmax: 30},
	SourceMODIS:    {dataset: "MODIS/061/MOD11A1", band: "LST_Day_1km", minYear: 2000, vmin: -30, vmax: 45},
}

const (
	defaultClimateYear = 2000
	diffVMin           = -5.0
	diffVMax           = 5.0
	learnedVMin        = -30.0
	learnedVMax        = 30.0
	learnedScale       = 1000
)

// TemperaturePalette runs from cold blue to hot red.
var TemperaturePalette = []string{
	"#313695", "#4575b4", "#74add1", "#abd9e9", "#e0f3f8",
	"#ffffbf", "#fee090", "#fdae61", "#f46d43", "#d73027", "#a50026",
}

// DifferencePalette is diverging around zero change.
var DifferencePalette = []string{"#2166ac", "#67a9cf", "#f7f7f7", "#f4a582", "#b2182b"}

// AllEmbeddingBands returns A00..A63.
func AllEmbeddingBands() []string {
	bands := make([]string, embeddingBands)
	for i := range bands {
		bands[i] = fmt.Sprintf("A%02d", i)
	}
	return bands
}

func validEmbeddingBand(b string) bool {
	if len(b) != 3 || b[0] != 'A' {
		return false
	}
	n, err := strconv.Atoi(b[1:])
	return err == nil && n >= 0 && n < embeddingBands
}

// ParseBands splits a comma-separated band list, dropping blanks.
func ParseBands(csv string) []string {
	var bands []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			bands = append(bands, strings.ToUpper(b))
		}
	}
	return bands
}

// canonicalTarget maps accepted regression targets and their aliases to
// t2m, lst_day or stl1..stl4. Soil levels are clamped to 1..4.
func canonicalTarget(target string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(target))
	switch t {
	case "", "t2m":
		return "t2m", true
	case "lst", "lst_day", "modis_lst_day":
		return "lst_day", true
	}

	var level string
	switch {
	case strings.HasPrefix(t, "soil_temperature_level_"):
		level = strings.TrimPrefix(t, "soil_temperature_level_")
	case strings.HasPrefix(t, "stl"):
		level = strings.TrimPrefix(t, "stl")
	default:
		return "", false
	}
	n, err := strconv.Atoi(level)
	if level == "" {
		n, err = 1, nil
	}
	if err != nil {
		return "", false
	}
	n = max(1, min(4, n))
	return "stl" + strconv.Itoa(n), true
}
