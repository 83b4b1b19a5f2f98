package earthengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// MapKind selects how the service builds the rendered image.
type MapKind string

const (
	MapImage      MapKind = "image"
	MapDifference MapKind = "difference"
	MapRegression MapKind = "regression"
)

// MapRequest describes a tile layer to sign.
type MapRequest struct {
	Kind    MapKind         `json:"kind"`
	Dataset string          `json:"dataset"`
	Band    string          `json:"band,omitempty"`
	Year    int             `json:"year,omitempty"`
	Years   []int           `json:"years,omitempty"`
	Bands   []string        `json:"bands,omitempty"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Palette []string        `json:"palette,omitempty"`
	Target  string          `json:"target,omitempty"`
	Region  json.RawMessage `json:"region,omitempty"`
	Scale   int             `json:"scale,omitempty"`
}

// SignedMap is a signed XYZ template and the time it stops working.
type SignedMap struct {
	URLFormat string    `json:"url_format"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignMap asks the service for a tile URL template.
func (c *Client) SignMap(ctx context.Context, req MapRequest) (SignedMap, error) {
	if req.Dataset == "" {
		return SignedMap{}, eris.New("earthengine: map dataset is required")
	}

	var out SignedMap
	if err := c.post(ctx, "/v1/maps", req, &out); err != nil {
		return SignedMap{}, err
	}
	if out.URLFormat == "" {
		return SignedMap{}, eris.New("earthengine: service returned an empty url_format")
	}
	return out, nil
}
