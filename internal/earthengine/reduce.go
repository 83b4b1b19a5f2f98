package earthengine

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/kartoza/policy-proof/internal/analysis"
)

// SourceName identifies the reducer in results and metrics.
const SourceName = "earthengine"

// DefaultReduceDataset is the outcome collection used when none is configured.
const DefaultReduceDataset = "ECMWF/ERA5_LAND/MONTHLY"

type reduceBand struct {
	InnerKm float64 `json:"inner_km"`
	OuterKm float64 `json:"outer_km"`
}

type reduceRequest struct {
	Dataset  string          `json:"dataset"`
	Year     int             `json:"year,omitempty"`
	Signal   string          `json:"signal,omitempty"`
	Geometry json.RawMessage `json:"geometry"`
	Band     reduceBand      `json:"band"`
	Reducer  string          `json:"reducer"`
}

type reduceResponse struct {
	Mean  *float64 `json:"mean"`
	Count int      `json:"count"`
}

// Reducer asks the service for the mean of the outcome signal over a band
// annulus. It implements analysis.OutcomeSource.
type Reducer struct {
	client  *Client
	dataset string
}

// NewReducer returns a Reducer over the client's configured dataset.
func NewReducer(c *Client) *Reducer {
	dataset := c.cfg.Dataset
	if dataset == "" {
		dataset = DefaultReduceDataset
	}
	return &Reducer{client: c, dataset: dataset}
}

func (r *Reducer) Name() string { return SourceName }

func (r *Reducer) Reduce(ctx context.Context, q analysis.BandQuery) (analysis.BandValue, error) {
	if q.Boundary == nil {
		return analysis.BandValue{}, eris.New("earthengine: boundary is required")
	}
	geometry, err := q.Boundary.GeoJSON()
	if err != nil {
		return analysis.BandValue{}, err
	}

	var resp reduceResponse
	err = r.client.post(ctx, "/v1/reduce", reduceRequest{
		Dataset:  r.dataset,
		Year:     q.Year,
		Signal:   q.Signal,
		Geometry: geometry,
		Band:     reduceBand{InnerKm: q.Band.LoKm, OuterKm: q.Band.HiKm},
		Reducer:  "mean",
	}, &resp)
	if err != nil {
		return analysis.BandValue{}, analysis.Unavailable(SourceName, err)
	}

	if resp.Mean == nil || resp.Count == 0 {
		return analysis.BandValue{}, nil
	}
	return analysis.BandValue{Value: resp.Mean, Count: resp.Count}, nil
}
