package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/site-enrich/internal/resilience"
)

// epqsNoData is the value EPQS returns outside its coverage.
const epqsNoData = -1000000

// elevationHandler queries the USGS Elevation Point Query Service.
type elevationHandler struct {
	httpBase
}

// ElevationPayload is the normalized elevation result.
type ElevationPayload struct {
	ElevationFt float64 `json:"elevation_ft"`
	Source      string  `json:"source"`
}

func (h *elevationHandler) Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	if err := requirePoint(spec, req); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("x", ftoa(req.Point.Lng))
	q.Set("y", ftoa(req.Point.Lat))
	q.Set("wkid", "4326")
	q.Set("units", "Feet")
	q.Set("includeDate", "false")

	body, err := h.get(ctx, spec.Key, spec.Endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	// EPQS has returned the value both as a number and as a string.
	var resp struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(spec.Key, err)
	}
	v, err := strconv.ParseFloat(strings.Trim(string(resp.Value), `"`), 64)
	if err != nil {
		return nil, decodeErr(spec.Key, err)
	}
	if v <= epqsNoData {
		return nil, resilience.Permanent(spec.Key, eris.New("no elevation data at point"), 0)
	}

	payload, err := json.Marshal(ElevationPayload{ElevationFt: v, Source: "usgs_epqs"})
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal elevation payload")
	}
	return payload, nil
}
