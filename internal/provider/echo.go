package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
)

const metersPerMile = 1609.344

// echoHandler lists EPA ECHO regulated facilities near a point.
type echoHandler struct {
	httpBase
}

type echoResponse struct {
	Results struct {
		QueryRows  string            `json:"QueryRows"`
		Facilities []json.RawMessage `json:"Facilities"`
		Error      *struct {
			ErrorMessage string `json:"ErrorMessage"`
		} `json:"Error"`
	} `json:"Results"`
}

// EchoPayload is the normalized ECHO result.
type EchoPayload struct {
	RadiusMiles   float64           `json:"radius_miles"`
	FacilityCount int               `json:"facility_count"`
	Facilities    []json.RawMessage `json:"facilities"`
}

func (h *echoHandler) Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	if err := requirePoint(spec, req); err != nil {
		return nil, err
	}
	radius := spec.RadiusMeters
	if radius <= 0 {
		radius = metersPerMile
	}
	miles := radius / metersPerMile

	q := url.Values{}
	q.Set("output", "JSON")
	q.Set("p_lat", ftoa(req.Point.Lat))
	q.Set("p_long", ftoa(req.Point.Lng))
	q.Set("p_radius", strconv.FormatFloat(miles, 'f', 2, 64))

	body, err := h.get(ctx, spec.Key, spec.Endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp echoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(spec.Key, err)
	}
	if resp.Results.Error != nil {
		return nil, decodeErr(spec.Key, eris.New(resp.Results.Error.ErrorMessage))
	}

	count := len(resp.Results.Facilities)
	if n, err := strconv.Atoi(resp.Results.QueryRows); err == nil && n > count {
		count = n
	}
	facilities := resp.Results.Facilities
	if facilities == nil {
		facilities = []json.RawMessage{}
	}
	payload, err := json.Marshal(EchoPayload{
		RadiusMiles:   miles,
		FacilityCount: count,
		Facilities:    facilities,
	})
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal echo payload")
	}
	return payload, nil
}
