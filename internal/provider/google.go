package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/site-enrich/internal/resilience"
)

// googleStatusErr maps a Google Maps web service status to a failure.
func googleStatusErr(provider, status, message string) error {
	err := eris.Errorf("google status %s: %s", status, message)
	switch status {
	case "OK", "ZERO_RESULTS":
		return nil
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return resilience.Transient(provider, err, 429)
	default:
		return resilience.Permanent(provider, err, 0)
	}
}

// placesHandler runs a Google Places nearby search. Metered.
type placesHandler struct {
	httpBase
	apiKey string
}

// Place is one nearby place.
type Place struct {
	Name     string   `json:"name"`
	Types    []string `json:"types"`
	Vicinity string   `json:"vicinity,omitempty"`
	Rating   float64  `json:"rating,omitempty"`
}

// PlacesPayload is the normalized nearby search result.
type PlacesPayload struct {
	RadiusMeters float64 `json:"radius_meters"`
	Count        int     `json:"count"`
	Places       []Place `json:"places"`
}

func (h *placesHandler) Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	if err := requirePoint(spec, req); err != nil {
		return nil, err
	}
	radius := spec.RadiusMeters
	if radius <= 0 {
		radius = 1600
	}
	q := url.Values{}
	q.Set("location", fmt.Sprintf("%s,%s", ftoa(req.Point.Lat), ftoa(req.Point.Lng)))
	q.Set("radius", ftoa(radius))
	if t := req.Params["type"]; t != "" {
		q.Set("type", t)
	}
	q.Set("key", h.apiKey)

	body, err := h.get(ctx, spec.Key, spec.Endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status       string  `json:"status"`
		ErrorMessage string  `json:"error_message"`
		Results      []Place `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(spec.Key, err)
	}
	if err := googleStatusErr(spec.Key, resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}

	places := resp.Results
	if places == nil {
		places = []Place{}
	}
	payload, err := json.Marshal(PlacesPayload{RadiusMeters: radius, Count: len(places), Places: places})
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal places payload")
	}
	return payload, nil
}

// geocodeHandler resolves an address with Google geocoding. Metered.
type geocodeHandler struct {
	httpBase
	apiKey string
}

// GeocodePayload is the normalized geocode result.
type GeocodePayload struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FormattedAddress string  `json:"formatted_address"`
	PlaceID          string  `json:"place_id"`
	LocationType     string  `json:"location_type"`
}

// ErrNoGeocodeMatch is the cause of a geocode that returned no results.
var ErrNoGeocodeMatch = eris.New("no geocode match")

func (h *geocodeHandler) Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	addr := cleanAddress(req.Address)
	if addr == "" {
		return nil, resilience.Permanent(spec.Key, eris.New("address required"), 0)
	}
	q := url.Values{}
	q.Set("address", addr)
	q.Set("key", h.apiKey)

	body, err := h.get(ctx, spec.Key, spec.Endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		Results      []struct {
			FormattedAddress string `json:"formatted_address"`
			PlaceID          string `json:"place_id"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
				LocationType string `json:"location_type"`
			} `json:"geometry"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(spec.Key, err)
	}
	if err := googleStatusErr(spec.Key, resp.Status, resp.ErrorMessage); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, resilience.Permanent(spec.Key, ErrNoGeocodeMatch, 0)
	}

	top := resp.Results[0]
	payload, err := json.Marshal(GeocodePayload{
		Lat:              top.Geometry.Location.Lat,
		Lng:              top.Geometry.Location.Lng,
		FormattedAddress: top.FormattedAddress,
		PlaceID:          top.PlaceID,
		LocationType:     top.Geometry.LocationType,
	})
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal geocode payload")
	}
	return payload, nil
}

// cleanAddress applies NFKC and collapses whitespace. Case is preserved.
func cleanAddress(addr string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(addr)), " ")
}
