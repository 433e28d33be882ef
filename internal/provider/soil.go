package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/sells-group/site-enrich/internal/resilience"
)

// soilHandler queries USDA Soil Data Access for the major components of the
// map unit under a point.
type soilHandler struct {
	httpBase
}

const soilQuery = `SELECT TOP 5 mu.musym, mu.muname, co.compname, co.drainagecl, co.hydgrp, co.flodfreqcl
FROM mapunit AS mu
INNER JOIN component AS co ON mu.mukey = co.mukey
WHERE mu.mukey IN (SELECT * FROM SDA_Get_Mukey_from_intersection_with_WktWgs84('%s'))
AND co.majcompflag = 'Yes'`

// SoilPayload is the normalized soil result.
type SoilPayload struct {
	Components []map[string]string `json:"components"`
}

func (h *soilHandler) Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	if err := requirePoint(spec, req); err != nil {
		return nil, err
	}
	pointWKT, err := wkt.Marshal(geom.NewPointFlat(geom.XY, []float64{req.Point.Lng, req.Point.Lat}))
	if err != nil {
		return nil, resilience.Permanent(spec.Key, eris.Wrap(err, "encode point"), 0)
	}

	reqBody, err := json.Marshal(map[string]string{
		"query":  fmt.Sprintf(soilQuery, pointWKT),
		"format": "JSON+COLUMNNAME",
	})
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal soil query")
	}

	body, err := h.post(ctx, spec.Key, spec.Endpoint, "application/json", string(reqBody))
	if err != nil {
		return nil, err
	}

	// The first row of Table holds column names.
	var resp struct {
		Table [][]*string `json:"Table"`
	}
	if len(body) > 0 && string(body) != "{}" {
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, decodeErr(spec.Key, err)
		}
	}

	out := SoilPayload{Components: []map[string]string{}}
	if len(resp.Table) > 1 {
		header := resp.Table[0]
		for _, row := range resp.Table[1:] {
			comp := make(map[string]string, len(header))
			for i, col := range header {
				if col == nil || i >= len(row) || row[i] == nil {
					continue
				}
				comp[*col] = *row[i]
			}
			out.Components = append(out.Components, comp)
		}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal soil payload")
	}
	return payload, nil
}
