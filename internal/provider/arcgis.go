package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/site-enrich/internal/resilience"
)

// arcgisHandler runs a spatial query against an ArcGIS REST layer.
type arcgisHandler struct {
	httpBase
}

type arcgisResponse struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
		Geometry   *struct {
			Rings [][][]float64 `json:"rings"`
		} `json:"geometry"`
	} `json:"features"`
	ExceededTransferLimit bool `json:"exceededTransferLimit"`
	Error                 *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ArcGISPayload is the normalized payload of an ArcGIS layer query.
type ArcGISPayload struct {
	Layer        string           `json:"layer"`
	FeatureCount int              `json:"feature_count"`
	Features     []map[string]any `json:"features"`
	Truncated    bool             `json:"truncated,omitempty"`
	// Geometries holds one GeoJSON polygon per feature when the layer is
	// queried with ReturnGeometry.
	Geometries []json.RawMessage `json:"geometries,omitempty"`
}

func (h *arcgisHandler) Fetch(ctx context.Context, spec Spec, req Request) (json.RawMessage, error) {
	if err := requirePoint(spec, req); err != nil {
		return nil, err
	}

	q, err := arcgisQuery(spec, req)
	if err != nil {
		return nil, resilience.Permanent(spec.Key, err, 0)
	}
	endpoint := strings.TrimSuffix(spec.Endpoint, "/")
	if !strings.HasSuffix(endpoint, "/query") {
		endpoint += "/query"
	}

	body, err := h.get(ctx, spec.Key, endpoint+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp arcgisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, decodeErr(spec.Key, err)
	}
	// ArcGIS reports service errors inside a 200 body.
	if resp.Error != nil {
		return nil, resilience.FromHTTPStatus(spec.Key, resp.Error.Code, resp.Error.Message)
	}

	out := ArcGISPayload{
		Layer:        spec.Key,
		FeatureCount: len(resp.Features),
		Features:     make([]map[string]any, 0, len(resp.Features)),
		Truncated:    resp.ExceededTransferLimit,
	}
	for _, f := range resp.Features {
		out.Features = append(out.Features, f.Attributes)
		if spec.ReturnGeometry && f.Geometry != nil {
			poly, err := ringsToGeoJSON(f.Geometry.Rings)
			if err != nil {
				return nil, decodeErr(spec.Key, err)
			}
			out.Geometries = append(out.Geometries, poly)
		}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal arcgis payload")
	}
	return payload, nil
}

// arcgisQuery builds the query string. With UseParcel and a parcel polygon
// the query uses the parcel envelope instead of the point.
func arcgisQuery(spec Spec, req Request) (url.Values, error) {
	outFields := spec.OutFields
	if outFields == "" {
		outFields = "*"
	}
	q := url.Values{}
	q.Set("f", "json")
	q.Set("where", "1=1")
	q.Set("outFields", outFields)
	q.Set("returnGeometry", strconv.FormatBool(spec.ReturnGeometry))
	q.Set("inSR", "4326")
	q.Set("outSR", "4326")
	q.Set("spatialRel", "esriSpatialRelIntersects")

	if spec.UseParcel && len(req.Parcel) > 0 {
		bounds, err := parcelBounds(req.Parcel)
		if err != nil {
			return nil, err
		}
		q.Set("geometryType", "esriGeometryEnvelope")
		q.Set("geometry", fmt.Sprintf(`{"xmin":%s,"ymin":%s,"xmax":%s,"ymax":%s}`,
			ftoa(bounds.Min(0)), ftoa(bounds.Min(1)), ftoa(bounds.Max(0)), ftoa(bounds.Max(1))))
	} else {
		pt := geom.NewPointFlat(geom.XY, []float64{req.Point.Lng, req.Point.Lat})
		q.Set("geometryType", "esriGeometryPoint")
		q.Set("geometry", fmt.Sprintf(`{"x":%s,"y":%s}`, ftoa(pt.X()), ftoa(pt.Y())))
	}

	if spec.DistanceMeters > 0 {
		q.Set("distance", ftoa(spec.DistanceMeters))
		q.Set("units", "esriSRUnit_Meter")
	}
	return q, nil
}

// parcelBounds decodes a GeoJSON geometry and returns its bounding box.
func parcelBounds(raw json.RawMessage) (*geom.Bounds, error) {
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, eris.Wrap(err, "parse parcel geometry")
	}
	if g == nil || g.Empty() {
		return nil, eris.New("empty parcel geometry")
	}
	return g.Bounds(), nil
}

// ringsToGeoJSON converts Esri polygon rings to a GeoJSON polygon.
func ringsToGeoJSON(rings [][][]float64) (json.RawMessage, error) {
	if len(rings) == 0 {
		return nil, eris.New("polygon has no rings")
	}
	var flat []float64
	ends := make([]int, 0, len(rings))
	for _, ring := range rings {
		for _, pt := range ring {
			if len(pt) < 2 {
				return nil, eris.New("short coordinate in ring")
			}
			flat = append(flat, pt[0], pt[1])
		}
		ends = append(ends, len(flat))
	}
	data, err := geojson.Marshal(geom.NewPolygonFlat(geom.XY, flat, ends))
	if err != nil {
		return nil, eris.Wrap(err, "encode polygon")
	}
	return data, nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
