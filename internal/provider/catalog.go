package provider

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Kind groups providers by the pipeline phase that uses them.
type Kind string

const (
	KindOverlay Kind = "overlay"
	KindGeocode Kind = "geocode"
	KindParcel  Kind = "parcel"
)

// Handler names understood by NewRegistry.
const (
	HandlerArcGIS    = "arcgis"
	HandlerElevation = "elevation"
	HandlerEcho      = "echo"
	HandlerSoil      = "soil"
	HandlerPlaces    = "places"
	HandlerGeocode   = "geocode"
)

// Spec describes one provider.
type Spec struct {
	Key      string        `yaml:"key"`
	Kind     Kind          `yaml:"kind"`
	Handler  string        `yaml:"handler"`
	Endpoint string        `yaml:"endpoint"`
	Metered  bool          `yaml:"metered"`
	UnitCost float64       `yaml:"unit_cost_usd"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`

	// RatePerMin and Burst bound live calls; zero disables the limiter.
	RatePerMin int `yaml:"rate_per_min"`
	Burst      int `yaml:"burst"`

	// ArcGIS query options.
	OutFields      string  `yaml:"out_fields"`
	DistanceMeters float64 `yaml:"distance_meters"`
	UseParcel      bool    `yaml:"use_parcel"`
	ReturnGeometry bool    `yaml:"return_geometry"`

	// RadiusMeters is the search radius for proximity providers.
	RadiusMeters float64 `yaml:"radius_meters"`
}

// Cost returns the unit cost as a decimal.
func (s Spec) Cost() decimal.Decimal {
	return decimal.NewFromFloat(s.UnitCost)
}

// Catalog is the full provider list.
type Catalog struct {
	Providers []Spec `yaml:"providers"`
}

// DefaultCatalog returns the built-in providers.
func DefaultCatalog() *Catalog {
	day := 24 * time.Hour
	return &Catalog{Providers: []Spec{
		{
			Key: "fema_flood", Kind: KindOverlay, Handler: HandlerArcGIS,
			Endpoint:  "https://hazards.fema.gov/gis/nfhl/rest/services/public/NFHL/MapServer/28",
			OutFields: "FLD_ZONE,ZONE_SUBTY,SFHA_TF,STATIC_BFE",
			TTL:       90 * day, RatePerMin: 30, Burst: 5,
		},
		{
			Key: "usfws_wetlands", Kind: KindOverlay, Handler: HandlerArcGIS,
			Endpoint:  "https://fwspublicservices.wim.usgs.gov/wetlandsmapservice/rest/services/Wetlands/MapServer/0",
			OutFields: "WETLAND_TYPE,ATTRIBUTE,ACRES", UseParcel: true,
			TTL: 30 * day, RatePerMin: 30, Burst: 5,
		},
		{
			Key: "txdot_traffic", Kind: KindOverlay, Handler: HandlerArcGIS,
			Endpoint:  "https://services.arcgis.com/KTcxiTD9dsQw4r7Z/arcgis/rest/services/TxDOT_AADT/FeatureServer/0",
			OutFields: "AADT_RPT_QTY,AADT_RPT_YEAR,RTE_NM", DistanceMeters: 1000,
			TTL: 15 * time.Minute, RatePerMin: 100, Burst: 20,
		},
		{
			Key: "local_zoning", Kind: KindOverlay, Handler: HandlerArcGIS,
			Endpoint:  "https://services.arcgis.com/0L95CJ0VTaxqcmED/arcgis/rest/services/Zoning/FeatureServer/0",
			OutFields: "ZONING_ZTYPE,ZONING_BASE", UseParcel: true,
			TTL: 30 * day, RatePerMin: 100, Burst: 20,
		},
		{
			Key: "tea_schools", Kind: KindOverlay, Handler: HandlerArcGIS,
			Endpoint:  "https://services2.arcgis.com/5MVN2jsqIrNZD4tP/arcgis/rest/services/School_Districts/FeatureServer/0",
			OutFields: "NAME,DISTRICT,DISTRICT_N",
			TTL:       180 * day, RatePerMin: 30, Burst: 5,
		},
		{
			Key: "water_utilities", Kind: KindOverlay, Handler: HandlerArcGIS,
			Endpoint:  "https://services.arcgis.com/4vCeRHZY3Jv9MQ6n/arcgis/rest/services/Texas_Water_Service_Boundary_Viewer/FeatureServer/0",
			OutFields: "PWS_NAME,PWS_ID,CCN_NO",
			TTL:       30 * day, RatePerMin: 100, Burst: 20,
		},
		{
			Key: "usgs_elevation", Kind: KindOverlay, Handler: HandlerElevation,
			Endpoint: "https://epqs.nationalmap.gov/v1/json",
			TTL:      365 * day, RatePerMin: 100, Burst: 20,
		},
		{
			Key: "epa_echo", Kind: KindOverlay, Handler: HandlerEcho,
			Endpoint:     "https://echodata.epa.gov/echo/echo_rest_services.get_facilities",
			RadiusMeters: 1609.34,
			TTL:          7 * day, RatePerMin: 30, Burst: 5,
		},
		{
			Key: "usda_soil", Kind: KindOverlay, Handler: HandlerSoil,
			Endpoint: "https://sdmdataaccess.sc.egov.usda.gov/Tabular/post.rest",
			TTL:      365 * day, RatePerMin: 30, Burst: 5,
		},
		{
			Key: "google_places", Kind: KindOverlay, Handler: HandlerPlaces,
			Endpoint: "https://maps.googleapis.com/maps/api/place/nearbysearch/json",
			Metered:  true, UnitCost: 0.00283, RadiusMeters: 1600,
			TTL: time.Hour, RatePerMin: 60, Burst: 15,
		},
		{
			Key: "google_geocode", Kind: KindGeocode, Handler: HandlerGeocode,
			Endpoint: "https://maps.googleapis.com/maps/api/geocode/json",
			Metered:  true, UnitCost: 0.005,
			TTL: 30 * day, RatePerMin: 50, Burst: 10,
		},
		{
			Key: "hcad_parcel", Kind: KindParcel, Handler: HandlerArcGIS,
			Endpoint:  "https://www.gis.hctx.net/arcgis/rest/services/HCAD/Parcels/MapServer/0",
			OutFields: "HCAD_NUM,OWNER,LAND_ACRES", ReturnGeometry: true,
			TTL: 7 * day, RatePerMin: 50, Burst: 10,
		},
	}}
}

// LoadCatalog reads a provider catalog from a YAML file and merges it over
// the built-in defaults by key.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read catalog %s", path)
	}

	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "provider: parse catalog")
	}

	cat := DefaultCatalog()
	index := make(map[string]int, len(cat.Providers))
	for i, s := range cat.Providers {
		index[s.Key] = i
	}
	for _, s := range file.Providers {
		if i, ok := index[s.Key]; ok {
			cat.Providers[i] = s
			continue
		}
		index[s.Key] = len(cat.Providers)
		cat.Providers = append(cat.Providers, s)
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// Validate checks that keys are unique and every spec names a known kind
// and handler.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, s := range c.Providers {
		if s.Key == "" {
			return eris.New("provider: catalog entry without key")
		}
		if seen[s.Key] {
			return eris.Errorf("provider: duplicate key %q", s.Key)
		}
		seen[s.Key] = true

		switch s.Kind {
		case KindOverlay, KindGeocode, KindParcel:
		default:
			return eris.Errorf("provider: %s has unknown kind %q", s.Key, s.Kind)
		}
		switch s.Handler {
		case HandlerArcGIS, HandlerElevation, HandlerEcho, HandlerSoil, HandlerPlaces, HandlerGeocode:
		default:
			return eris.Errorf("provider: %s has unknown handler %q", s.Key, s.Handler)
		}
		if s.Endpoint == "" {
			return eris.Errorf("provider: %s has no endpoint", s.Key)
		}
	}
	return nil
}
