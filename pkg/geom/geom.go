package geom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type GeometryType string

const (
	POINT              GeometryType = "POINT"
	LINESTRING         GeometryType = "LINESTRING"
	POLYGON            GeometryType = "POLYGON"
	MULTIPOINT         GeometryType = "MULTIPOINT"
	MULTILINESTRING    GeometryType = "MULTILINESTRING"
	MULTIPOLYGON       GeometryType = "MULTIPOLYGON"
	GEOMETRYCOLLECTION GeometryType = "GEOMETRYCOLLECTION"
)

// Default geometry column name of a Frame
const GeometryColumn = "geometry"

// Default CRS used when the source does not carry one
const DefaultCRS = "EPSG:4326"

// Web mercator, used for metric buffer and centroid computation
const WebMercatorCRS = "EPSG:3857"

// Metadata key holding the frame CRS in Arrow schemas and Parquet files
const CRSMetadataKey = "geoterminal.crs"

// Multi-part types are listed before their single-part prefixes.
var wktTypes = []GeometryType{
	GEOMETRYCOLLECTION,
	MULTIPOLYGON,
	MULTILINESTRING,
	MULTIPOINT,
	POLYGON,
	LINESTRING,
	POINT,
}

type Geometry interface {
	GetCRS() string
	GetSchema() *arrow.Schema
	GetRecords() []arrow.RecordBatch
	HasGeometry() bool
	Release()
}

// WKTType returns the geometry type a WKT string starts with.
func WKTType(s string) (GeometryType, bool) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, t := range wktTypes {
		if strings.HasPrefix(upper, string(t)) {
			return t, true
		}
	}
	return "", false
}

// IsWKT reports whether the input looks like an inline WKT geometry rather than a path.
func IsWKT(s string) bool {
	_, ok := WKTType(s)
	return ok
}

// NormalizeCRS turns a bare EPSG code into an "EPSG:<code>" string.
func NormalizeCRS(crs string) string {
	crs = strings.TrimSpace(crs)
	if crs == "" {
		return ""
	}
	if code, err := strconv.Atoi(crs); err == nil {
		return fmt.Sprintf("EPSG:%d", code)
	}
	if strings.HasPrefix(strings.ToLower(crs), "epsg:") {
		return "EPSG:" + crs[5:]
	}
	return crs
}

// SameCRS compares two CRS strings after normalization.
func SameCRS(a, b string) bool {
	return strings.EqualFold(NormalizeCRS(a), NormalizeCRS(b))
}
