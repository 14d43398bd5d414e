// Package geo projects WGS84 fixes into Web Mercator (EPSG:3857), the
// coordinate system slippy maps render in.
package geo

import (
	"errors"
	"math"

	"github.com/gmtracker/posrelay/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// MaxMercatorLatitude is where Web Mercator is clipped.
const MaxMercatorLatitude = 85.05112878

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

var to3857 = wgs84.EPSG().Transform(4326, 3857)

// Coords3857From4326 creates a projected point from a longitude and
// latitude in degrees.
func Coords3857From4326(longitude, latitude float64) (geom.Point, error) {
	if !valid(longitude, latitude) {
		return geom.NewEmptyPoint(geom.DimXY), ErrInvalidCoordinates
	}
	x, y, _ := to3857(longitude, latitude, 0)
	return geom.NewPoint(geom.Coordinates{XY: geom.XY{X: x, Y: y}}), nil
}

// Project converts a fix into a 3D Web Mercator point; altitude becomes Z.
func Project(fix core.PositionFix) (geom.Point, error) {
	if !valid(fix.Longitude, fix.Latitude) || math.IsNaN(fix.Altitude) || math.IsInf(fix.Altitude, 0) {
		return geom.NewEmptyPoint(geom.DimXYZ), ErrInvalidCoordinates
	}
	x, y, _ := to3857(fix.Longitude, fix.Latitude, 0)
	return geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: x, Y: y},
			Z:    fix.Altitude,
			Type: geom.DimXYZ,
		},
	), nil
}

func valid(longitude, latitude float64) bool {
	if math.IsNaN(longitude) || math.IsNaN(latitude) {
		return false
	}
	return longitude >= -180 && longitude <= 180 &&
		latitude >= -MaxMercatorLatitude && latitude <= MaxMercatorLatitude
}
