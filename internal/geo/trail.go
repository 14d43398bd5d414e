package geo

import (
	"fmt"

	"github.com/gmtracker/posrelay/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// Trail projects a sequence of fixes into a Web Mercator line string.
func Trail(fixes []core.PositionFix) (geom.LineString, error) {
	if len(fixes) < 2 {
		return geom.LineString{}, fmt.Errorf("trail must have at least 2 points, got %d", len(fixes))
	}

	flat := make([]float64, 0, len(fixes)*2)
	for i, fix := range fixes {
		if !valid(fix.Longitude, fix.Latitude) {
			return geom.LineString{}, fmt.Errorf("trail point %d: %w", i, ErrInvalidCoordinates)
		}
		x, y, _ := to3857(fix.Longitude, fix.Latitude, 0)
		flat = append(flat, x, y)
	}

	return geom.NewLineString(geom.NewSequence(flat, geom.DimXY)), nil
}
