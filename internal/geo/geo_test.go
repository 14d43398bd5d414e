package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmtracker/posrelay/pkg/core"
)

// Half the circumference of the Web Mercator world, in metres.
const halfWorld = 20037508.342789244

func TestCoords3857From4326_Origin(t *testing.T) {
	point, err := Coords3857From4326(0, 0)
	require.NoError(t, err)

	coords, ok := point.Coordinates()
	require.True(t, ok)
	assert.InDelta(t, 0, coords.X, 1e-6)
	assert.InDelta(t, 0, coords.Y, 1e-6)
}

func TestCoords3857From4326_AntimeridianAndHemispheres(t *testing.T) {
	point, err := Coords3857From4326(180, 0)
	require.NoError(t, err)
	coords, _ := point.Coordinates()
	assert.InDelta(t, halfWorld, coords.X, 1)

	point, err = Coords3857From4326(-45, -30)
	require.NoError(t, err)
	coords, _ = point.Coordinates()
	assert.Less(t, coords.X, 0.0, "western hemisphere")
	assert.Less(t, coords.Y, 0.0, "southern hemisphere")
}

func TestCoords3857From4326_Sydney(t *testing.T) {
	// The map's initial camera position.
	point, err := Coords3857From4326(151.20, -33.86)
	require.NoError(t, err)

	coords, _ := point.Coordinates()
	assert.InDelta(t, 16831507, coords.X, 50)
	assert.InDelta(t, -4010019, coords.Y, 50)
}

func TestCoords3857From4326_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		lon, lat float64
	}{
		{"latitude beyond mercator", 0, 89},
		{"longitude out of range", 181, 0},
		{"nan latitude", 0, math.NaN()},
		{"nan longitude", math.NaN(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			point, err := Coords3857From4326(tt.lon, tt.lat)
			assert.True(t, errors.Is(err, ErrInvalidCoordinates))
			assert.True(t, point.IsEmpty())
		})
	}
}

func TestProject_KeepsAltitude(t *testing.T) {
	point, err := Project(core.PositionFix{Latitude: 10, Longitude: 10, Altitude: 123.5, Heading: 90})
	require.NoError(t, err)

	coords, ok := point.Coordinates()
	require.True(t, ok)
	assert.Greater(t, coords.X, 0.0)
	assert.Greater(t, coords.Y, 0.0)
	assert.Equal(t, 123.5, coords.Z)
}

func TestProject_Invalid(t *testing.T) {
	_, err := Project(core.PositionFix{Latitude: 95})
	assert.ErrorIs(t, err, ErrInvalidCoordinates)

	_, err = Project(core.PositionFix{Altitude: math.Inf(1)})
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
}

func TestTrail(t *testing.T) {
	ls, err := Trail([]core.PositionFix{
		{Latitude: 0, Longitude: 0},
		{Latitude: 0, Longitude: 1},
		{Latitude: 0, Longitude: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, ls.Coordinates().Length())
	// Two degrees of longitude along the equator.
	assert.InDelta(t, 2*halfWorld/180*2, ls.Length(), 1)
}

func TestTrail_TooShort(t *testing.T) {
	_, err := Trail([]core.PositionFix{{Latitude: 1, Longitude: 1}})
	assert.Error(t, err)

	_, err = Trail(nil)
	assert.Error(t, err)
}

func TestTrail_InvalidPoint(t *testing.T) {
	_, err := Trail([]core.PositionFix{{Latitude: 0}, {Latitude: 89}})
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
}
