// Package presenter renders peer markers for headless runs by logging
// every map change with both geographic and Web Mercator coordinates.
package presenter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gmtracker/posrelay/internal/geo"
	"github.com/gmtracker/posrelay/internal/peers"
	"github.com/gmtracker/posrelay/pkg/core"
)

// InitialCamera is where the map starts before any update arrives.
var InitialCamera = Camera{
	Position: core.PositionFix{Latitude: -33.86, Longitude: 151.20},
	Zoom:     6,
}

// Camera is the current map viewport.
type Camera struct {
	Position core.PositionFix
	Zoom     float64
}

// Marker is the handle LogPresenter hands to the peer store.
type Marker struct {
	ID       int
	Username string
	Color    string
	Position core.PositionFix
	// Distance is the projected length of every move so far, in metres.
	Distance float64
	Moves    int
}

// LogPresenter implements peers.Presenter on top of a logger.
type LogPresenter struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int
	camera  Camera
	markers []*Marker
}

var _ peers.Presenter = (*LogPresenter)(nil)

// New returns a LogPresenter with the camera at InitialCamera.
func New(logger *slog.Logger) *LogPresenter {
	return &LogPresenter{
		logger: logger,
		camera: InitialCamera,
	}
}

// CreateMarker places a marker at pos.
func (p *LogPresenter) CreateMarker(username string, pos core.PositionFix, style peers.Style) peers.MarkerHandle {
	p.mu.Lock()
	p.nextID++
	m := &Marker{ID: p.nextID, Username: username, Color: style.Color, Position: pos}
	p.markers = append(p.markers, m)
	p.mu.Unlock()

	attrs := []any{"id", m.ID, "username", username, "color", style.Color, "heading", pos.Heading}
	p.logger.Info("Marker created", append(attrs, positionAttrs(pos)...)...)
	return m
}

// MoveMarker animates handle to pos. Handles not created by this
// presenter are ignored.
func (p *LogPresenter) MoveMarker(handle peers.MarkerHandle, pos core.PositionFix, transition time.Duration) {
	m, ok := handle.(*Marker)
	if !ok || m == nil {
		p.logger.Warn("Move for unknown marker handle", "handle", handle)
		return
	}

	p.mu.Lock()
	from := m.Position
	leg := 0.0
	if ls, err := geo.Trail([]core.PositionFix{from, pos}); err == nil {
		leg = ls.Length()
	}
	m.Position = pos
	m.Distance += leg
	m.Moves++
	username := m.Username
	p.mu.Unlock()

	attrs := []any{"id", m.ID, "username", username, "heading", pos.Heading, "leg_m", leg, "transition", transition}
	p.logger.Info("Marker moved", append(attrs, positionAttrs(pos)...)...)
}

// Recenter moves the camera.
func (p *LogPresenter) Recenter(pos core.PositionFix, zoom float64) {
	p.mu.Lock()
	p.camera = Camera{Position: pos, Zoom: zoom}
	p.mu.Unlock()

	p.logger.Debug("Camera recentered", append([]any{"zoom", zoom}, positionAttrs(pos)...)...)
}

// Camera returns the current viewport.
func (p *LogPresenter) Camera() Camera {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.camera
}

// Markers returns a snapshot of every marker in creation order.
func (p *LogPresenter) Markers() []Marker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Marker, len(p.markers))
	for i, m := range p.markers {
		out[i] = *m
	}
	return out
}

func positionAttrs(pos core.PositionFix) []any {
	attrs := []any{"lat", pos.Latitude, "lon", pos.Longitude, "alt", pos.Altitude}
	point, err := geo.Project(pos)
	if err != nil {
		return append(attrs, "epsg3857", "unprojectable")
	}
	if c, ok := point.Coordinates(); ok {
		attrs = append(attrs, "x", c.X, "y", c.Y)
	}
	return attrs
}
