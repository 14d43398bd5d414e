// Package peers reconciles relayed position updates into one record per
// participant and drives the map presentation from them.
package peers

import (
	"sync"
	"time"

	"github.com/gmtracker/posrelay/pkg/core"
)

// MarkerHandle is an opaque reference to a marker owned by the Presenter.
type MarkerHandle any

// Presenter is the map collaborator the store drives.
type Presenter interface {
	// CreateMarker places a new marker and returns the Presenter's handle for it.
	CreateMarker(username string, pos core.PositionFix, style Style) MarkerHandle
	// MoveMarker animates an existing marker to pos over transition.
	MoveMarker(handle MarkerHandle, pos core.PositionFix, transition time.Duration)
	// Recenter points the camera at pos at the given zoom level.
	Recenter(pos core.PositionFix, zoom float64)
}

// Style is the fixed visual treatment for peer markers.
type Style struct {
	Color      string
	Transition time.Duration
	FollowZoom float64
}

// DefaultStyle is a cyan marker with a 2s glide, followed at street zoom.
var DefaultStyle = Style{
	Color:      "cyan",
	Transition: 2 * time.Second,
	FollowZoom: 17,
}

// Record is the last known state of one participant.
type Record struct {
	Username     string
	LastPosition core.PositionFix
	Marker       MarkerHandle
}

// Store maps usernames to records. Records are never evicted.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*Record
	presenter Presenter
	style     Style
}

// NewStore creates an empty Store that renders through presenter.
func NewStore(presenter Presenter, style Style) *Store {
	return &Store{
		records:   make(map[string]*Record),
		presenter: presenter,
		style:     style,
	}
}

// Apply folds one inbound update into the store. The camera follows every
// update, whoever it came from; then the participant's marker is created
// or moved.
func (s *Store) Apply(msg core.InboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.presenter.Recenter(msg.Position, s.style.FollowZoom)

	if rec, ok := s.records[msg.Username]; ok {
		rec.LastPosition = msg.Position
		s.presenter.MoveMarker(rec.Marker, msg.Position, s.style.Transition)
		return
	}

	handle := s.presenter.CreateMarker(msg.Username, msg.Position, s.style)
	s.records[msg.Username] = &Record{
		Username:     msg.Username,
		LastPosition: msg.Position,
		Marker:       handle,
	}
}

// Get returns a copy of the record for username.
func (s *Store) Get(username string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[username]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of known participants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
