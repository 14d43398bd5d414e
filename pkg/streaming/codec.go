package streaming

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gmtracker/posrelay/pkg/core"
)

// ErrDecode matches every DecodeError via errors.Is.
var ErrDecode = errors.New("malformed position frame")

// DecodeError reports why an inbound payload was rejected. Field is the
// dotted path of the offending member, empty when the payload as a whole
// could not be parsed.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrDecode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

var (
	errMissing = errors.New("missing")
	errType    = errors.New("wrong type")
)

// Encode serializes an outbound message into the relay's JSON frame.
func Encode(msg core.OutboundMessage) ([]byte, error) {
	data, err := json.Marshal(OutboundFrame{
		Email:    msg.Identity.Email,
		Username: msg.Identity.Username,
		Message:  msg.Note,
		Position: fromFix(msg.Position),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal outbound frame: %w", err)
	}
	return data, nil
}

// EncodeInbound serializes a message in the shape the relay rebroadcasts.
func EncodeInbound(msg core.InboundMessage) ([]byte, error) {
	data, err := json.Marshal(InboundFrame{
		Username: msg.Username,
		Position: fromFix(msg.Position),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal inbound frame: %w", err)
	}
	return data, nil
}

// Decode parses a relayed frame. Any structural problem yields a
// *DecodeError; extra members are ignored.
func Decode(data []byte) (core.InboundMessage, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return core.InboundMessage{}, &DecodeError{Field: typeErr.Field, Err: errType}
		}
		return core.InboundMessage{}, &DecodeError{Err: err}
	}

	if wire.Username == nil {
		return core.InboundMessage{}, &DecodeError{Field: "username", Err: errMissing}
	}
	if wire.Position == nil {
		return core.InboundMessage{}, &DecodeError{Field: "position", Err: errMissing}
	}

	p := wire.Position
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"position.lat", p.Lat},
		{"position.lon", p.Lon},
		{"position.alt", p.Alt},
		{"position.heading", p.Heading},
	} {
		if f.v == nil {
			return core.InboundMessage{}, &DecodeError{Field: f.name, Err: errMissing}
		}
	}

	return core.InboundMessage{
		Username: *wire.Username,
		Position: core.PositionFix{
			Latitude:  *p.Lat,
			Longitude: *p.Lon,
			Altitude:  *p.Alt,
			Heading:   *p.Heading,
		},
	}, nil
}

func fromFix(fix core.PositionFix) Position {
	return Position{
		Lat:     fix.Latitude,
		Lon:     fix.Longitude,
		Alt:     fix.Altitude,
		Heading: fix.Heading,
	}
}
