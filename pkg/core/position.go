package core

// PositionFix is one reading of the device location plus the heading in
// effect when it was taken. Heading is in degrees, [0,360).
type PositionFix struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Heading   float64
}

// HeadingFix is one reading from the compass stream. A negative Accuracy
// means the reading is invalid.
type HeadingFix struct {
	TrueHeading     float64
	MagneticHeading float64
	Accuracy        float64
}

// Identity names the local participant in outbound messages.
type Identity struct {
	Email    string
	Username string
}

// OutboundMessage is built fresh for every position the device reports.
type OutboundMessage struct {
	Identity Identity
	Note     string
	Position PositionFix
}

// InboundMessage is a position update relayed for some participant.
type InboundMessage struct {
	Username string
	Position PositionFix
}
