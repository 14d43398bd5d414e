package streaming

// Position is the nested position object shared by both frame shapes.
type Position struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Alt     float64 `json:"alt"`
	Heading float64 `json:"heading"`
}

// OutboundFrame is what a client sends to the relay for each position fix.
type OutboundFrame struct {
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Message  string   `json:"message"`
	Position Position `json:"position"`
}

// InboundFrame is what the relay rebroadcasts to every connected client.
type InboundFrame struct {
	Username string   `json:"username"`
	Position Position `json:"position"`
}

// inboundWire mirrors InboundFrame with pointer fields so that absent and
// null members can be told apart from zero values.
type inboundWire struct {
	Username *string       `json:"username"`
	Position *positionWire `json:"position"`
}

type positionWire struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Alt     *float64 `json:"alt"`
	Heading *float64 `json:"heading"`
}
