package connection

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/gmtracker/posrelay/internal/connection"

type instruments struct {
	sent     metric.Int64Counter
	received metric.Int64Counter
	dropped  metric.Int64Counter
}

func newInstruments() (instruments, error) {
	m := otel.Meter(instrumentationName)

	var ins instruments
	var err error

	ins.sent, err = m.Int64Counter(
		"connection.frames.sent",
		metric.WithDescription("Binary frames written to the relay"),
	)
	if err != nil {
		return ins, fmt.Errorf("creating sent counter: %w", err)
	}

	ins.received, err = m.Int64Counter(
		"connection.frames.received",
		metric.WithDescription("Frames read from the relay"),
	)
	if err != nil {
		return ins, fmt.Errorf("creating received counter: %w", err)
	}

	ins.dropped, err = m.Int64Counter(
		"connection.sends.dropped",
		metric.WithDescription("Outbound frames dropped before reaching the socket"),
	)
	if err != nil {
		return ins, fmt.Errorf("creating dropped counter: %w", err)
	}

	return ins, nil
}
