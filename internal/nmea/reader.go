// Package nmea turns an NMEA 0183 stream into position and heading fixes.
//
// RMC sentences drive position updates; GGA contributes altitude (and
// position, for receivers that never send RMC). HDT and HDG feed the
// heading stream.
package nmea

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	gonmea "github.com/adrianmo/go-nmea"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gmtracker/posrelay/pkg/core"
)

const instrumentationName = "github.com/gmtracker/posrelay/internal/nmea"

// ErrUnsupported is returned by Feed for well-formed sentences of a type
// the reader does not use.
var ErrUnsupported = errors.New("nmea: unsupported sentence")

// Sink receives what the reader extracts.
type Sink interface {
	OnFix(core.PositionFix)
	OnHeading(core.HeadingFix)
}

// Reader keeps the state needed to merge sentences into fixes. It is not
// safe for concurrent use.
type Reader struct {
	sink   Sink
	logger *slog.Logger

	alt     float64
	rmcSeen bool

	sentences metric.Int64Counter
}

// NewReader returns a Reader that reports to sink.
func NewReader(sink Sink, logger *slog.Logger) (*Reader, error) {
	c, err := otel.Meter(instrumentationName).Int64Counter(
		"nmea.sentences",
		metric.WithDescription("NMEA sentences read, by type and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sentence counter: %w", err)
	}
	return &Reader{sink: sink, logger: logger, sentences: c}, nil
}

// Feed parses one line. Sentences that carry no usable data (void RMC,
// GGA without a fix) are consumed without error.
func (r *Reader) Feed(line string) error {
	line = strings.TrimSpace(line)
	s, err := split(line)
	if err != nil {
		r.count("invalid", "error")
		return err
	}

	need, ok := minFields[s.Type]
	if !ok {
		r.count(s.Type, "skipped")
		return fmt.Errorf("%w: %s", ErrUnsupported, s.Type)
	}
	if len(s.Fields) < need {
		err = fmt.Errorf("%w: %s has %d fields", ErrFormat, s.Type, len(s.Fields))
	} else {
		switch s.Type {
		case gonmea.TypeRMC:
			err = r.rmc(line, s.Fields)
		case gonmea.TypeGGA:
			err = r.gga(line, s.Fields)
		case gonmea.TypeHDT:
			err = r.hdt(line, s.Fields)
		case gonmea.TypeHDG:
			err = r.hdg(line, s.Fields)
		}
	}

	if err != nil {
		r.count(s.Type, "error")
		return err
	}
	r.count(s.Type, "ok")
	return nil
}

// rmc emits a fix for active sentences. Field 1 is the status.
func (r *Reader) rmc(line string, f []string) error {
	r.rmcSeen = true
	if field(f, 1) != gonmea.ValidRMC {
		return nil
	}
	sent, err := decode(line)
	if err != nil {
		return err
	}
	m := sent.(gonmea.RMC)
	r.sink.OnFix(core.PositionFix{Latitude: m.Latitude, Longitude: m.Longitude, Altitude: r.alt})
	return nil
}

// gga records the altitude of a valid fix and emits a position only for
// receivers that never send RMC. Field 5 is the fix quality.
func (r *Reader) gga(line string, f []string) error {
	if q := field(f, 5); q == "" || q == gonmea.Invalid {
		return nil
	}
	sent, err := decode(line)
	if err != nil {
		return err
	}
	m := sent.(gonmea.GGA)
	if field(f, 8) != "" {
		r.alt = m.Altitude
	}
	if r.rmcSeen {
		return nil
	}
	r.sink.OnFix(core.PositionFix{Latitude: m.Latitude, Longitude: m.Longitude, Altitude: r.alt})
	return nil
}

// hdt emits a true heading. An empty heading is reported as an invalid
// reading.
func (r *Reader) hdt(line string, f []string) error {
	if field(f, 0) == "" {
		r.sink.OnHeading(core.HeadingFix{Accuracy: -1})
		return nil
	}
	sent, err := decode(line)
	if err != nil {
		return err
	}
	r.sink.OnHeading(core.HeadingFix{TrueHeading: normalize(sent.(gonmea.HDT).Heading)})
	return nil
}

// hdg emits the magnetic heading with deviation applied and, when a
// variation is present, the true heading as well.
func (r *Reader) hdg(line string, f []string) error {
	if field(f, 0) == "" {
		r.sink.OnHeading(core.HeadingFix{Accuracy: -1})
		return nil
	}
	sent, err := decode(line)
	if err != nil {
		return err
	}
	m := sent.(gonmea.HDG)
	h := m.Heading
	if field(f, 1) != "" {
		h += signed(m.Deviation, m.DeviationDirection)
	}
	fix := core.HeadingFix{MagneticHeading: normalize(h)}
	if field(f, 3) != "" {
		fix.TrueHeading = normalize(h + signed(m.Variation, m.VariationDirection))
	}
	r.sink.OnHeading(fix)
	return nil
}

func (r *Reader) count(typ, result string) {
	r.sentences.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", typ),
		attribute.String("result", result),
	))
}

func normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Run feeds every line of src to a new Reader until EOF, a read error or
// ctx is done. Bad lines are logged at debug and skipped.
func Run(ctx context.Context, src io.Reader, sink Sink, logger *slog.Logger) error {
	r, err := NewReader(sink, logger)
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(src)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := r.Feed(line); err != nil && !errors.Is(err, ErrUnsupported) {
			logger.Debug("Skipping NMEA line", "error", err, "line", line)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading NMEA source: %w", err)
	}
	return nil
}
