package nmea

import (
	"errors"
	"fmt"
	"strings"

	gonmea "github.com/adrianmo/go-nmea"
)

// ErrFormat marks a line that is not a valid NMEA 0183 sentence, including
// checksum mismatches and sentences too short for their type.
var ErrFormat = errors.New("nmea: malformed sentence")

// minFields is how many fields each handled type needs before it can be
// decoded.
var minFields = map[string]int{
	gonmea.TypeRMC: 11,
	gonmea.TypeGGA: 14,
	gonmea.TypeHDT: 2,
	gonmea.TypeHDG: 5,
}

// split validates framing and checksum and returns the raw fields.
func split(line string) (gonmea.BaseSentence, error) {
	s, err := gonmea.ParseSentence(line)
	if err != nil {
		return gonmea.BaseSentence{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return s, nil
}

// decode runs the typed parser for a sentence split already accepted.
func decode(line string) (gonmea.Sentence, error) {
	s, err := gonmea.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return s, nil
}

func field(fields []string, i int) string {
	if i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

// signed applies an E/W direction letter: east is positive.
func signed(v float64, dir string) float64 {
	if strings.EqualFold(strings.TrimSpace(dir), gonmea.West) {
		return -v
	}
	return v
}
