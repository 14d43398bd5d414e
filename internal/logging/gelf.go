package logging

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGELFHandler returns a handler that ships JSON records to a Graylog
// GELF UDP input at address. Close the returned io.Closer on shutdown.
func NewGELFHandler(address, level, facility string) (slog.Handler, io.Closer, error) {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to graylog at %s: %w", address, err)
	}
	w.Facility = facility
	return slog.NewJSONHandler(w, handlerOptions(level)), w, nil
}
