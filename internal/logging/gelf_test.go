package logging

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inflate undoes whichever compression the GELF writer applied.
func inflate(t *testing.T, p []byte) string {
	t.Helper()
	var r io.Reader = bytes.NewReader(p)
	switch {
	case len(p) > 1 && p[0] == 0x1f && p[1] == 0x8b:
		zr, err := gzip.NewReader(r)
		require.NoError(t, err)
		r = zr
	case len(p) > 0 && p[0] == 0x78:
		zr, err := zlib.NewReader(r)
		require.NoError(t, err)
		r = zr
	}
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestNewGELFHandler_ShipsRecords(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	h, closer, err := NewGELFHandler(pc.LocalAddr().String(), "info", "posrelay")
	require.NoError(t, err)
	defer closer.Close()

	slog.New(h).Info("relay connected", "url", "ws://localhost:8080/")

	buf := make([]byte, 8192)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)

	msg := inflate(t, buf[:n])
	assert.Contains(t, msg, "relay connected")
	assert.Contains(t, msg, "posrelay")
}

func TestNewGELFHandler_BadAddress(t *testing.T) {
	_, _, err := NewGELFHandler("not an address", "info", "posrelay")
	assert.Error(t, err)
}
