// Command posrelay streams the local GPS position to a relay server and
// follows everyone else's position relayed back.
//
// NMEA 0183 sentences are read from stdin or source.path. SIGUSR1 toggles
// the relay connection; SIGINT and SIGTERM shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gmtracker/posrelay/internal/config"
	"github.com/gmtracker/posrelay/internal/connection"
	"github.com/gmtracker/posrelay/internal/logging"
	"github.com/gmtracker/posrelay/internal/nmea"
	"github.com/gmtracker/posrelay/internal/peers"
	"github.com/gmtracker/posrelay/internal/presenter"
	"github.com/gmtracker/posrelay/internal/tracker"
	"github.com/gmtracker/posrelay/pkg/core"
)

const appName = "posrelay"

const shutdownTimeout = 5 * time.Second

func main() {
	configDir := flag.String("config", ".", "directory containing "+config.FileName)
	sourcePath := flag.String("source", "", "NMEA input file, overrides source.path (default stdin)")
	flag.Parse()

	if err := run(*configDir, *sourcePath); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(configDir, sourceOverride string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgErr := config.Load(configDir)
	if cfgErr != nil && !config.IsNotFound(cfgErr) {
		return cfgErr
	}

	rt, err := setupRuntime(time.Now())
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	if cfgErr != nil {
		logger.Warn("Config file not found, using defaults", "dir", configDir, "file", config.FileName)
	} else {
		logger.Info("Loaded config", "file", config.FileName)
	}

	tr, err := newTracker(rt)
	if err != nil {
		return err
	}
	rt.state.Store(tr)

	src, closeSrc, err := openSource(sourceOverride)
	if err != nil {
		return err
	}
	defer closeSrc()

	toggle := make(chan os.Signal, 1)
	if len(toggleSignals) > 0 {
		signal.Notify(toggle, toggleSignals...)
		defer signal.Stop(toggle)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-toggle:
				logger.Info("Toggle requested", "state", tr.Toggle(ctx).String())
			}
		}
	}()

	tr.Connect(ctx)

	srcDone := make(chan error, 1)
	go func() {
		srcDone <- nmea.Run(ctx, src, tr, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-srcDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Position source failed", "error", err)
		} else {
			logger.Info("Position source ended")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tr.Close(shutdownCtx); err != nil {
		logger.Warn("Inbound queue not drained", "error", err)
	}
	logger.Info("Stopped", "peers", tr.Peers().Len())
	return nil
}

func newTracker(rt *runtime) (*tracker.Tracker, error) {
	relay, err := config.GetRelayConfig()
	if err != nil {
		return nil, err
	}
	id, err := config.GetIdentity()
	if err != nil {
		return nil, err
	}
	style, err := config.GetMapStyle()
	if err != nil {
		return nil, err
	}

	opts := []tracker.Option{
		tracker.WithLogger(rt.logger),
		tracker.WithDispatcherLogger(logging.NewDispatcherLogger(rt.zlog)),
	}
	if relay.Reconnect.Enabled {
		rc := relay.Reconnect
		opts = append(opts, tracker.WithReconnect(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = rc.InitialInterval
			b.MaxInterval = rc.MaxInterval
			b.MaxElapsedTime = rc.MaxElapsedTime
			b.Reset()
			return b
		}))
	}

	return tracker.New(tracker.Config{
		Identity: core.Identity{Email: id.Email, Username: id.Username},
		Note:     id.Note,
		Relay: connection.Config{
			URL:              relay.URL,
			Subprotocols:     relay.Protocols,
			HandshakeTimeout: relay.HandshakeTimeout,
			WriteWait:        relay.WriteWait,
			SendQueueSize:    relay.SendQueueSize,
			MaxFrameSize:     relay.MaxFrameSize,
		},
		Style: peers.Style{
			Color:      style.MarkerColor,
			Transition: style.Transition,
			FollowZoom: style.FollowZoom,
		},
	}, presenter.New(rt.logger.With("component", "map")), opts...)
}

func openSource(override string) (io.Reader, func(), error) {
	path := override
	if path == "" {
		src, err := config.GetSourceConfig()
		if err != nil {
			return nil, nil, err
		}
		path = src.Path
	}
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening NMEA source: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
