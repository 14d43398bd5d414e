package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/gmtracker/posrelay/internal/config"
	"github.com/gmtracker/posrelay/internal/logging"
	intOtel "github.com/gmtracker/posrelay/internal/otel"
	"github.com/gmtracker/posrelay/internal/tracker"
)

// runtime holds the process-wide logging and telemetry plumbing.
type runtime struct {
	logger *slog.Logger
	zlog   zerolog.Logger

	slogManager *logging.SlogManager
	provider    *intOtel.Provider
	closers     []io.Closer

	// state is read by every log record once the tracker exists.
	state atomic.Pointer[tracker.Tracker]
}

func setupRuntime(start time.Time) (*runtime, error) {
	rt := &runtime{slogManager: logging.NewSlogManager(appName)}
	level := config.GetString("logLevel")

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating logs dir: %w", err)
	}
	logPath := logging.LogFilePath(logsDir, appName, start)
	if _, err := os.Stat(logPath); err == nil {
		_ = os.Rename(logPath, logPath+".old")
	}
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	rt.closers = append(rt.closers, logFile)

	var extra []slog.Handler
	gl, err := config.GetGraylogConfig()
	if err != nil {
		rt.close()
		return nil, err
	}
	if gl.Enabled {
		h, c, err := logging.NewGELFHandler(gl.Address, level, appName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: graylog disabled: %v\n", appName, err)
		} else {
			extra = append(extra, h)
			rt.closers = append(rt.closers, c)
		}
	}

	otelCfg, err := config.GetOTelConfig()
	if err != nil {
		rt.close()
		return nil, err
	}
	var otelLogProvider *sdklog.LoggerProvider
	if otelCfg.Enabled {
		rt.provider, err = intOtel.New(intOtel.Config{
			Enabled:        true,
			ServiceName:    otelCfg.ServiceName,
			BatchTimeout:   otelCfg.BatchTimeout,
			LogWriter:      logFile,
			MetricWriter:   logFile,
			MetricInterval: otelCfg.MetricInterval,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("initializing otel: %w", err)
		}
		otelLogProvider = rt.provider.LoggerProvider()
	}

	rt.slogManager.Setup(logging.Options{
		File:     io.MultiWriter(os.Stdout, logFile),
		Level:    level,
		Provider: otelLogProvider,
		Extra:    extra,
		Context: func(context.Context) []slog.Attr {
			if tr := rt.state.Load(); tr != nil {
				return []slog.Attr{slog.String("relay", tr.State().String())}
			}
			return nil
		},
	})
	rt.logger = rt.slogManager.Logger()
	slog.SetDefault(rt.logger)
	rt.zlog = logging.NewZerolog(logFile, level)

	rt.logger.Info("Logging to file", "path", logPath, "graylog", len(extra) > 0, "otel", otelCfg.Enabled)
	return rt, nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rt.slogManager != nil {
		_ = rt.slogManager.Flush(ctx)
	}
	if rt.provider != nil {
		if err := rt.provider.Shutdown(ctx); err != nil && rt.logger != nil {
			rt.logger.Warn("OTel shutdown failed", "error", err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
}
