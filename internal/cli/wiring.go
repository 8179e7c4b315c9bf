package cli

import (
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/cycle-monitor/internal/config"
	"github.com/ChuLiYu/cycle-monitor/internal/recorder"
	"github.com/ChuLiYu/cycle-monitor/internal/signal"
	"github.com/ChuLiYu/cycle-monitor/internal/state"
	"github.com/ChuLiYu/cycle-monitor/internal/storage/eventlog"
)

// openStore opens the configured shared state store. The returned func
// releases it.
func openStore(cfg config.Config, logger *slog.Logger) (state.Store, func(), error) {
	switch cfg.State.Backend {
	case config.BackendSQLite:
		store, err := state.OpenSQLiteStore(cfg.State.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state database: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close state database", "path", store.Path(), "error", err)
			}
		}, nil
	default:
		return state.NewJSONStore(cfg.State.Path, logger), func() {}, nil
	}
}

// newDetector builds the configured signal source.
func newDetector(cfg config.Config, logger *slog.Logger) signal.Detector {
	if cfg.Signal.Source == config.SourceManual {
		return signal.NewManual()
	}
	return signal.NewGPIO(signal.GPIOConfig{
		Chip:     cfg.Signal.Chip,
		Pin:      cfg.GPIOPin,
		Debounce: cfg.Signal.Debounce,
	}, logger)
}

// newRecorder builds a recorder for cfg. The returned func releases the store.
func newRecorder(cfg config.Config, logger *slog.Logger, opts ...recorder.Option) (*recorder.Recorder, func(), error) {
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	base := []recorder.Option{
		recorder.WithStore(store),
		recorder.WithLogger(logger),
		recorder.WithLogOptions(eventlog.WithSync(cfg.Log.SyncOnAppend)),
	}
	rec := recorder.New(recorder.Config{
		MachineID: cfg.MachineID,
		LogPath:   cfg.CSVPath(),
		ResetHour: cfg.ResetHour,
	}, append(base, opts...)...)
	return rec, closeStore, nil
}
