package startup

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/hurricanerix/loom/internal/catalog"
	"github.com/hurricanerix/loom/internal/channel"
	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/config"
	"github.com/hurricanerix/loom/internal/history"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/protocol"
	"github.com/hurricanerix/loom/internal/results"
	"github.com/hurricanerix/loom/internal/storage"
	"github.com/hurricanerix/loom/internal/workspace"
)

// Components holds all initialized application components
type Components struct {
	Logger    *logging.Logger
	Settings  *workspace.SettingsManager
	Client    *comfy.Client
	Channel   *channel.Channel
	Store     storage.Store
	History   *history.Store
	Catalog   *catalog.Catalog
	Extractor *results.Classifier

	cfg *config.Config
}

// CreateLogger creates a logger with the configured log level
func CreateLogger(cfg *config.Config) *logging.Logger {
	return logging.NewFromString(cfg.LogLevel, nil)
}

// LoadSettings reads the settings file. A missing file yields defaults; a
// corrupt one yields defaults and a warning. --server overrides the saved
// address for this process.
func LoadSettings(cfg *config.Config, logger *logging.Logger) config.Settings {
	settings, err := config.LoadSettings(cfg.SettingsPath())
	if err != nil {
		logger.Warn("Using default settings: %v", err)
	}
	if cfg.Server != "" {
		settings.ServerAddress = config.ExtractServerAddress(config.NormalizeServerURL(cfg.Server))
	}
	return settings
}

// CreateClient creates the job server HTTP client.
func CreateClient(cfg *config.Config, settings config.Settings) *comfy.Client {
	return comfy.NewClientWithConfig(settings.ServerURL(), cfg.RequestTimeout, cfg.PingTimeout)
}

// CreateChannel creates the push channel under a fresh client id. Queue
// occupancy is polled through client while the channel is open.
func CreateChannel(cfg *config.Config, client *comfy.Client, logger *logging.Logger) *channel.Channel {
	return channel.New(client.Endpoint(), uuid.NewString(), channel.Options{
		ReconnectBase:      cfg.ReconnectBase,
		ReconnectCap:       cfg.ReconnectCap,
		MaxAttempts:        cfg.MaxReconnectAttempts,
		StatusPollInterval: cfg.StatusPollInterval,
		StatusPoller:       QueuePoller(client),
		Logger:             logger.Named("channel"),
	})
}

// QueuePoller adapts the client's queue endpoint to a channel status poll.
func QueuePoller(client interface {
	Queue(ctx context.Context) (comfy.QueueStatus, error)
}) channel.StatusPoller {
	return func(ctx context.Context) (*protocol.StatusEvent, error) {
		q, err := client.Queue(ctx)
		if err != nil {
			return nil, err
		}
		return &protocol.StatusEvent{
			QueueRunning:   len(q.Running),
			QueuePending:   len(q.Pending),
			QueueRemaining: len(q.Running) + len(q.Pending),
			Polled:         true,
		}, nil
	}
}

// OpenStore opens the history database under the data directory. When it
// cannot be opened, history is kept in memory for this run.
func OpenStore(cfg *config.Config, logger *logging.Logger) storage.Store {
	dir := cfg.HistoryDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("History will not persist: %v", err)
		return storage.NewMemory()
	}
	store, err := storage.OpenBadger(dir, logger)
	if err != nil {
		logger.Warn("History will not persist: %v", err)
		return storage.NewMemory()
	}
	return store
}

// InitializeAll validates cfg and creates every component. Nothing is
// started.
func InitializeAll(cfg *config.Config, logger *logging.Logger) (*Components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Debug("Initializing components")

	settings := LoadSettings(cfg, logger)
	client := CreateClient(cfg, settings)
	logger.Debug("Created job server client: endpoint=%s", client.Endpoint())

	ch := CreateChannel(cfg, client, logger)
	logger.Debug("Created push channel: client_id=%s", ch.ClientID())

	store := OpenStore(cfg, logger)

	return &Components{
		Logger:    logger,
		Settings:  workspace.NewSettingsManager(cfg.SettingsPath(), settings, client, ch, logger.Named("settings")),
		Client:    client,
		Channel:   ch,
		Store:     store,
		History:   history.NewStore(store, logger.Named("history")),
		Catalog:   catalog.New(cfg.WorkflowDir, logger.Named("catalog")),
		Extractor: results.NewClassifier(client),
		cfg:       cfg,
	}, nil
}

// Env is the shared environment workspaces are built from.
func (c *Components) Env() workspace.Env {
	return workspace.Env{
		Server:              c.Client,
		Channel:             c.Channel,
		Catalog:             c.Catalog,
		History:             c.History,
		Extractor:           c.Extractor,
		Settings:            c.Settings,
		HistoryPollInterval: c.cfg.HistoryPollInterval,
		QueuePollInterval:   c.cfg.QueuePollInterval,
		Logger:              c.Logger,
	}
}

// Close releases the channel and the history database.
func (c *Components) Close() error {
	return errors.Join(c.Channel.Close(), c.Store.Close())
}
