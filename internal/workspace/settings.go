package workspace

import (
	"fmt"
	"sync"

	"github.com/hurricanerix/loom/internal/config"
	"github.com/hurricanerix/loom/internal/logging"
)

// Endpointer is anything addressed by a server base URL.
type Endpointer interface {
	Endpoint() string
	SetEndpoint(endpoint string)
}

// Redirector is a push connection that can be pointed elsewhere.
type Redirector interface {
	Redirect(endpoint string)
}

// SettingsManager owns the persisted user settings. Changing the server
// address redirects the HTTP client and the push channel.
type SettingsManager struct {
	mu      sync.Mutex
	path    string
	current config.Settings
	server  Endpointer
	channel Redirector
	logger  *logging.Logger
}

// NewSettingsManager creates a manager for settings loaded from path. An
// empty path keeps settings in memory only.
func NewSettingsManager(path string, current config.Settings, server Endpointer, ch Redirector, logger *logging.Logger) *SettingsManager {
	return &SettingsManager{
		path:    path,
		current: current,
		server:  server,
		channel: ch,
		logger:  logging.OrDiscard(logger),
	}
}

// Get returns the current settings.
func (m *SettingsManager) Get() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update overlays the non-zero fields of update, validates and saves the
// result. A new server address is normalized before it is stored.
func (m *SettingsManager) Update(update config.Settings) (config.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	if err := next.Apply(update); err != nil {
		return m.current, fmt.Errorf("failed to apply settings: %w", err)
	}
	if update.ServerAddress != "" {
		next.ServerAddress = config.ExtractServerAddress(config.NormalizeServerURL(update.ServerAddress))
	}
	if err := next.Validate(); err != nil {
		return m.current, err
	}

	if m.path != "" {
		if err := config.SaveSettings(m.path, next); err != nil {
			return m.current, err
		}
	}

	prevURL := m.current.ServerURL()
	m.current = next

	if url := next.ServerURL(); url != prevURL {
		m.logger.Info("Job server changed from %s to %s", prevURL, url)
		if m.server != nil {
			m.server.SetEndpoint(url)
		}
		if m.channel != nil {
			m.channel.Redirect(url)
		}
	}
	return next, nil
}
