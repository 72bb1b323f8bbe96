package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/hurricanerix/loom/internal/media"
)

const (
	defaultServerAddress = "localhost:8188"
	defaultImageLimitMB  = 10
	defaultVideoLimitMB  = 100
	defaultAudioLimitMB  = 50
	defaultTheme         = "dark"
	defaultLanguage      = "auto"

	// fallbackLanguage is used when "auto" matches nothing
	fallbackLanguage = "zh-CN"

	maxUploadLimitMB = 4096
	bytesPerMB       = 1024 * 1024
)

// SupportedLanguages lists the interface languages in match order.
var SupportedLanguages = []string{"zh-CN", "zh-TW", "en", "ja", "ko", "fr", "de", "ar", "ru", "hi", "es"}

var (
	// ErrCorruptSettings is returned when the settings file cannot be decoded
	ErrCorruptSettings = errors.New("settings file is corrupt")
	// ErrInvalidTheme is returned when the theme is not dark or light
	ErrInvalidTheme = errors.New("theme must be dark or light")
	// ErrInvalidLanguage is returned when the language is not supported
	ErrInvalidLanguage = errors.New("language must be auto or a supported language code")
	// ErrInvalidSizeLimit is returned when an upload limit is out of range
	ErrInvalidSizeLimit = errors.New("upload size limits must be between 1 and 4096 MB")
)

// Settings are the user preferences persisted between runs.
type Settings struct {
	ServerAddress    string `yaml:"server_ip" json:"serverIp"`
	ImageSizeLimitMB int    `yaml:"image_size_limit" json:"imageSizeLimit"`
	VideoSizeLimitMB int    `yaml:"video_size_limit" json:"videoSizeLimit"`
	AudioSizeLimitMB int    `yaml:"audio_size_limit" json:"audioSizeLimit"`
	Theme            string `yaml:"default_theme" json:"defaultTheme"`
	Language         string `yaml:"language" json:"language"`
}

// DefaultSettings returns the settings used before anything is saved.
func DefaultSettings() Settings {
	return Settings{
		ServerAddress:    defaultServerAddress,
		ImageSizeLimitMB: defaultImageLimitMB,
		VideoSizeLimitMB: defaultVideoLimitMB,
		AudioSizeLimitMB: defaultAudioLimitMB,
		Theme:            defaultTheme,
		Language:         defaultLanguage,
	}
}

// LoadSettings reads the settings file at path. Missing fields take their
// defaults. A missing file yields defaults and no error; an unreadable or
// corrupt file yields defaults together with an error for the caller to log.
func LoadSettings(path string) (Settings, error) {
	defaults := DefaultSettings()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("failed to read settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return defaults, fmt.Errorf("%w: %v", ErrCorruptSettings, err)
	}
	if err := mergo.Merge(&s, defaults); err != nil {
		return defaults, fmt.Errorf("failed to apply setting defaults: %w", err)
	}
	if err := s.Validate(); err != nil {
		return defaults, fmt.Errorf("%w: %v", ErrCorruptSettings, err)
	}
	return s, nil
}

// SaveSettings validates s and writes it to path atomically.
func SaveSettings(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

// Apply overlays the non-zero fields of update onto s.
func (s *Settings) Apply(update Settings) error {
	return mergo.Merge(s, update, mergo.WithOverride)
}

// Validate checks every preference against its allowed values.
func (s Settings) Validate() error {
	switch s.Theme {
	case "dark", "light":
	default:
		return ErrInvalidTheme
	}

	if s.Language != defaultLanguage && !isSupportedLanguage(s.Language) {
		return ErrInvalidLanguage
	}

	for _, mb := range []int{s.ImageSizeLimitMB, s.VideoSizeLimitMB, s.AudioSizeLimitMB} {
		if mb < 1 || mb > maxUploadLimitMB {
			return ErrInvalidSizeLimit
		}
	}
	return nil
}

// ServerURL is the normalized base URL of the configured server.
func (s Settings) ServerURL() string {
	return NormalizeServerURL(s.ServerAddress)
}

// SizeLimit returns the upload limit in bytes for a media kind.
func (s Settings) SizeLimit(kind media.Kind) int64 {
	switch kind {
	case media.KindVideo:
		return int64(s.VideoSizeLimitMB) * bytesPerMB
	case media.KindAudio:
		return int64(s.AudioSizeLimitMB) * bytesPerMB
	default:
		return int64(s.ImageSizeLimitMB) * bytesPerMB
	}
}

// ResolveLanguage returns the interface language. "auto" is matched
// against the system locale (for example "en_US.UTF-8").
func (s Settings) ResolveLanguage(systemLocale string) string {
	if s.Language != defaultLanguage && s.Language != "" {
		return s.Language
	}
	sys := strings.ToLower(strings.ReplaceAll(systemLocale, "_", "-"))
	if sys == "" {
		return fallbackLanguage
	}
	for _, match := range []func(s, substr string) bool{strings.HasPrefix, strings.Contains} {
		for _, lang := range SupportedLanguages {
			if match(sys, strings.ToLower(lang)) {
				return lang
			}
		}
	}
	return fallbackLanguage
}

func isSupportedLanguage(lang string) bool {
	for _, l := range SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}
