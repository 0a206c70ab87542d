package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/tildaslashalef/caresync/internal/loggy"
)

// SettingsService layers persisted settings over the loaded Config and
// hands out the current session token to request builders.
type SettingsService struct {
	repo   SettingsRepository
	logger *loggy.Logger

	mu     sync.RWMutex
	config *Config
}

// NewSettingsService creates a new settings service
func NewSettingsService(repo SettingsRepository, config *Config, logger *loggy.Logger) *SettingsService {
	return &SettingsService{repo: repo, config: config, logger: logger}
}

// Load applies stored server URL and session token on top of the config
func (s *SettingsService) Load(ctx context.Context) error {
	stored, err := s.repo.GetSettings(ctx, "")
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v := stored[KeyServerURL]; v != "" {
		s.config.Server.URL = v
	}
	if v := stored[KeySessionToken]; v != "" {
		s.config.Server.Token = v
	}
	return nil
}

// Token returns the current session token, "" when signed out
func (s *SettingsService) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Server.Token
}

// SetToken stores the opaque session token handed over by the host app
func (s *SettingsService) SetToken(ctx context.Context, token string) error {
	if err := s.repo.SetSetting(ctx, KeySessionToken, token); err != nil {
		return err
	}
	s.mu.Lock()
	s.config.Server.Token = token
	s.mu.Unlock()
	s.logger.Info("Session token updated")
	return nil
}

// ClearToken forgets the session token
func (s *SettingsService) ClearToken(ctx context.Context) error {
	if err := s.repo.DeleteSetting(ctx, KeySessionToken); err != nil {
		return err
	}
	s.mu.Lock()
	s.config.Server.Token = ""
	s.mu.Unlock()
	return nil
}

// SetServerURL persists a new base URL. It takes effect on the next start.
func (s *SettingsService) SetServerURL(ctx context.Context, url string) error {
	return s.repo.SetSetting(ctx, KeyServerURL, url)
}
