package admin

import (
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Settings are the process-wide overlay messages.
type Settings struct {
	InactiveMessage       string `json:"inactiveMessage"`
	DefaultWelcomeMessage string `json:"defaultWelcomeMessage"`
	ListeningMessage      string `json:"listeningMessage"`
	TranslatingMessage    string `json:"translatingMessage"`
	LastUpdated           int64  `json:"lastUpdated"`
}

// Patch carries the fields present in a POST body.
type Patch struct {
	InactiveMessage       *string `json:"inactiveMessage,omitempty"`
	DefaultWelcomeMessage *string `json:"defaultWelcomeMessage,omitempty"`
	ListeningMessage      *string `json:"listeningMessage,omitempty"`
	TranslatingMessage    *string `json:"translatingMessage,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.InactiveMessage == nil && p.DefaultWelcomeMessage == nil &&
		p.ListeningMessage == nil && p.TranslatingMessage == nil
}

type Store struct {
	mu       sync.RWMutex
	settings Settings
	clock    func() time.Time
}

func NewStore(cfg config.AdminConfig) *Store {
	s := &Store{clock: time.Now}
	s.settings = Settings{
		InactiveMessage:       cfg.InactiveMessage,
		DefaultWelcomeMessage: cfg.DefaultWelcomeMessage,
		ListeningMessage:      cfg.ListeningMessage,
		TranslatingMessage:    cfg.TranslatingMessage,
		LastUpdated:           s.clock().UnixMilli(),
	}
	return s
}

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update merges present fields and bumps LastUpdated.
func (s *Store) Update(p Patch) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&s.settings.InactiveMessage, p.InactiveMessage)
	set(&s.settings.DefaultWelcomeMessage, p.DefaultWelcomeMessage)
	set(&s.settings.ListeningMessage, p.ListeningMessage)
	set(&s.settings.TranslatingMessage, p.TranslatingMessage)
	now := s.clock().UnixMilli()
	if now <= s.settings.LastUpdated {
		now = s.settings.LastUpdated + 1
	}
	s.settings.LastUpdated = now
	return s.settings
}
