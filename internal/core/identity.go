package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
)

// LocalStorage persists the visitor identity on the visitor's device.
type LocalStorage interface {
	// Load returns nil when nothing was stored yet.
	Load() (*models.Visitor, error)
	Save(v models.Visitor) error
}

// IdentityForm asks the visitor for a display name and optional email.
type IdentityForm interface {
	RequestIdentity(ctx context.Context) (name, email string, err error)
}

// FormFunc adapts a function to IdentityForm.
type FormFunc func(ctx context.Context) (string, string, error)

func (f FormFunc) RequestIdentity(ctx context.Context) (string, string, error) {
	return f(ctx)
}

// StaticForm answers the identity prompt with fixed values.
func StaticForm(name, email string) IdentityForm {
	return FormFunc(func(context.Context) (string, string, error) { return name, email, nil })
}

// IdentityManager mints the visitor id on first use and returns the stored one afterwards.
type IdentityManager struct {
	storage LocalStorage
	log     zerolog.Logger
	now     func() time.Time
}

func NewIdentityManager(storage LocalStorage) *IdentityManager {
	if storage == nil {
		storage = &MemoryStorage{}
	}
	return &IdentityManager{
		storage: storage,
		log:     logging.Component("identity"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Current returns the persisted identity without prompting, or nil.
func (m *IdentityManager) Current() *models.Visitor {
	v, err := m.storage.Load()
	if err != nil {
		m.log.Warn().Err(err).Msg("visitor identity unavailable, continuing as a new visitor")
		return nil
	}
	if v == nil || v.ID == "" {
		return nil
	}
	return v
}

// EnsureVisitorIdentity returns the stored identity, or asks form for a name and
// email, mints a fresh id and persists it. A storage failure is not fatal: the
// identity is returned but will not survive a reload.
func (m *IdentityManager) EnsureVisitorIdentity(ctx context.Context, form IdentityForm) (models.Visitor, error) {
	if v := m.Current(); v != nil {
		return *v, nil
	}
	if form == nil {
		return models.Visitor{}, ErrIdentityMissing
	}
	name, email, err := form.RequestIdentity(ctx)
	if err != nil {
		return models.Visitor{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Visitor{}, ErrIdentityMissing
	}

	v := models.Visitor{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     strings.TrimSpace(email),
		CreatedAt: m.now(),
	}
	if err := m.storage.Save(v); err != nil {
		m.log.Warn().Err(err).Str("visitor_id", v.ID).Msg("could not persist visitor identity")
	}
	return v, nil
}

// Update rewrites the stored name and email, keeping the id.
func (m *IdentityManager) Update(v models.Visitor) {
	if err := m.storage.Save(v); err != nil {
		m.log.Warn().Err(err).Str("visitor_id", v.ID).Msg("could not persist visitor identity")
	}
}

// MemoryStorage keeps the identity for the life of the process only.
type MemoryStorage struct {
	mu sync.Mutex
	v  *models.Visitor
}

func (s *MemoryStorage) Load() (*models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v == nil {
		return nil, nil
	}
	v := *s.v
	return &v, nil
}

func (s *MemoryStorage) Save(v models.Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = &v
	return nil
}

// FileStorage keeps the identity as a small JSON document.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: strings.TrimSpace(path)}
}

type identityFile struct {
	Version int            `json:"version"`
	Visitor models.Visitor `json:"visitor"`
}

const identityFileVersion = 1

func (s *FileStorage) Load() (*models.Visitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	if f.Visitor.ID == "" {
		return nil, nil
	}
	return &f.Visitor, nil
}

func (s *FileStorage) Save(v models.Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(identityFile{Version: identityFileVersion, Visitor: v}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
