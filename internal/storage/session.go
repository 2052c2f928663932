package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"datastory/pkg"
)

// ErrSessionNotFound is returned when a session ID resolves to nothing.
var ErrSessionNotFound = errors.New("session not found")

// Session is the per-dataset conversation state. Turns are append-only and
// the cached profile is a single-field replace, so concurrent readers always
// see a consistent snapshot.
type Session struct {
	ID          string                 `json:"id"`
	DatasetRef  string                 `json:"dataset_ref"`
	Description string                 `json:"description,omitempty"`
	Turns       []pkg.ConversationTurn `json:"turns"`

	// CachedProfile is valid only while ProfileDatasetRef matches the
	// session's dataset reference; a new upload invalidates it.
	CachedProfile     *pkg.ProfileSummary `json:"cached_profile,omitempty"`
	ProfileDatasetRef string              `json:"profile_dataset_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore holds per-dataset session state. Implementations serialize
// AppendTurn calls per session; turns land in run-completion order.
type SessionStore interface {
	Create(ctx context.Context, datasetRef, description string) (string, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	AppendTurn(ctx context.Context, sessionID string, turns ...pkg.ConversationTurn) error
	GetCachedProfile(ctx context.Context, sessionID string) (*pkg.ProfileSummary, string, error)
	SetCachedProfile(ctx context.Context, sessionID string, profile *pkg.ProfileSummary, datasetRef string) error
}

// MemorySessionStore is the in-memory implementation used for development
// and tests.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemorySessionStore) Create(ctx context.Context, datasetRef, description string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	session := &Session{
		ID:          uuid.NewString(),
		DatasetRef:  datasetRef,
		Description: description,
		Turns:       []pkg.ConversationTurn{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions[session.ID] = session
	return session.ID, nil
}

func (m *MemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return snapshot(session), nil
}

func (m *MemorySessionStore) AppendTurn(ctx context.Context, sessionID string, turns ...pkg.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	session.Turns = append(session.Turns, turns...)
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemorySessionStore) GetCachedProfile(ctx context.Context, sessionID string) (*pkg.ProfileSummary, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, "", ErrSessionNotFound
	}
	return session.CachedProfile, session.ProfileDatasetRef, nil
}

func (m *MemorySessionStore) SetCachedProfile(ctx context.Context, sessionID string, profile *pkg.ProfileSummary, datasetRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}
	session.CachedProfile = profile
	session.ProfileDatasetRef = datasetRef
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// snapshot copies the session so callers never observe an append in flight.
func snapshot(session *Session) *Session {
	copied := *session
	copied.Turns = make([]pkg.ConversationTurn, len(session.Turns))
	copy(copied.Turns, session.Turns)
	return &copied
}

// Metadata builds the session-facing read model.
func Metadata(session *Session) pkg.SessionMetadata {
	return pkg.SessionMetadata{
		SessionID:     session.ID,
		DatasetRef:    session.DatasetRef,
		Description:   session.Description,
		CachedProfile: session.CachedProfile,
		Turns:         session.Turns,
		CreatedAt:     session.CreatedAt,
		UpdatedAt:     session.UpdatedAt,
	}
}
