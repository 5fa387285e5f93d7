package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	maxBytes int
	clock    func() time.Time

	mu       sync.Mutex
	docs     map[string][]byte
	profiles map[string]Profile
}

func NewMemoryStore(maxBytes int) *MemoryStore {
	return &MemoryStore{
		maxBytes: maxBytes,
		clock:    time.Now,
		docs:     make(map[string][]byte),
		profiles: make(map[string]Profile),
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) ([]Message, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	m.mu.Lock()
	data := m.docs[userID]
	m.mu.Unlock()
	return decode(data)
}

func (m *MemoryStore) Set(_ context.Context, userID string, messages []Message) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	data, err := encode(messages, m.maxBytes)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[userID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	m.mu.Lock()
	delete(m.docs, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrEmptyUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	p.UserID = userID
	p.Visits++
	p.LastVisited = m.clock().UTC()
	m.profiles[userID] = p
	return p, nil
}

func (m *MemoryStore) Profile(_ context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrEmptyUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	p.UserID = userID
	return p, nil
}

func (m *MemoryStore) SetPremium(_ context.Context, userID string, premium bool) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	p.UserID = userID
	p.Premium = premium
	m.profiles[userID] = p
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
