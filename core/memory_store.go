package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is the reference MemoryStore implementation. It keeps a
// bounded per-session transcript and serves context as the most recent
// stored content, newest last, truncated to the caller's token budget.
// Production deployments substitute a persistent backend behind the same
// interface.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]memoryRecord // keyed by userID|sessionID
	nextID  int
	logger  Logger
}

type memoryRecord struct {
	id           string
	content      string
	isUserPrompt bool
	quality      float64
	model        string
	createdAt    time.Time
}

const maxRecordsPerSession = 50

// NewInMemoryStore creates an empty in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string][]memoryRecord),
		logger:  &NoOpLogger{},
	}
}

// SetLogger configures the logger for this store.
func (m *InMemoryStore) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + "|" + sessionID
}

// GetContext returns recent session content joined newest-last, truncated
// to roughly maxTokens (4 chars per token heuristic). Empty when nothing is
// stored.
func (m *InMemoryStore) GetContext(ctx context.Context, userID, sessionID string, maxTokens int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.entries[sessionKey(userID, sessionID)]
	if len(records) == 0 {
		return "", nil
	}

	budget := maxTokens * 4
	var parts []string
	used := 0
	for i := len(records) - 1; i >= 0; i-- {
		c := records[i].content
		if used+len(c) > budget && used > 0 {
			break
		}
		parts = append([]string{c}, parts...)
		used += len(c)
	}

	m.logger.Debug("Context retrieved", map[string]interface{}{
		"operation":  "memory_get_context",
		"user_id":    userID,
		"session_id": sessionID,
		"records":    len(parts),
		"chars":      used,
	})

	return strings.Join(parts, "\n"), nil
}

// Store appends content to the session transcript, trimming the oldest
// records past the per-session bound.
func (m *InMemoryStore) Store(ctx context.Context, userID, sessionID, content string, isUserPrompt bool, quality float64, model string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	key := sessionKey(userID, sessionID)

	records := append(m.entries[key], memoryRecord{
		id:           id,
		content:      content,
		isUserPrompt: isUserPrompt,
		quality:      quality,
		model:        model,
		createdAt:    time.Now(),
	})
	if len(records) > maxRecordsPerSession {
		records = records[len(records)-maxRecordsPerSession:]
	}
	m.entries[key] = records

	return id, nil
}

// Retrieve returns stored memories whose content contains the query,
// case-insensitive.
func (m *InMemoryStore) Retrieve(ctx context.Context, query string) ([]Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []Memory
	for key, records := range m.entries {
		sep := strings.IndexByte(key, '|')
		userID, sessionID := key[:sep], key[sep+1:]
		for _, rec := range records {
			if strings.Contains(strings.ToLower(rec.content), needle) {
				out = append(out, Memory{
					ID:        rec.id,
					UserID:    userID,
					SessionID: sessionID,
					Content:   rec.content,
					Quality:   rec.quality,
				})
			}
		}
	}
	return out, nil
}
