// Package storage is the persistence gateway: user records, chats with their
// messages_version counters, and encrypted message rows.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// User is the slice of the user record the pipeline needs.
type User struct {
	ID                string
	Credits           int
	AutoTopupEnabled  bool
	HasPaymentMethod  bool
	SystemLanguage    string
}

// Message is one persisted chat message. Content is encrypted with the chat
// key before it reaches this layer.
type Message struct {
	ClientMessageID  string
	ChatID           string
	HashedUserID     string
	SenderName       string
	Role             string
	EncryptedContent []byte
	CreatedAt        time.Time
}

// Chat is the per-chat metadata row.
type Chat struct {
	ID                         string
	MessagesVersion            int
	LastEditedOverallTimestamp time.Time
	LastMessageTimestamp       time.Time
}

// Gateway is the storage surface the pipeline depends on.
type Gateway interface {
	// GetUser loads a user record.
	GetUser(ctx context.Context, userID string) (*User, error)

	// TriggerTopUp starts an auto-top-up for the user. Asynchronous on the
	// billing side; callers re-read credits after a short wait.
	TriggerTopUp(ctx context.Context, userID string) error

	// SaveMessage persists one message, bumps the chat's messages_version,
	// and updates the chat timestamps. Returns the new version.
	SaveMessage(ctx context.Context, msg *Message) (messagesVersion int, err error)

	// GetChat loads per-chat metadata.
	GetChat(ctx context.Context, chatID string) (*Chat, error)
}

// Memory is an in-process Gateway for tests.
type Memory struct {
	mu       sync.Mutex
	users    map[string]*User
	chats    map[string]*Chat
	messages map[string][]*Message
	topUps   map[string]int

	// TopUpCredits is added to a user's balance on TriggerTopUp.
	TopUpCredits int
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*User),
		chats:    make(map[string]*Chat),
		messages: make(map[string][]*Message),
		topUps:   make(map[string]int),
	}
}

// PutUser seeds a user record.
func (m *Memory) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) GetUser(_ context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *Memory) TriggerTopUp(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topUps[userID]++
	if u, ok := m.users[userID]; ok {
		u.Credits += m.TopUpCredits
	}
	return nil
}

// TopUpCount reports how many top-ups were triggered for a user.
func (m *Memory) TopUpCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topUps[userID]
}

func (m *Memory) SaveMessage(_ context.Context, msg *Message) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[msg.ChatID]
	if !ok {
		chat = &Chat{ID: msg.ChatID}
		m.chats[msg.ChatID] = chat
	}
	chat.MessagesVersion++
	chat.LastMessageTimestamp = msg.CreatedAt
	chat.LastEditedOverallTimestamp = time.Now()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	return chat.MessagesVersion, nil
}

func (m *Memory) GetChat(_ context.Context, chatID string) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *chat
	return &copied, nil
}

// Messages returns the stored messages for a chat.
func (m *Memory) Messages(chatID string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.messages[chatID]))
	copy(out, m.messages[chatID])
	return out
}

var _ Gateway = (*Memory)(nil)
