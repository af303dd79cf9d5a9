package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/argos/internal/domain"
	"github.com/google/uuid"
)

type messageKey struct {
	owner     uuid.UUID
	messageID string
}

// Store is an in-memory implementation of the persistence ports.
// It is safe for concurrent use. Data is lost on restart.
type Store struct {
	mu           sync.RWMutex
	owners       map[uuid.UUID]*domain.Owner
	ownerByEmail map[string]uuid.UUID
	creds        map[uuid.UUID]domain.MailCredentials
	watermarks   map[uuid.UUID]string
	pending      map[uuid.UUID][]domain.PendingMessage
	transactions []*domain.Transaction
	byMessage    map[messageKey]uuid.UUID
	ownerOrder   []uuid.UUID
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		owners:       make(map[uuid.UUID]*domain.Owner),
		ownerByEmail: make(map[string]uuid.UUID),
		creds:        make(map[uuid.UUID]domain.MailCredentials),
		watermarks:   make(map[uuid.UUID]string),
		pending:      make(map[uuid.UUID][]domain.PendingMessage),
		byMessage:    make(map[messageKey]uuid.UUID),
	}
}

// CreateOwner registers an owner or returns the existing one.
func (s *Store) CreateOwner(ctx context.Context, email string) (*domain.Owner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("CreateOwner: email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	if id, ok := s.ownerByEmail[key]; ok {
		o := *s.owners[id]
		return &o, nil
	}

	owner := &domain.Owner{ID: uuid.New(), Email: email}
	s.owners[owner.ID] = owner
	s.ownerByEmail[key] = owner.ID
	s.ownerOrder = append(s.ownerOrder, owner.ID)

	o := *owner
	return &o, nil
}

// FindOwnerByMailbox resolves a mailbox address case-insensitively.
func (s *Store) FindOwnerByMailbox(ctx context.Context, email string) (*domain.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ownerByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, fmt.Errorf("FindOwnerByMailbox: %s: %w", email, domain.ErrUnknownOwner)
	}
	o := *s.owners[id]
	return &o, nil
}

// ListOwners returns owners with stored credentials in registration order.
func (s *Store) ListOwners(ctx context.Context) ([]*domain.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Owner
	for _, id := range s.ownerOrder {
		if _, ok := s.creds[id]; !ok {
			continue
		}
		o := *s.owners[id]
		out = append(out, &o)
	}
	return out, nil
}

// GetMailCredentials returns the stored tokens.
func (s *Store) GetMailCredentials(ctx context.Context, ownerID uuid.UUID) (*domain.MailCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[ownerID]
	if !ok {
		return nil, fmt.Errorf("GetMailCredentials: owner %s: %w", ownerID, domain.ErrCredential)
	}
	return &c, nil
}

// SaveMailCredentials stores tokens, keeping the old refresh token when the
// new one is empty.
func (s *Store) SaveMailCredentials(ctx context.Context, ownerID uuid.UUID, creds *domain.MailCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[ownerID]; !ok {
		return fmt.Errorf("SaveMailCredentials: owner %s: %w", ownerID, domain.ErrUnknownOwner)
	}

	next := *creds
	if next.RefreshToken == "" {
		next.RefreshToken = s.creds[ownerID].RefreshToken
	}
	s.creds[ownerID] = next
	return nil
}

// LoadWatermark returns the stored cursor or "".
func (s *Store) LoadWatermark(ctx context.Context, ownerID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[ownerID], nil
}

// AdvanceWatermark moves the cursor forward only.
func (s *Store) AdvanceWatermark(ctx context.Context, ownerID uuid.UUID, cursor string) error {
	if cursor == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermarks[ownerID] = domain.LaterWatermark(s.watermarks[ownerID], cursor)
	return nil
}

// PendingMessages returns the owner's retry set in the order it was marked.
func (s *Store) PendingMessages(ctx context.Context, ownerID uuid.UUID) ([]domain.PendingMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PendingMessage, len(s.pending[ownerID]))
	copy(out, s.pending[ownerID])
	return out, nil
}

// MarkPending adds ref to the retry set or bumps its attempt count.
func (s *Store) MarkPending(ctx context.Context, ownerID uuid.UUID, ref domain.MessageRef, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.pending[ownerID]
	for i := range list {
		if list[i].Ref.ID == ref.ID {
			list[i].Attempts++
			list[i].LastError = reason
			return list[i].Attempts, nil
		}
	}
	s.pending[ownerID] = append(list, domain.PendingMessage{Ref: ref, Attempts: 1, LastError: reason})
	return 1, nil
}

// ClearPending removes a message from the retry set.
func (s *Store) ClearPending(ctx context.Context, ownerID uuid.UUID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.pending[ownerID]
	for i := range list {
		if list[i].Ref.ID == messageID {
			s.pending[ownerID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.pending[ownerID]) == 0 {
		delete(s.pending, ownerID)
	}
	return nil
}

// InsertIfAbsent stores a mail-derived transaction unless its
// (owner, provider message id) key already exists.
func (s *Store) InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error) {
	if tx.ProviderMessageID == nil || *tx.ProviderMessageID == "" {
		return false, fmt.Errorf("InsertIfAbsent: provider message id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{owner: tx.OwnerID, messageID: *tx.ProviderMessageID}
	if _, exists := s.byMessage[key]; exists {
		return false, nil
	}

	row := s.prepare(tx, domain.SourceMail)
	s.byMessage[key] = row.ID
	s.transactions = append(s.transactions, row)
	return true, nil
}

// CreateManualTransaction stores a user-entered transaction.
func (s *Store) CreateManualTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx.ProviderMessageID = nil
	s.transactions = append(s.transactions, s.prepare(tx, domain.SourceManual))
	return nil
}

// prepare fills defaults on tx and returns the copy to keep. Callers hold mu.
func (s *Store) prepare(tx *domain.Transaction, source domain.Source) *domain.Transaction {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Currency == "" {
		tx.Currency = domain.DefaultCurrency
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.Source = source

	row := *tx
	return &row
}

// ListTransactions returns an owner's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.OwnerID != filter.OwnerID {
			continue
		}
		if !filter.StartDate.IsZero() && tx.Date.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && !tx.Date.Before(filter.EndDate) {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(tx.Category, filter.Category) {
			continue
		}
		row := *tx
		result = append(result, &row)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.After(result[j].Date)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*domain.Transaction{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// CountTransactionsByMessage reports how many rows exist for one message.
func (s *Store) CountTransactionsByMessage(ctx context.Context, ownerID uuid.UUID, messageID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, tx := range s.transactions {
		if tx.OwnerID == ownerID && tx.ProviderMessageID != nil && *tx.ProviderMessageID == messageID {
			n++
		}
	}
	return n, nil
}
