package gitcred

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/justinmoon/pocketide/internal/db"
)

// MemoryStore keeps credentials for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[userID]
	if !ok {
		return Credential{}, ErrNoCredential
	}
	return cred, nil
}

func (s *MemoryStore) Put(_ context.Context, userID string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[userID] = cred
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[userID]; !ok {
		return ErrNoCredential
	}
	delete(s.creds, userID)
	return nil
}

// PostgresStore keeps credentials in the git_credentials table.
type PostgresStore struct {
	db *db.DB
}

func NewPostgresStore(d *db.DB) *PostgresStore {
	return &PostgresStore{db: d}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Credential, error) {
	var cred Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT username, email, token FROM git_credentials WHERE user_id = $1
	`, userID).Scan(&cred.Username, &cred.Email, &cred.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read git credential: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) Put(ctx context.Context, userID string, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_credentials (user_id, username, email, token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET username = EXCLUDED.username,
			email = EXCLUDED.email,
			token = EXCLUDED.token,
			updated_at = NOW()
	`, userID, cred.Username, cred.Email, cred.Token)
	if err != nil {
		return fmt.Errorf("failed to save git credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM git_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete git credential: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoCredential
	}
	return nil
}
