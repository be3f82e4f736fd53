// Package staff resolves actor ids to staff members. The identity service owns
// the records; this package only reads them.
package staff

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("staff member not found")

type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

type Directory interface {
	Lookup(ctx context.Context, id string) (*Member, error)
}

// Static is an in-memory directory for development and tests.
type Static struct {
	mu      sync.RWMutex
	members map[string]Member
}

func NewStatic(members ...Member) *Static {
	s := &Static{members: make(map[string]Member, len(members))}
	for _, m := range members {
		s.members[m.ID] = m
	}
	return s
}

func (s *Static) Put(m Member) {
	s.mu.Lock()
	s.members[m.ID] = m
	s.mu.Unlock()
}

func (s *Static) Lookup(_ context.Context, id string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

// PGDirectory reads the staff table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

func (d *PGDirectory) Lookup(ctx context.Context, id string) (*Member, error) {
	var m Member
	err := d.pool.QueryRow(ctx, `SELECT id, display_name, active FROM staff WHERE id = $1`, id).
		Scan(&m.ID, &m.DisplayName, &m.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup staff %s: %w", id, err)
	}
	return &m, nil
}

// DisplayName returns the member's name, or id itself when the directory is
// nil or does not know the id.
func DisplayName(ctx context.Context, d Directory, id string) string {
	if d == nil || id == "" {
		return id
	}
	m, err := d.Lookup(ctx, id)
	if err != nil || m.DisplayName == "" {
		return id
	}
	return m.DisplayName
}
