// Package confirm implements the confirmation handshake for destructive
// file-store operations.
//
// When a user issues a DELETE or MOVE, the command is held as a pending
// Ticket and the user receives a short code.  Replying with the code within
// the TTL releases the held command for execution; anything else lets the
// ticket expire.  Tickets are single-use and owned exclusively by this
// package.
package confirm

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bdobrica/fumiko/internal/fumiko/command"
)

// DefaultTTL is how long a ticket remains valid after issue.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned by Resolve when no live ticket matches the
// (userID, code) pair.  A code issued to a different user resolves to
// ErrNotFound, never to that user's ticket.
var ErrNotFound = errors.New("confirm: no pending confirmation for this code")

// ErrExpired is returned by Resolve when the ticket exists but its TTL has
// passed.  The ticket is purged; the user must reissue the original command.
var ErrExpired = errors.New("confirm: confirmation code has expired")

// Ticket binds a user to one pending destructive command.
type Ticket struct {
	Code      string
	UserID    string
	Command   command.Command
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store holds pending tickets. All state is in-memory and mutex-guarded;
// operations never block on I/O.
type Store struct {
	mu  sync.Mutex
	ttl time.Duration

	// byCode is keyed by userID+"\x00"+code so a code can never resolve
	// across users.
	byCode map[string]*Ticket

	// byTarget maps userID+"\x00"+targetPath to the live code for that
	// target, enforcing at most one outstanding ticket per (user, path).
	byTarget map[string]string
}

// NewStore creates a Store with the given ticket TTL; pass 0 for DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:      ttl,
		byCode:   make(map[string]*Ticket),
		byTarget: make(map[string]string),
	}
}

// TTL returns the configured ticket lifetime, used by the dispatcher to
// phrase confirmation prompts.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// generateCode returns a short cryptographically random hex code
// (6 bytes = 12 hex chars).
func generateCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("confirm: generate code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// maxCodeRetries is the number of times Issue will retry on a code collision
// among live tickets.
const maxCodeRetries = 3

// Issue creates a ticket holding cmd for userID and returns its code.
// cmd must be a destructive variant.  Issuing a second ticket for the same
// (user, target path) invalidates the prior one — its code stops resolving.
func (s *Store) Issue(userID string, cmd command.Command, now time.Time) (string, error) {
	if !cmd.Destructive() {
		return "", fmt.Errorf("confirm: refusing to issue ticket for non-destructive command %s", cmd.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var code string
	for attempt := 0; ; attempt++ {
		c, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.byCode[codeKey(userID, c)]; !taken {
			code = c
			break
		}
		if attempt >= maxCodeRetries {
			return "", fmt.Errorf("confirm: could not generate a unique code after %d attempts", maxCodeRetries)
		}
	}

	targetKey := targetKey(userID, cmd.TargetPath())
	if prior, ok := s.byTarget[targetKey]; ok {
		delete(s.byCode, codeKey(userID, prior))
	}

	s.byCode[codeKey(userID, code)] = &Ticket{
		Code:      code,
		UserID:    userID,
		Command:   cmd,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.byTarget[targetKey] = code

	return code, nil
}

// Resolve looks up the ticket for (userID, code) at time now.  On success the
// ticket is consumed (deleted) and the held command returned.  Expired
// tickets are purged and reported as ErrExpired; unknown or cross-user codes
// are ErrNotFound.
func (s *Store) Resolve(userID, code string, now time.Time) (command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := codeKey(userID, code)
	t, ok := s.byCode[key]
	if !ok {
		return command.Command{}, ErrNotFound
	}

	// Single-use: the ticket is gone whichever way the lookup resolves.
	s.removeLocked(key, t)

	if now.After(t.ExpiresAt) {
		return command.Command{}, ErrExpired
	}
	return t.Command, nil
}

// PendingCount returns the number of live tickets at time now, purging any
// that have expired.  Used by the operational status surface.
func (s *Store) PendingCount(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, t := range s.byCode {
		if now.After(t.ExpiresAt) {
			s.removeLocked(key, t)
			continue
		}
		count++
	}
	return count
}

// removeLocked deletes a ticket from both indexes. Caller holds s.mu.
func (s *Store) removeLocked(key string, t *Ticket) {
	delete(s.byCode, key)
	tk := targetKey(t.UserID, t.Command.TargetPath())
	if s.byTarget[tk] == t.Code {
		delete(s.byTarget, tk)
	}
}

func codeKey(userID, code string) string {
	return userID + "\x00" + code
}

func targetKey(userID, path string) string {
	return userID + "\x00" + path
}
