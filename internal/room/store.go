package room

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/Minami189/QuizWebSocket/internal/errors"
)

const defaultMaxAttempts = 100

type CodeFunc func() (string, error)

// RandomCode returns a random 4-digit room code in [1000, 9999].
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()+1000), nil
}

type Config struct {
	// NewCode generates candidate room codes. Defaults to RandomCode.
	NewCode CodeFunc
	// MaxAttempts bounds the retries on code collision.
	MaxAttempts int
	Now         func() time.Time
}

// Store owns every live room, keyed by room code. Like Room, it is not safe
// for concurrent use.
type Store struct {
	rooms       map[string]*Room
	newCode     CodeFunc
	maxAttempts int
	now         func() time.Time
}

func NewStore(c Config) *Store {
	s := &Store{
		rooms:       make(map[string]*Room),
		newCode:     c.NewCode,
		maxAttempts: c.MaxAttempts,
		now:         c.Now,
	}

	if s.newCode == nil {
		s.newCode = RandomCode
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// Create registers a new waiting room owned by owner under an unused code.
func (s *Store) Create(owner Participant, quiz json.RawMessage) (*Room, error) {
	for i := 0; i < s.maxAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return nil, errors.Internal(err)
		}

		if _, taken := s.rooms[code]; taken {
			continue
		}

		r := newRoom(code, owner, quiz, s.now())
		s.rooms[code] = r
		return r, nil
	}

	return nil, errors.New(errors.CodeResourceExhausted,
		errors.WithMessagef("no free room code after %d attempts", s.maxAttempts))
}

func (s *Store) Find(code string) (*Room, bool) {
	r, ok := s.rooms[code]
	return r, ok
}

// Delete cancels the room's timer and removes it. It returns the removed room,
// or nil if there was none.
func (s *Store) Delete(code string) *Room {
	r, ok := s.rooms[code]
	if !ok {
		return nil
	}

	r.Close()
	delete(s.rooms, code)
	return r
}

func (s *Store) Len() int {
	return len(s.rooms)
}

// Codes returns the codes of every live room.
func (s *Store) Codes() []string {
	codes := make([]string, 0, len(s.rooms))
	for c := range s.rooms {
		codes = append(codes, c)
	}
	return codes
}
