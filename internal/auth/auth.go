// Package auth implements the two credentials used to admit a VM
// connection: a short-lived single-use admission ticket carried in the
// upgrade URL, and a durable JWT presented in-band once the socket is open.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTicketUnknown = errors.New("auth: unknown or already used ticket")
	ErrTicketExpired = errors.New("auth: ticket expired")
	ErrTokenInvalid  = errors.New("auth: invalid token")
)

// Claims is the JWT payload issued per user VM.
type Claims struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	jwt.RegisteredClaims
}

// Verifier mints and verifies the durable per-VM JWTs.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Mint issues a signed token for the given user and org.
func (v *Verifier) Mint(userID, orgID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		OrgID:  orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

type ticket struct {
	userID  string
	expires time.Time
}

// TicketStore issues single-use admission tickets. A ticket admits exactly
// one WebSocket upgrade; redeeming removes it, so replaying the upgrade URL
// fails.
type TicketStore struct {
	mu      sync.Mutex
	tickets map[string]ticket
	ttl     time.Duration
}

func NewTicketStore(ttl time.Duration) *TicketStore {
	return &TicketStore{tickets: make(map[string]ticket), ttl: ttl}
}

// Issue creates a ticket bound to userID and returns its opaque value.
func (s *TicketStore) Issue(userID string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.tickets[id] = ticket{userID: userID, expires: time.Now().Add(s.ttl)}
	return id, nil
}

// Redeem consumes a ticket, returning the bound user ID. A ticket can be
// redeemed at most once.
func (s *TicketStore) Redeem(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return "", ErrTicketUnknown
	}
	delete(s.tickets, id)
	if time.Now().After(t.expires) {
		return "", ErrTicketExpired
	}
	return t.userID, nil
}

// prune drops expired tickets. Caller holds s.mu.
func (s *TicketStore) prune() {
	now := time.Now()
	for id, t := range s.tickets {
		if now.After(t.expires) {
			delete(s.tickets, id)
		}
	}
}
