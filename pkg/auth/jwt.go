package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"deckhand/pkg/api"
)

var ErrInvalid = errors.New("invalid command token")

// DefaultTTL bounds how long a signed command stays valid.
const DefaultTTL = 5 * time.Minute

// Claims bind a token to one command against one node.
type Claims struct {
	Node    string `json:"node"`
	Command string `json:"cmd"`
	Target  string `json:"target,omitempty"`
	Hash    string `json:"hash,omitempty"`
	jwt.RegisteredClaims
}

func claimsFor(env api.Envelope) Claims {
	c := Claims{Node: env.Node, Command: string(env.Command)}
	switch {
	case env.Apply != nil:
		c.Target = env.Apply.Key().String()
		c.Hash = env.Apply.Hash
	case env.Remove != nil:
		c.Target = env.Remove.Key().String()
	}
	return c
}

// Signer issues HS256 command tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns nil when secret is empty; a nil Signer signs nothing.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns env with its token set.
func (s *Signer) Sign(env api.Envelope) (api.Envelope, error) {
	if s == nil {
		return env, nil
	}
	now := s.now()
	claims := claimsFor(env)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return env, fmt.Errorf("sign %s command: %w", env.Command, err)
	}
	env.Token = token
	return env, nil
}

// Verify checks that env carries a valid token for exactly this command.
func Verify(secret string, env api.Envelope) error {
	if env.Token == "" {
		return fmt.Errorf("%w: missing", ErrInvalid)
	}
	token, err := jwt.ParseWithClaims(env.Token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil || !token.Valid {
		return ErrInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ErrInvalid
	}
	want := claimsFor(env)
	if claims.Node != want.Node || claims.Command != want.Command || claims.Target != want.Target || claims.Hash != want.Hash {
		return fmt.Errorf("%w: token was issued for a different command", ErrInvalid)
	}
	return nil
}
