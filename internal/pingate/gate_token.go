package pingate

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultGatePassTTL = 10 * time.Minute
	gateTokenType      = "gate"
)

// GatePass is handed out after a verified PIN and opens parent-only
// endpoints for one subject until it expires.
type GatePass struct {
	Token     string `json:"gate_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

type GateTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewGateTokens(secret string, ttl time.Duration) *GateTokens {
	if ttl <= 0 {
		ttl = defaultGatePassTTL
	}
	return &GateTokens{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *GateTokens) Issue(subjectID string) (GatePass, error) {
	now := g.now()
	claims := jwt.MapClaims{
		"sub": subjectID,
		"iat": now.Unix(),
		"exp": now.Add(g.ttl).Unix(),
		"typ": gateTokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(g.secret)
	if err != nil {
		return GatePass{}, fmt.Errorf("sign gate token: %w", err)
	}

	return GatePass{
		Token:     encoded,
		TokenType: "Bearer",
		ExpiresIn: int64(g.ttl.Seconds()),
	}, nil
}

// Validate returns the subject the token was issued for.
func (g *GateTokens) Validate(tokenStr string) (string, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", ErrInvalidGateToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(g.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidGateToken
	}
	if tokenType, _ := claims["typ"].(string); tokenType != gateTokenType {
		return "", ErrInvalidGateToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrInvalidGateToken
	}
	return subject, nil
}
