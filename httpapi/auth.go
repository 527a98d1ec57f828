package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustledger/authz"
)

var ErrUnauthenticated = errors.New("httpapi: unauthenticated")

type ctxKey int

const ctxKeyPrincipal ctxKey = iota

// TokenVerifier validates HS256 bearer tokens carrying a user_id claim and
// either a roles array or a single role claim.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// IssueToken signs a token for userID carrying roles. Identity lives outside
// this service; operators use it for service accounts and local testing.
func (v *TokenVerifier) IssueToken(userID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("httpapi: issue token: missing user id")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"roles":   roles,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("httpapi: sign token: %w", err)
	}
	return token, nil
}

func (v *TokenVerifier) VerifyToken(tokenString string) (string, []string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("httpapi: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", nil, fmt.Errorf("httpapi: invalid token")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", nil, fmt.Errorf("httpapi: invalid user_id in token")
	}

	var roles []string
	switch raw := claims["roles"].(type) {
	case []any:
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	case string:
		roles = strings.Split(raw, ",")
	}
	if role, ok := claims["role"].(string); ok && role != "" {
		roles = append(roles, role)
	}
	return userID, roles, nil
}

// authenticate resolves the bearer token into a Principal once per request.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			s.writeError(w, r, ErrUnauthenticated)
			return
		}
		userID, roles, err := s.verifier.VerifyToken(tokenString)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", ErrUnauthenticated, err))
			return
		}
		ctx := WithPrincipal(r.Context(), authz.NewPrincipal(userID, roles))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func WithPrincipal(ctx context.Context, p authz.Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func principalFrom(ctx context.Context) (authz.Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(authz.Principal)
	return p, ok && p.UserID != ""
}
