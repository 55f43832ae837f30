package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ReviewScope must be present in tokens presented to the HITL callbacks.
const ReviewScope = "reviews:write"

type reviewerKey struct{}

// ReviewerClaims are the claims carried by a reviewer token.
type ReviewerClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// ReviewerAuth verifies HS256 reviewer tokens on the HITL routes.
type ReviewerAuth struct {
	secret []byte
	issuer string
}

func NewReviewerAuth(secret, issuer string) (*ReviewerAuth, error) {
	if secret == "" {
		return nil, errors.New("reviewer auth: empty secret")
	}
	return &ReviewerAuth{secret: []byte(secret), issuer: issuer}, nil
}

// Sign issues a token for reviewer valid for ttl.
func (a *ReviewerAuth) Sign(reviewer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ReviewerClaims{
		Scope: ReviewScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewer,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *ReviewerAuth) verify(raw string) (*ReviewerClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &ReviewerClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !hasScope(claims.Scope, ReviewScope) {
		return nil, errors.New("missing scope " + ReviewScope)
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid bearer token and stores the
// reviewer identity in the request context.
func (a *ReviewerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized"})
			return
		}
		claims, err := a.verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token: " + err.Error(), Code: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), reviewerKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ReviewerFromContext returns the authenticated reviewer, if any.
func ReviewerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(reviewerKey{}).(string)
	return id, ok && id != ""
}
