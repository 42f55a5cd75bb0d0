// Package auth resolves the caller of an HTTP request from an HS256 bearer token.
package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/errors"
)

const callerKey = "auth.caller"

type Claims struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Staff    bool   `json:"staff,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for the user valid for ttl.
func (a *Authenticator) Issue(c domain.Caller, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Name:     c.FullName,
		Username: c.Username,
		Staff:    c.Staff,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(c.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Parse validates the token and returns the caller it identifies.
func (a *Authenticator) Parse(token string) (domain.Caller, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Caller{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid token"),
			errors.WithCause(err))
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return domain.Caller{}, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid token subject %q", claims.Subject))
	}

	return domain.Caller{
		UserID:   id,
		Username: claims.Username,
		FullName: claims.Name,
		Staff:    claims.Staff,
	}, nil
}

// Middleware rejects requests without a valid bearer token and stores the caller in the context.
func (a *Authenticator) Middleware(abort func(c *gin.Context, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abort(c, errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("missing bearer token")))
			return
		}

		caller, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			abort(c, err)
			return
		}

		caller.IPAddress = c.ClientIP()
		caller.UserAgent = c.Request.UserAgent()
		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller stored by Middleware.
func CallerFrom(c *gin.Context) (domain.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return domain.Caller{}, false
	}

	caller, ok := v.(domain.Caller)
	return caller, ok
}
