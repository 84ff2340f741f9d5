package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/makeasinger/audiogen/internal/config"
)

// ErrInvalidAudience means the token was issued for another client
var ErrInvalidAudience = errors.New("invalid audience")

// TokenVerifier validates a bearer token and returns who it identifies
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the Zitadel access token claims the API reads. Jobs, events and
// tracks are owned by the organization Organization returns.
type Claims struct {
	UserID            string   `json:"sub"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	// OrgID is the organization the user belongs to
	OrgID string `json:"urn:zitadel:iam:user:resourceowner:id,omitempty"`
	// RequestedOrgID is set when the client asked for an organization scope
	RequestedOrgID string `json:"urn:zitadel:iam:org:id,omitempty"`
	jwt.RegisteredClaims
}

// Organization is the tenant the token acts for: the requested organization
// scope when present, else the user's own organization. Empty means the
// request has to name one.
func (c *Claims) Organization() string {
	if c.RequestedOrgID != "" {
		return c.RequestedOrgID
	}
	return c.OrgID
}

// JWKSVerifier checks Zitadel tokens against the issuer's published keys
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// NewJWKSVerifier discovers the issuer's key set. Keys are refreshed in the
// background by keyfunc.
func NewJWKSVerifier(cfg *config.ZitadelConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("zitadel issuer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jwksURL, err := discoverJWKSURL(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   cfg.Issuer,
		audience: cfg.ClientID,
	}, nil
}

func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := discoveryClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

// Validate checks signature, issuer, expiry and, when a client id is
// configured, the audience.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if err := checkAudience(claims, v.audience); err != nil {
		return nil, err
	}
	return claims, nil
}

func checkAudience(claims *Claims, audience string) error {
	if audience == "" {
		return nil
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("failed to get audience: %w", err)
	}
	if !slices.Contains(aud, audience) {
		return ErrInvalidAudience
	}
	return nil
}

// Close is a no-op; keyfunc's refresh goroutine ends with the process
func (v *JWKSVerifier) Close() error {
	return nil
}
