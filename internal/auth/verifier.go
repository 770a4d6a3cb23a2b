package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleet-relay/dlr/internal/config"
)

// ErrKeyNotFound is returned when a token names a key the JWKS does not hold.
var ErrKeyNotFound = errors.New("key not found")

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet represents a JSON Web Key Set.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKSCacheEntry represents a cached JWKS key with timestamp.
type JWKSCacheEntry struct {
	Key       *rsa.PublicKey
	Timestamp time.Time
}

// Verifier handles JWT token verification with support for RS256 and HS256.
type Verifier struct {
	config    config.AuthConfig
	publicKey *rsa.PublicKey

	// jwksMutex guards jwksCache and lastFetch; refreshMu serializes fetches
	// so the cache lock is never held across the network call.
	jwksMutex sync.RWMutex
	refreshMu sync.Mutex
	jwksCache map[string]*JWKSCacheEntry
	lastFetch time.Time

	httpClient *http.Client
	now        func() time.Time
}

// NewVerifier creates a new JWT verifier.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	v := &Verifier{
		config:    cfg,
		jwksCache: make(map[string]*JWKSCacheEntry),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}

	switch cfg.Algorithm {
	case "RS256":
		if cfg.PublicKeyPEM == "" && cfg.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
		if cfg.PublicKeyPEM != "" {
			if err := v.loadPublicKeyFromPEM(cfg.PublicKeyPEM); err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
		}
		if cfg.JWKSURL != "" {
			if err := v.fetchJWKS(); err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	case "HS256":
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", cfg.Algorithm)
	}

	return v, nil
}

// VerifyToken verifies a JWT token and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	token, err := jwt.Parse(tokenString, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return extractClaims(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.config.Algorithm == "HS256" {
		return []byte(v.config.SecretKey), nil
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		// No kid, use the configured public key
		if v.publicKey == nil {
			return nil, fmt.Errorf("no public key available")
		}
		return v.publicKey, nil
	}

	key, err := v.getKeyFromJWKS(kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get key from JWKS: %w", err)
	}
	return key, nil
}

// extractClaims reads sub and the scopes claim, which may be a JSON array
// ("scopes") or an OAuth space-separated string ("scope").
func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	scopes, err := extractScopes(claims)
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("token grants no scopes")
	}
	for _, scope := range scopes {
		if !validScopes[scope] {
			return nil, fmt.Errorf("invalid scope: %q", scope)
		}
	}

	return &Claims{Subject: sub, Scopes: scopes}, nil
}

func extractScopes(claims jwt.MapClaims) ([]string, error) {
	if raw, ok := claims["scopes"]; ok {
		switch val := raw.(type) {
		case []interface{}:
			result := make([]string, len(val))
			for i, item := range val {
				str, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("invalid scopes claim: not a string")
				}
				result[i] = str
			}
			return result, nil
		case []string:
			return val, nil
		default:
			return nil, fmt.Errorf("invalid scopes claim: not a string array")
		}
	}
	if raw, ok := claims["scope"].(string); ok {
		return strings.Fields(raw), nil
	}
	return nil, fmt.Errorf("missing scopes claim")
}

// loadPublicKeyFromPEM loads a public key from PEM format.
func (v *Verifier) loadPublicKeyFromPEM(pemData string) error {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an RSA public key")
	}

	v.publicKey = rsaPub
	return nil
}

// fetchJWKS downloads the key set and replaces the cached keys.
func (v *Verifier) fetchJWKS() error {
	resp, err := v.httpClient.Get(v.config.JWKSURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks JWKSet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := v.now()
	keys := make(map[string]*JWKSCacheEntry, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || (key.Use != "" && key.Use != "sig") || (key.Alg != "" && key.Alg != "RS256") {
			continue
		}
		pubKey, err := jwkToRSAPublicKey(key)
		if err != nil {
			continue
		}
		keys[key.Kid] = &JWKSCacheEntry{Key: pubKey, Timestamp: now}
	}

	v.jwksMutex.Lock()
	v.jwksCache = keys
	v.lastFetch = now
	v.jwksMutex.Unlock()
	return nil
}

// getKeyFromJWKS returns a cached key, refreshing the set when the key is
// unknown or stale and the refresh interval has passed.
func (v *Verifier) getKeyFromJWKS(kid string) (*rsa.PublicKey, error) {
	if key, ok := v.cachedKey(kid); ok {
		return key, nil
	}

	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if key, ok := v.cachedKey(kid); ok {
		return key, nil
	}

	v.jwksMutex.RLock()
	due := v.now().Sub(v.lastFetch) >= v.config.JWKSRefreshInterval
	v.jwksMutex.RUnlock()
	if !due {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	if err := v.fetchJWKS(); err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}
	if key, ok := v.cachedKey(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (v *Verifier) cachedKey(kid string) (*rsa.PublicKey, bool) {
	v.jwksMutex.RLock()
	defer v.jwksMutex.RUnlock()

	entry, exists := v.jwksCache[kid]
	if !exists {
		return nil, false
	}
	if v.config.JWKSCacheTimeout > 0 && v.now().Sub(entry.Timestamp) >= v.config.JWKSCacheTimeout {
		return nil, false
	}
	return entry.Key, true
}

// jwkToRSAPublicKey converts a JWK to an RSA public key.
func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	e, err := base64URLDecode(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}

	var exp int
	for _, b := range e {
		exp = exp<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: exp,
	}, nil
}

// base64URLDecode decodes base64url data with or without padding.
func base64URLDecode(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
