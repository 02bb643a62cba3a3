/*
Copyright 2024 Netprobe Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package identity resolves request credentials into admission
// principals. An authenticated user and an anonymous IP-bucketed caller
// are kept as an explicit sum; the admission engine treats either as an
// opaque accounting key.
package identity

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/services"
	"github.com/netprobe/netprobe/lib/tiers"
	"github.com/netprobe/netprobe/lib/utils"
)

// Principal is the accounting subject of one request: either an
// authenticated user or an anonymous IP-derived bucket, never both.
type Principal struct {
	// UserID is set for authenticated principals.
	UserID int
	// AnonBucket is set for anonymous principals.
	AnonBucket uint64
	// Anonymous discriminates the two cases.
	Anonymous bool
	// IsAdmin is set for authenticated admins.
	IsAdmin bool
	// Tier is the tier snapshot taken at resolution time.
	Tier types.TierLimits
	// APIKeyID references the API key used, if any.
	APIKeyID string
}

// Key returns the opaque accounting key the admission engine indexes by.
func (p Principal) Key() string {
	if p.Anonymous {
		return fmt.Sprintf("anon:%d", p.AnonBucket)
	}
	return fmt.Sprintf("user:%d", p.UserID)
}

// Credentials carries at most one of a bearer token and an API key, plus
// the client address used as the anonymous fallback.
type Credentials struct {
	// APIKey is the subscriber API key, if presented.
	APIKey string
	// BearerToken is the JWT bearer token, if presented.
	BearerToken string
	// ClientAddr is the remote client address.
	ClientAddr string
}

// CredentialsFromRequest extracts credentials from an HTTP request.
func CredentialsFromRequest(r *http.Request) Credentials {
	creds := Credentials{ClientAddr: r.RemoteAddr}
	if key := r.Header.Get(netprobe.APIKeyHeader); key != "" {
		creds.APIKey = key
	} else if key := r.URL.Query().Get(netprobe.APIKeyQueryParam); key != "" {
		creds.APIKey = key
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		creds.BearerToken = strings.TrimPrefix(authz, "Bearer ")
	}
	return creds
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Identity is the read-only account store.
	Identity services.Identity
	// Tiers resolves tier names to snapshots.
	Tiers *tiers.Catalog
	// JWTSigningKey verifies bearer token signatures (HS256).
	JWTSigningKey []byte
	// Clock is used for key expiry checks.
	Clock clockwork.Clock
	// CacheSize bounds the API key cache.
	CacheSize int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Tiers == nil {
		return trace.BadParameter("missing parameter Tiers")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaults.APIKeyCacheSize
	}
	return nil
}

type cachedKey struct {
	key  types.APIKey
	user types.User
}

// Resolver turns request credentials into principals.
type Resolver struct {
	cfg   ResolverConfig
	log   *log.Entry
	cache *lru.Cache[string, cachedKey]
}

// NewResolver builds a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := lru.New[string, cachedKey](cfg.CacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{
		cfg:   cfg,
		log:   utils.NewComponentLogger(netprobe.ComponentIdentity),
		cache: cache,
	}, nil
}

// Resolve applies the resolution rules in order: API key, bearer token,
// anonymous fallback. A present-but-invalid API key fails the request; an
// invalid bearer token degrades to anonymous.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Principal, error) {
	if creds.APIKey != "" {
		principal, err := r.resolveAPIKey(ctx, creds.APIKey)
		if err != nil {
			return Principal{}, trace.Wrap(err)
		}
		return principal, nil
	}
	if creds.BearerToken != "" {
		principal, err := r.resolveBearer(ctx, creds.BearerToken)
		if err == nil {
			return principal, nil
		}
		// Invalid bearer tokens degrade to anonymous so public
		// endpoints keep working with a stale cookie.
		r.log.WithError(err).Debug("Bearer token rejected, continuing as anonymous.")
	}
	return r.anonymous(creds.ClientAddr), nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, key string) (Principal, error) {
	now := r.cfg.Clock.Now()
	if entry, ok := r.cache.Get(key); ok {
		if entry.key.IsActive && !entry.key.Expired(now) && entry.user.IsActive {
			return r.principalFor(entry.user, entry.key.ID), nil
		}
		r.cache.Remove(key)
	}

	record, err := r.cfg.Identity.GetAPIKey(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return Principal{}, trace.AccessDenied("invalid api key")
		}
		return Principal{}, trace.Wrap(err)
	}
	if !record.IsActive || record.Expired(now) {
		return Principal{}, trace.AccessDenied("api key is inactive or expired")
	}
	user, err := r.cfg.Identity.GetUserByID(ctx, record.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			return Principal{}, trace.AccessDenied("invalid api key")
		}
		return Principal{}, trace.Wrap(err)
	}
	if !user.IsActive {
		return Principal{}, trace.AccessDenied("user account is disabled")
	}
	r.cache.Add(key, cachedKey{key: *record, user: *user})
	return r.principalFor(*user, record.ID), nil
}

func (r *Resolver) resolveBearer(ctx context.Context, token string) (Principal, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", t.Header["alg"])
		}
		return r.cfg.JWTSigningKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, trace.AccessDenied("invalid bearer token: %v", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Principal{}, trace.AccessDenied("invalid bearer token")
	}
	user, err := r.cfg.Identity.GetUserByEmail(ctx, claims.Subject)
	if err != nil {
		if trace.IsNotFound(err) {
			return Principal{}, trace.AccessDenied("unknown token subject")
		}
		return Principal{}, trace.Wrap(err)
	}
	if !user.IsActive {
		return Principal{}, trace.AccessDenied("user account is disabled")
	}
	return r.principalFor(*user, ""), nil
}

func (r *Resolver) principalFor(user types.User, apiKeyID string) Principal {
	return Principal{
		UserID:   user.ID,
		IsAdmin:  user.IsAdmin,
		Tier:     r.cfg.Tiers.GetOrDefault(user.Tier),
		APIKeyID: apiKeyID,
	}
}

func (r *Resolver) anonymous(clientAddr string) Principal {
	return Principal{
		Anonymous:  true,
		AnonBucket: AnonBucket(clientAddr),
		Tier:       r.cfg.Tiers.Default(),
	}
}

// AnonBucket derives a stable anonymous bucket from a client address.
func AnonBucket(clientAddr string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(utils.ClientAddrHost(clientAddr)))
	return h.Sum64() % defaults.AnonymousBuckets
}

// BearerTokenExpiry is the time a bearer token minted by IssueToken
// remains valid. Token issuance itself is an external concern; this
// helper exists for tests and bootstrap tooling.
const BearerTokenExpiry = 24 * time.Hour

// IssueToken mints a bearer token for the given user email. Only used by
// tests and bootstrap tooling; production tokens come from the external
// auth service.
func IssueToken(signingKey []byte, email string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(BearerTokenExpiry)),
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}
