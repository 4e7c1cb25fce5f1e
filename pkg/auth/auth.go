// Package auth resolves the caller of gateway requests to a Principal.
// Tenant-scoped endpoints take any authenticated principal; revocation
// and reconcile endpoints additionally require the operator role.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

type Principal struct {
	Subject string
	Roles   []string
	Tenant  string
}

type contextKey string

const principalContextKey contextKey = "attest.principal"

// RoleOperator authorizes revocation, reconcile and key rotation.
const RoleOperator = "operator"

// StaticTokens parses TOKEN=subject:tenant:role1|role2 pairs separated by
// commas, the format of the ATTEST_AUTH_TOKENS env variable.
func StaticTokens(raw string) map[string]Principal {
	out := map[string]Principal{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields := strings.SplitN(kv[1], ":", 3)
		p := Principal{Subject: strings.TrimSpace(fields[0])}
		if len(fields) > 1 {
			p.Tenant = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			for _, role := range strings.Split(fields[2], "|") {
				if role = strings.TrimSpace(role); role != "" {
					p.Roles = append(p.Roles, role)
				}
			}
		}
		if token := strings.TrimSpace(kv[0]); token != "" && p.Subject != "" {
			out[token] = p
		}
	}
	return out
}

// Middleware authenticates requests. Mode "off" tags everything
// anonymous, "static" checks bearer tokens against a fixed table, and
// "hs256" verifies signed service tokens.
func Middleware(mode, secret string, tokens map[string]Principal) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous", Roles: []string{"anonymous"}})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			var (
				p   Principal
				err error
			)
			switch mode {
			case "static":
				p, err = lookupStatic(tokens, token)
			case "hs256":
				p, err = VerifyHS256Token(token, secret, time.Now().UTC())
			default:
				err = errors.New("unsupported auth mode")
			}
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func lookupStatic(tokens map[string]Principal, token string) (Principal, error) {
	for candidate, p := range tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return p, nil
		}
	}
	return Principal{}, errors.New("unknown token")
}

// RequireRole gates a handler on one of the listed roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !HasAnyRole(p, roles...) {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type TokenClaims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
	Tenant string   `json:"tenant"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
}

// VerifyHS256Token checks a compact JWS service token signed with the
// shared secret and returns its principal.
func VerifyHS256Token(token, secret string, now time.Time) (Principal, error) {
	if secret == "" {
		return Principal{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Principal{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Principal{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Principal{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Principal{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Principal{}, errors.New("signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Principal{}, err
	}
	if claims.Exp != 0 && now.Unix() >= claims.Exp {
		return Principal{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return Principal{}, errors.New("token not yet valid")
	}
	if claims.Sub == "" {
		return Principal{}, errors.New("missing sub")
	}
	return Principal{Subject: claims.Sub, Roles: claims.Roles, Tenant: claims.Tenant}, nil
}
