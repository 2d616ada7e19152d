package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/ignis-framework/ignis/pkg/config"
	"github.com/ignis-framework/ignis/pkg/errors"
)

// standardClaims are preserved verbatim in the token; every other claim
// has both its key and value encrypted.
var standardClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "jti": true,
	"nbf": true, "exp": true, "iat": true,
}

const (
	rolesClaim  = "roles"
	userIDClaim = "userId"
)

// JWTStrategy authenticates Bearer tokens. The outer JWT is verified with
// the configured secret and algorithm (default HS256); private claims are
// carried AES-encrypted, with roles as pipe-separated
// "id|identifier|priority" strings before encryption.
type JWTStrategy struct {
	cfg    config.AuthConfig
	cipher *Cipher
	method jwt.SigningMethod
	issuer string
}

// NewJWTStrategy builds the strategy from the auth configuration.
func NewJWTStrategy(cfg config.AuthConfig, issuer string) (*JWTStrategy, error) {
	alg := cfg.JWTAlgorithm
	if alg == "" {
		alg = "HS256"
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, errors.New(errors.KindConfigInvalid, "unknown JWT algorithm %q", alg)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New(errors.KindConfigInvalid, "JWT secret is not configured")
	}
	aesSecret := cfg.AESKey
	if aesSecret == "" {
		aesSecret = cfg.JWTSecret
	}
	return &JWTStrategy{
		cfg:    cfg,
		cipher: NewCipher(aesSecret),
		method: method,
		issuer: issuer,
	}, nil
}

// Name implements Strategy.
func (s *JWTStrategy) Name() string { return "jwt" }

// ExtractCredentials reads the Bearer token from the Authorization header.
// A request without one is simply not in this strategy's format.
func (s *JWTStrategy) ExtractCredentials(_ context.Context, r *http.Request) (Credentials, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return nil, nil
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

// Authenticate verifies the token and decrypts the private claims into a
// principal.
func (s *JWTStrategy) Authenticate(_ context.Context, creds Credentials) (*Principal, error) {
	tokenString, ok := creds.(string)
	if !ok || tokenString == "" {
		return nil, nil
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.Wrap(err, errors.KindUnauthenticated, "invalid token")
	}

	principal := &Principal{Claims: map[string]interface{}{}}
	for key, value := range claims {
		if standardClaims[key] {
			principal.Claims[key] = value
			continue
		}
		name, err := s.cipher.Decrypt(key)
		if err != nil {
			return nil, err
		}
		decoded, err := s.decryptValue(value)
		if err != nil {
			return nil, err
		}
		switch name {
		case userIDClaim:
			if id, ok := decoded.(string); ok {
				principal.UserID = id
			}
		case rolesClaim:
			roles, err := decodeRoles(decoded)
			if err != nil {
				return nil, err
			}
			principal.Roles = roles
		default:
			principal.Claims[name] = decoded
		}
	}
	return principal, nil
}

// IssueToken builds a signed token for the principal with the configured
// expiration. Standard claims stay plaintext; everything else, including
// userId, extra claims and roles, is encrypted key and value. Nil claim
// values are skipped.
func (s *JWTStrategy) IssueToken(principal *Principal, extra map[string]interface{}) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": principal.UserID,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(s.expiration()).Unix(),
	}

	private := map[string]interface{}{userIDClaim: principal.UserID}
	for k, v := range extra {
		private[k] = v
	}
	if len(principal.Roles) > 0 {
		encoded := make([]string, len(principal.Roles))
		for i, role := range principal.Roles {
			encoded[i] = fmt.Sprintf("%s|%s|%d", role.ID, role.Identifier, role.Priority)
		}
		private[rolesClaim] = encoded
	}

	for key, value := range private {
		if value == nil {
			continue
		}
		encKey, err := s.cipher.Encrypt(key)
		if err != nil {
			return "", err
		}
		encValue, err := s.encryptValue(value)
		if err != nil {
			return "", err
		}
		claims[encKey] = encValue
	}

	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "failed to sign token")
	}
	return signed, nil
}

func (s *JWTStrategy) expiration() time.Duration {
	if s.cfg.JWTExpiration > 0 {
		return s.cfg.JWTExpiration
	}
	return 24 * time.Hour
}

// encryptValue encrypts a claim value: string slices element-wise, strings
// directly, everything else through its JSON rendering.
func (s *JWTStrategy) encryptValue(value interface{}) (interface{}, error) {
	switch tv := value.(type) {
	case string:
		return s.cipher.Encrypt(tv)
	case []string:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			enc, err := s.cipher.Encrypt(e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	default:
		raw, err := json.Marshal(tv)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "unencodable claim value")
		}
		return s.cipher.Encrypt("\x00json:" + string(raw))
	}
}

// decryptValue reverses encryptValue, restoring JSON-encoded values to
// their decoded form.
func (s *JWTStrategy) decryptValue(value interface{}) (interface{}, error) {
	switch tv := value.(type) {
	case string:
		plain, err := s.cipher.Decrypt(tv)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(plain, "\x00json:") {
			var decoded interface{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(plain, "\x00json:")), &decoded); err != nil {
				return nil, errors.Wrap(err, errors.KindUnauthenticated, "malformed claim value")
			}
			return decoded, nil
		}
		return plain, nil
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			dec, err := s.decryptValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return value, nil
	}
}

// decodeRoles parses decrypted pipe-separated role strings.
func decodeRoles(value interface{}) ([]Role, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, errors.New(errors.KindUnauthenticated, "malformed roles claim")
	}
	roles := make([]Role, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errors.New(errors.KindUnauthenticated, "malformed roles claim")
		}
		parts := strings.Split(s, "|")
		if len(parts) != 3 {
			return nil, errors.New(errors.KindUnauthenticated, "malformed role %q", s)
		}
		priority, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, errors.New(errors.KindUnauthenticated, "malformed role %q", s)
		}
		roles = append(roles, Role{ID: parts[0], Identifier: parts[1], Priority: priority})
	}
	return roles, nil
}
