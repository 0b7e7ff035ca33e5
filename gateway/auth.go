package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowd/native/settlement"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceTTL      = 10 * time.Minute
)

var (
	errMissingAuth     = errors.New("gateway: missing authentication headers")
	errUnknownAPIKey   = errors.New("gateway: unknown api key")
	errStaleTimestamp  = errors.New("gateway: timestamp outside allowed skew")
	errNonceReplay     = errors.New("gateway: nonce already used")
	errBadSignature    = errors.New("gateway: signature mismatch")
	errBadAdminToken   = errors.New("gateway: invalid admin token")
	errNotAdminSubject = errors.New("gateway: token subject is not an administrator")
)

// APIKey pairs a key identifier with its shared secret and the ledger account
// the key may act as.
type APIKey struct {
	Key     string
	Secret  string
	Account settlement.AccountID
}

// Principal is an authenticated API client.
type Principal struct {
	APIKey  string
	Account settlement.AccountID
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	keys     map[string]APIKey
	skew     time.Duration
	nonceTTL time.Duration
	nowFn    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator builds an Authenticator over the configured API keys.
func NewAuthenticator(keys []APIKey, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	indexed := make(map[string]APIKey, len(keys))
	for _, key := range keys {
		if strings.TrimSpace(key.Key) == "" {
			continue
		}
		indexed[key.Key] = key
	}
	return &Authenticator{
		keys:     indexed,
		skew:     skew,
		nonceTTL: nonceTTL,
		nowFn:    nowFn,
		nonces:   make(map[string]time.Time),
	}
}

// Authenticate validates the request headers against the signed body and
// returns the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if apiKey == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, errMissingAuth
	}
	key, ok := a.keys[apiKey]
	if !ok {
		return nil, errUnknownAPIKey
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid timestamp: %w", err)
	}
	now := a.nowFn()
	if diff := now.Sub(time.Unix(ts, 0)); diff > a.skew || diff < -a.skew {
		return nil, errStaleTimestamp
	}
	if !a.claimNonce(apiKey, nonce, now) {
		return nil, errNonceReplay
	}
	expected := ComputeSignature(key.Secret, timestamp, nonce, r.Method, r.URL.Path, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return nil, errBadSignature
	}
	return &Principal{APIKey: apiKey, Account: key.Account}, nil
}

func (a *Authenticator) claimNonce(apiKey, nonce string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, expiry := range a.nonces {
		if now.After(expiry) {
			delete(a.nonces, key)
		}
	}
	claim := apiKey + "|" + nonce
	if _, used := a.nonces[claim]; used {
		return false
	}
	a.nonces[claim] = now.Add(a.nonceTTL)
	return true
}

// ComputeSignature derives the canonical request signature clients must send:
// HMAC-SHA256 over timestamp, nonce, method, path and the SHA-256 of the body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(hex.EncodeToString(bodyHash[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// adminClaims are the JWT claims accepted on the administrative routes.
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminVerifier validates HS256 bearer tokens minted by the operations
// tooling and returns the administrator account they act as.
type AdminVerifier struct {
	secret []byte
	nowFn  func() time.Time
}

// NewAdminVerifier builds a verifier over the shared admin token secret.
func NewAdminVerifier(secret []byte, nowFn func() time.Time) *AdminVerifier {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &AdminVerifier{secret: secret, nowFn: nowFn}
}

// Verify parses the Authorization bearer token and returns the admin account.
func (v *AdminVerifier) Verify(r *http.Request) (settlement.AccountID, error) {
	if len(v.secret) == 0 {
		return "", errBadAdminToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || strings.TrimSpace(token) == "" {
		return "", errBadAdminToken
	}
	claims := &adminClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("gateway: unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.nowFn))
	if err != nil || !parsed.Valid {
		return "", errBadAdminToken
	}
	if claims.Role != "admin" || strings.TrimSpace(claims.Subject) == "" {
		return "", errNotAdminSubject
	}
	return settlement.AccountID(claims.Subject), nil
}
