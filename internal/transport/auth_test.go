package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/model"
)

// --- test helpers ---

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func startJWKSServer(t *testing.T, keys ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://sso.example.com/realms/office",
		Audience:   "officeflow",
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"full_name":  "name",
			"roles":      "realm_access.roles",
		},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":          "user-1",
		"tenant_id":    "tenant-1",
		"name":         "Lan Pham",
		"realm_access": map[string]any{"roles": []string{"clerk"}},
		"iss":          "https://sso.example.com/realms/office",
		"aud":          "officeflow",
		"exp":          jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":          jwt.NewNumericDate(time.Now()),
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

// --- JWKSClient ---

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t,
		rsaKeyToJWK("rsa-1", &rsaKey.PublicKey),
		ecKeyToJWK("ec-1", &ecKey.PublicKey),
		map[string]any{"kid": "oct-1", "kty": "oct"},
	)
	client := NewJWKSClient(srv.URL, time.Hour, nil)

	key, err := client.GetKey("rsa-1")
	if err != nil {
		t.Fatalf("GetKey(rsa-1): %v", err)
	}
	if pub, ok := key.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Errorf("rsa key = %T, want matching *rsa.PublicKey", key)
	}

	key, err = client.GetKey("ec-1")
	if err != nil {
		t.Fatalf("GetKey(ec-1): %v", err)
	}
	if pub, ok := key.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Errorf("ec key = %T, want matching *ecdsa.PublicKey", key)
	}

	if _, err := client.GetKey("oct-1"); err == nil {
		t.Error("symmetric keys should be skipped")
	}
}

func TestJWKSClient_caches(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, calls := startJWKSServer(t, rsaKeyToJWK("k", &rsaKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour, nil)
	client.minRefresh = 0

	client.GetKey("k")
	client.GetKey("k")

	if n := calls.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}
}

func TestJWKSClient_keepsCachedKeyWhenProviderFails(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaKeyToJWK("k", &rsaKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Millisecond, nil)
	client.minRefresh = 0

	if _, err := client.GetKey("k"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	srv.Close()
	time.Sleep(5 * time.Millisecond)

	if _, err := client.GetKey("k"); err != nil {
		t.Errorf("GetKey after provider outage = %v, want cached key", err)
	}
}

func TestJWKSClient_HealthCheck(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaKeyToJWK("k", &rsaKey.PublicKey))

	if err := NewJWKSClient(srv.URL, time.Hour, nil).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
	if err := NewJWKSClient("http://127.0.0.1:1/jwks", time.Hour, nil).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail without reachable keys")
	}
}

// --- JWTAuthenticator ---

func TestJWTAuthenticator(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t,
		rsaKeyToJWK("rsa-1", &rsaKey.PublicKey),
		ecKeyToJWK("ec-1", &ecKey.PublicKey),
	)

	with := func(mut func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mut(c)
		return c
	}

	tests := []struct {
		name     string
		cfg      func(*config.IdentityConfig)
		header   func() string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "valid RS256",
			header:   func() string { return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims()) },
			wantCode: 200,
		},
		{
			name:     "valid ES256",
			header:   func() string { return "Bearer " + signJWT(t, ecKey, jwt.SigningMethodES256, "ec-1", validClaims()) },
			wantCode: 200,
		},
		{
			name:     "missing header",
			header:   func() string { return "" },
			wantCode: 401,
			wantMsg:  "Missing authorization header",
		},
		{
			name:     "basic auth",
			header:   func() string { return "Basic dXNlcjpwYXNz" },
			wantCode: 401,
			wantMsg:  "Invalid authorization header format",
		},
		{
			name: "expired",
			header: func() string {
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
					c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
				}))
			},
			wantCode: 401,
			wantMsg:  "Token expired",
		},
		{
			name: "wrong issuer",
			header: func() string {
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
					c["iss"] = "https://evil.example.com"
				}))
			},
			wantCode: 401,
			wantMsg:  "Invalid token issuer",
		},
		{
			name: "wrong audience",
			header: func() string {
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", with(func(c jwt.MapClaims) {
					c["aud"] = "payroll"
				}))
			},
			wantCode: 401,
			wantMsg:  "Invalid token audience",
		},
		{
			name:     "disallowed algorithm",
			cfg:      func(c *config.IdentityConfig) { c.Algorithms = []string{"ES256"} },
			header:   func() string { return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims()) },
			wantCode: 401,
			wantMsg:  "Disallowed signing algorithm",
		},
		{
			name:     "unknown kid",
			header:   func() string { return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rotated", validClaims()) },
			wantCode: 401,
			wantMsg:  "Unknown signing key",
		},
		{
			name: "forged signature",
			header: func() string {
				other := generateRSAKey(t)
				return "Bearer " + signJWT(t, other, jwt.SigningMethodRS256, "rsa-1", validClaims())
			},
			wantCode: 401,
			wantMsg:  "Invalid token signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIdentityCfg()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			jwks := NewJWKSClient(srv.URL, time.Hour, nil)
			handler := JWTAuthenticator(cfg, jwks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if sub, _ := ClaimsFrom(r.Context())["sub"].(string); sub != "user-1" {
					t.Errorf("sub = %q, want user-1", sub)
				}
				if tokenFrom(r.Context()) == "" {
					t.Error("raw token should be kept for forwarding")
				}
				w.WriteHeader(200)
			}))

			req := httptest.NewRequest("GET", "/", nil)
			if h := tt.header(); h != "" {
				req.Header.Set("Authorization", h)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantMsg != "" {
				if env := decodeError(t, w); env.Message != tt.wantMsg {
					t.Errorf("message = %q, want %q", env.Message, tt.wantMsg)
				}
			}
		})
	}
}

func TestAuthChain_buildsRequestContext(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaKeyToJWK("rsa-1", &rsaKey.PublicKey))
	cfg := testIdentityCfg()

	var got *model.RequestContext
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	})
	handler := JWTAuthenticator(cfg, NewJWKSClient(srv.URL, time.Hour, nil))(
		BuildRequestContext(cfg.ClaimPaths)(final))

	token := signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa-1", validClaims())
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Session-Id", "tab-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("request context not built")
	}
	if got.SubjectID != "user-1" || got.TenantID != "tenant-1" || got.FullName != "Lan Pham" {
		t.Errorf("identity = %+v", got)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "clerk" {
		t.Errorf("roles = %v, want nested claim path resolved", got.Roles)
	}
	if got.Token != token || got.SessionID != "tab-7" {
		t.Errorf("token forwarded = %v, session = %q", got.Token == token, got.SessionID)
	}
}
