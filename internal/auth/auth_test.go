package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestInitializeAuth(t *testing.T) {
	InitializeAuth("test-secret", "client-id", "client-secret", "http://localhost/callback", "test-org", true)

	if authConfig == nil {
		t.Fatal("authConfig should not be nil after initialization")
	}
	if string(authConfig.JwtSecret) != "test-secret" {
		t.Errorf("Expected JwtSecret 'test-secret', got %q", string(authConfig.JwtSecret))
	}
	if authConfig.oauth.ClientID != "client-id" || authConfig.oauth.ClientSecret != "client-secret" {
		t.Errorf("Unexpected client credentials: %+v", authConfig.oauth)
	}
	if authConfig.oauth.RedirectURL != "http://localhost/callback" {
		t.Errorf("Expected RedirectURL 'http://localhost/callback', got %q", authConfig.oauth.RedirectURL)
	}
	if got := strings.Join(authConfig.oauth.Scopes, ","); got != "read:user,user:email,read:org" {
		t.Errorf("Expected org scope when an org is required, got %q", got)
	}
	if !authConfig.Enabled {
		t.Error("Expected Enabled to be true")
	}
}

func TestIsAuthEnabled(t *testing.T) {
	authConfig = nil
	if IsAuthEnabled() {
		t.Error("Expected IsAuthEnabled to return false when authConfig is nil")
	}

	InitializeAuth("secret", "id", "secret", "url", "", false)
	if IsAuthEnabled() {
		t.Error("Expected IsAuthEnabled to return false when auth is disabled")
	}

	InitializeAuth("secret", "id", "secret", "url", "", true)
	if !IsAuthEnabled() {
		t.Error("Expected IsAuthEnabled to return true when auth is enabled")
	}
}

func TestGenerateState(t *testing.T) {
	state1 := GenerateState()
	state2 := GenerateState()
	if state1 == state2 {
		t.Error("GenerateState should produce different values")
	}
	if len(state1) != 44 {
		t.Errorf("Expected 44 base64 characters, got %d", len(state1))
	}
}

func TestGetGithubLoginURL(t *testing.T) {
	authConfig = nil
	if GetGithubLoginURL("s") != "" {
		t.Error("Expected empty URL when auth is not initialized")
	}

	InitializeAuth("secret", "my-client", "secret", "http://localhost:3000/auth/callback", "", true)
	raw := GetGithubLoginURL("the-state")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("Invalid login URL %q: %v", raw, err)
	}
	if u.Host != "github.com" || u.Path != "/login/oauth/authorize" {
		t.Errorf("Unexpected authorize endpoint: %s", raw)
	}
	q := u.Query()
	if q.Get("client_id") != "my-client" || q.Get("state") != "the-state" {
		t.Errorf("Missing client id or state in %s", raw)
	}
	if q.Get("redirect_uri") != "http://localhost:3000/auth/callback" {
		t.Errorf("Unexpected redirect_uri %q", q.Get("redirect_uri"))
	}
	if q.Get("scope") != "read:user user:email" {
		t.Errorf("Unexpected scope %q", q.Get("scope"))
	}
}

func TestExchangeCodeForToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer","scope":"read:user"}`))
	}))
	defer server.Close()

	InitializeAuth("secret", "client", "client-secret", "http://localhost/callback", "", true)
	SetEndpoints("", server.URL+"/login/oauth/access_token", "")

	tok, err := ExchangeCodeForToken(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("ExchangeCodeForToken failed: %v", err)
	}
	if tok != "gho_test" {
		t.Errorf("Expected gho_test, got %q", tok)
	}

	if _, err := ExchangeCodeForToken(context.Background(), "bad-code"); err == nil {
		t.Error("Expected error for rejected code")
	}
}

func newGithubAPI(t *testing.T, member bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"login":      "octocat",
			"name":       "The Octocat",
			"email":      "octo@example.com",
			"avatar_url": "https://avatars.example.com/octocat",
		})
	})
	mux.HandleFunc("/orgs/acme/members/octocat", func(w http.ResponseWriter, r *http.Request) {
		if member {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestGetGithubUser(t *testing.T) {
	server := newGithubAPI(t, true)
	defer server.Close()

	InitializeAuth("secret", "client", "secret", "url", "", true)
	SetEndpoints("", "", server.URL)

	user, err := GetGithubUser(context.Background(), "gho_test")
	if err != nil {
		t.Fatalf("GetGithubUser failed: %v", err)
	}
	if user.Login != "octocat" || user.Name != "The Octocat" || user.Email != "octo@example.com" {
		t.Errorf("Unexpected user: %+v", user)
	}

	if _, err := GetGithubUser(context.Background(), "wrong"); err == nil {
		t.Error("Expected error for rejected credential")
	}
}

func TestGetGithubUserOrgMembership(t *testing.T) {
	tests := []struct {
		name    string
		member  bool
		wantErr bool
	}{
		{name: "member", member: true},
		{name: "not a member", member: false, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newGithubAPI(t, tt.member)
			defer server.Close()

			InitializeAuth("secret", "client", "secret", "url", "acme", true)
			SetEndpoints("", "", server.URL)

			_, err := GetGithubUser(context.Background(), "gho_test")
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGenerateAndValidateJWT(t *testing.T) {
	authConfig = nil
	if _, err := GenerateJWT(&GithubUser{Login: "x"}, ""); err == nil {
		t.Error("Expected error when authConfig is nil")
	}
	if _, err := ValidateJWT("some-token"); err == nil {
		t.Error("Expected error when authConfig is nil")
	}

	InitializeAuth("test-secret-key", "client", "secret", "url", "", true)
	user := &GithubUser{
		Login:     "testuser",
		Name:      "Test User",
		Email:     "test@example.com",
		AvatarURL: "https://avatar.jpg",
	}

	tokenString, err := GenerateJWT(user, "gho_secret")
	if err != nil {
		t.Fatalf("Failed to generate JWT: %v", err)
	}
	if strings.Contains(tokenString, "gho_secret") {
		t.Error("GitHub credential must not be embedded in the session token")
	}

	got, err := ValidateJWT(tokenString)
	if err != nil {
		t.Fatalf("ValidateJWT failed: %v", err)
	}
	if got.Login != user.Login || got.Email != user.Email || got.AvatarURL != user.AvatarURL {
		t.Errorf("Expected %+v, got %+v", user, got)
	}
	if got.SessionID == "" {
		t.Error("Expected session id from token")
	}

	tok, err := GithubToken(got)
	if err != nil || tok != "gho_secret" {
		t.Errorf("Expected stored credential, got %q %v", tok, err)
	}

	if _, err := ValidateJWT("invalid-token"); err == nil {
		t.Error("Expected error for invalid token")
	}

	InitializeAuth("other-secret", "client", "secret", "url", "", true)
	if _, err := ValidateJWT(tokenString); err == nil {
		t.Error("Expected error for token signed with a different secret")
	}
}

func TestValidateJWTExpired(t *testing.T) {
	InitializeAuth("test-secret", "client", "secret", "url", "", true)
	claims := Claims{
		Login: "old",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-25 * time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authConfig.JwtSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateJWT(signed); err == nil {
		t.Error("Expected error for expired token")
	}
}

func TestJWTTokenExpiration(t *testing.T) {
	InitializeAuth("test-secret", "client", "secret", "url", "", true)
	tokenString, err := GenerateJWT(&GithubUser{Login: "testuser"}, "")
	if err != nil {
		t.Fatalf("Failed to generate JWT: %v", err)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return authConfig.JwtSecret, nil
	})
	if err != nil {
		t.Fatalf("Failed to parse JWT: %v", err)
	}
	claims := token.Claims.(*Claims)

	diff := claims.ExpiresAt.Time.Sub(time.Now().Add(SessionTTL))
	if diff > time.Minute || diff < -time.Minute {
		t.Errorf("Token expiry should be ~24 hours from now, got %v", claims.ExpiresAt.Time)
	}
	if claims.Subject != "testuser" {
		t.Errorf("Expected subject testuser, got %q", claims.Subject)
	}
}

func TestLogout(t *testing.T) {
	InitializeAuth("test-secret", "client", "secret", "url", "", true)
	tokenString, _ := GenerateJWT(&GithubUser{Login: "u"}, "gho_x")
	user, _ := ValidateJWT(tokenString)

	Logout(tokenString)
	if _, err := GithubToken(user); err != ErrNoSession {
		t.Errorf("Expected ErrNoSession after logout, got %v", err)
	}
	Logout("garbage")
}

func TestOptionalAuthMiddleware(t *testing.T) {
	handler := OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if u := GetUserFromContext(r); u != nil {
			w.Header().Set("X-User", u.Login)
		}
		w.WriteHeader(http.StatusOK)
	})

	InitializeAuth("secret", "client", "secret", "url", "", false)
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/test", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 when auth disabled, got %d", w.Code)
	}

	InitializeAuth("secret", "client", "secret", "url", "", true)
	tokenString, _ := GenerateJWT(&GithubUser{Login: "testuser"}, "")

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{name: "no token", setup: func(r *http.Request) {}, status: http.StatusUnauthorized},
		{name: "bearer", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tokenString) }, status: http.StatusOK, user: "testuser"},
		{name: "cookie", setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "auth_token", Value: tokenString}) }, status: http.StatusOK, user: "testuser"},
		{name: "invalid", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer invalid-token") }, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			handler(w, req)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			if w.Header().Get("X-User") != tt.user {
				t.Errorf("Expected user %q, got %q", tt.user, w.Header().Get("X-User"))
			}
		})
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	handler := RequireAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	authConfig = nil
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/api/user/repos", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without auth config, got %d", w.Code)
	}

	// a session is still required when the rest of the API is open
	InitializeAuth("secret", "client", "secret", "url", "", false)
	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/api/user/repos", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	tokenString, _ := GenerateJWT(&GithubUser{Login: "u"}, "gho")
	req := httptest.NewRequest("GET", "/api/user/repos", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	w = httptest.NewRecorder()
	handler(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with valid token, got %d", w.Code)
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	s := NewTokenStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Put("a", "tok-a", time.Hour)
	if tok, ok := s.Get("a"); !ok || tok != "tok-a" {
		t.Errorf("Expected tok-a, got %q %v", tok, ok)
	}

	now = now.Add(2 * time.Hour)
	if _, ok := s.Get("a"); ok {
		t.Error("Expected expired session to be hidden")
	}
	s.Put("b", "tok-b", time.Hour)
	if s.Len() != 1 {
		t.Errorf("Expected expired session to be swept, got %d sessions", s.Len())
	}
}

func TestAuthResponseSerialization(t *testing.T) {
	resp := AuthResponse{User: GithubUser{Login: "u", SessionID: "secret-session"}, Token: "jwt"}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "secret-session") {
		t.Errorf("Session id must not be serialized: %s", b)
	}
}

func BenchmarkValidateJWT(b *testing.B) {
	InitializeAuth("benchmark-secret", "client", "secret", "url", "", true)
	tokenString, err := GenerateJWT(&GithubUser{Login: "benchuser"}, "")
	if err != nil {
		b.Fatalf("Failed to generate JWT for benchmark: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ValidateJWT(tokenString); err != nil {
			b.Fatalf("Failed to validate JWT: %v", err)
		}
	}
}
