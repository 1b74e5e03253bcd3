package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

// SessionTTL is the lifetime of a session token and its stored GitHub credential.
const SessionTTL = 24 * time.Hour

var ErrNoSession = errors.New("no GitHub credential for session")

type GithubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`

	SessionID string `json:"-"`
}

type AuthResponse struct {
	User  GithubUser `json:"user"`
	Token string     `json:"token,omitempty"`
}

type Claims struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

var (
	authConfig *AuthConfig
)

type AuthConfig struct {
	JwtSecret  []byte
	AllowedOrg string
	Enabled    bool
	APIBaseURL string

	oauth  *oauth2.Config
	tokens *TokenStore
}

// InitializeAuth sets up the auth configuration
func InitializeAuth(jwtSecret, clientID, clientSecret, redirectURL, allowedOrg string, enabled bool) {
	scopes := []string{"read:user", "user:email"}
	if allowedOrg != "" {
		scopes = append(scopes, "read:org")
	}
	authConfig = &AuthConfig{
		JwtSecret:  []byte(jwtSecret),
		AllowedOrg: allowedOrg,
		Enabled:    enabled,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     githuboauth.Endpoint,
		},
		tokens: NewTokenStore(),
	}
}

// SetEndpoints overrides the GitHub OAuth and API endpoints, for GitHub
// Enterprise or tests. Empty values keep the current setting.
func SetEndpoints(authURL, tokenURL, apiBaseURL string) {
	if authConfig == nil {
		return
	}
	if authURL != "" {
		authConfig.oauth.Endpoint.AuthURL = authURL
	}
	if tokenURL != "" {
		authConfig.oauth.Endpoint.TokenURL = tokenURL
	}
	if apiBaseURL != "" {
		authConfig.APIBaseURL = apiBaseURL
	}
}

// IsAuthEnabled returns whether authentication is enabled
func IsAuthEnabled() bool {
	if authConfig == nil {
		return false
	}
	return authConfig.Enabled
}

// GenerateState creates a random state parameter for OAuth
func GenerateState() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "fallback-state-" + fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}

// GetGithubLoginURL returns the Github OAuth login URL
func GetGithubLoginURL(state string) string {
	if authConfig == nil {
		return ""
	}
	return authConfig.oauth.AuthCodeURL(state)
}

// ExchangeCodeForToken exchanges OAuth code for access token
func ExchangeCodeForToken(ctx context.Context, code string) (string, error) {
	if authConfig == nil {
		return "", errors.New("auth not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tok, err := authConfig.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("failed to get access token")
	}
	return tok.AccessToken, nil
}

func apiClient(ctx context.Context, accessToken string) (*gh.Client, error) {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	hc.Timeout = 10 * time.Second
	c := gh.NewClient(hc)
	if authConfig != nil && authConfig.APIBaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(authConfig.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, err
		}
		c.BaseURL = u
	}
	return c, nil
}

// GetGithubUser fetches user info from Github API
func GetGithubUser(ctx context.Context, accessToken string) (*GithubUser, error) {
	if authConfig == nil {
		return nil, errors.New("auth not initialized")
	}
	c, err := apiClient(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	u, _, err := c.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	user := &GithubUser{
		Login:     u.GetLogin(),
		Name:      u.GetName(),
		Email:     u.GetEmail(),
		AvatarURL: u.GetAvatarURL(),
	}

	// Check org membership if required
	if authConfig.AllowedOrg != "" {
		member, _, err := c.Organizations.IsMember(ctx, authConfig.AllowedOrg, user.Login)
		if err != nil || !member {
			return nil, fmt.Errorf("user is not a member of the required organization")
		}
	}
	return user, nil
}

// GenerateJWT creates a session token for the user. The GitHub access token
// stays on the server, keyed by the session id.
func GenerateJWT(user *GithubUser, accessToken string) (string, error) {
	if authConfig == nil {
		return "", errors.New("auth not initialized")
	}
	sid := GenerateState()
	now := time.Now()
	claims := Claims{
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sid,
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.Login,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(authConfig.JwtSecret)
	if err != nil {
		return "", err
	}
	if accessToken != "" {
		authConfig.tokens.Put(sid, accessToken, SessionTTL)
	}
	return signed, nil
}

// ValidateJWT validates and parses a JWT token
func ValidateJWT(tokenString string) (*GithubUser, error) {
	if authConfig == nil {
		return nil, errors.New("auth not initialized")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return authConfig.JwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &GithubUser{
			Login:     claims.Login,
			Name:      claims.Name,
			Email:     claims.Email,
			AvatarURL: claims.AvatarURL,
			SessionID: claims.ID,
		}, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// GithubToken returns the stored GitHub credential for the user's session.
func GithubToken(user *GithubUser) (string, error) {
	if authConfig == nil || user == nil || user.SessionID == "" {
		return "", ErrNoSession
	}
	tok, ok := authConfig.tokens.Get(user.SessionID)
	if !ok {
		return "", ErrNoSession
	}
	return tok, nil
}

// Logout forgets the GitHub credential behind tokenString.
func Logout(tokenString string) {
	user, err := ValidateJWT(tokenString)
	if err != nil || user.SessionID == "" {
		return
	}
	authConfig.tokens.Delete(user.SessionID)
	log.Debug().Str("login", user.Login).Msg("session revoked")
}

// TokenFromRequest reads the bearer token or the auth cookie.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// OptionalAuthMiddleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func OptionalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		authenticate(next, w, r)
	}
}

// RequireAuthMiddleware rejects requests without a valid session, whether or
// not auth is enabled for the rest of the API.
func RequireAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if authConfig == nil || len(authConfig.JwtSecret) == 0 {
			http.Error(w, "Authentication is not configured", http.StatusUnauthorized)
			return
		}
		authenticate(next, w, r)
	}
}

func authenticate(next http.HandlerFunc, w http.ResponseWriter, r *http.Request) {
	tokenString := TokenFromRequest(r)
	if tokenString == "" {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	user, err := ValidateJWT(tokenString)
	if err != nil {
		http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
		return
	}

	ctx := context.WithValue(r.Context(), UserContextKey, user)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// GetUserFromContext extracts user from request context
func GetUserFromContext(r *http.Request) *GithubUser {
	if user, ok := r.Context().Value(UserContextKey).(*GithubUser); ok {
		return user
	}
	return nil
}

type session struct {
	token   string
	expires time.Time
}

// TokenStore keeps GitHub access tokens server side, keyed by session id.
type TokenStore struct {
	mu       sync.Mutex
	sessions map[string]session
	now      func() time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{sessions: make(map[string]session), now: time.Now}
}

// Put stores token for ttl and drops expired sessions.
func (s *TokenStore) Put(id, token string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.sessions {
		if now.After(v.expires) {
			delete(s.sessions, k)
		}
	}
	s.sessions[id] = session{token: token, expires: now.Add(ttl)}
}

func (s *TokenStore) Get(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sessions[id]
	if !ok || s.now().After(v.expires) {
		return "", false
	}
	return v.token, true
}

func (s *TokenStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
