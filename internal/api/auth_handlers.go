package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/seanblong/reporadar/internal/auth"
)

const (
	stateCookie = "oauth_state"
	tokenCookie = "auth_token"
)

// registerAuth adds the OAuth endpoints. Only /auth/status exists while
// authentication is disabled.
func (s *Server) registerAuth(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": auth.IsAuthEnabled()})
	})
	if !auth.IsAuthEnabled() {
		return
	}
	mux.HandleFunc("GET /auth/github", handleLogin)
	mux.HandleFunc("GET /auth/callback", handleCallback)
	mux.HandleFunc("GET /auth/me", auth.RequireAuthMiddleware(handleMe))
	mux.HandleFunc("POST /auth/logout", handleLogout)
}

func secure(r *http.Request) bool {
	return r.TLS != nil || strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https")
}

func handleLogin(w http.ResponseWriter, r *http.Request) {
	state := auth.GenerateState()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, auth.GetGithubLoginURL(state), http.StatusTemporaryRedirect)
}

func handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	c, err := r.Cookie(stateCookie)
	if err != nil || state == "" || c.Value != state {
		writeError(w, http.StatusBadRequest, "invalid state parameter")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code parameter")
		return
	}

	accessToken, err := auth.ExchangeCodeForToken(r.Context(), code)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("oauth code exchange failed")
		writeError(w, http.StatusBadGateway, "failed to exchange code for token")
		return
	}
	user, err := auth.GetGithubUser(r.Context(), accessToken)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("github user lookup failed")
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	token, err := auth.GenerateJWT(user, accessToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(auth.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	hlog.FromRequest(r).Info().Str("login", user.Login).Msg("user signed in")
	writeJSON(w, http.StatusOK, auth.AuthResponse{User: *user, Token: token})
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	writeJSON(w, http.StatusOK, auth.AuthResponse{User: *user, Token: auth.TokenFromRequest(r)})
}

func handleLogout(w http.ResponseWriter, r *http.Request) {
	if tok := auth.TokenFromRequest(r); tok != "" {
		auth.Logout(tok)
	}
	http.SetCookie(w, &http.Cookie{Name: tokenCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}
