package mock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"onbehalf/internal/identity"
	"onbehalf/pkg/oauth"
)

// IDPConfig configures the mock identity provider.
type IDPConfig struct {
	// ClientID and ClientSecret are the confidential client credentials
	// the server expects on exchange requests.
	ClientID     string
	ClientSecret string

	// TokenLifetime is the expires_in the server advertises.
	TokenLifetime time.Duration

	// SimulateErrors configures failure injection.
	SimulateErrors *IDPErrorSimulation
}

// IDPErrorSimulation injects failures into the token endpoint.
type IDPErrorSimulation struct {
	// TokenEndpointError returns this OAuth error code from /token
	// (e.g. "invalid_grant", "unauthorized_client", "invalid_target").
	TokenEndpointError string

	// ServerErrors makes the next N requests return HTTP 500.
	ServerErrors int

	// OmitAzp leaves the azp claim off issued tokens, simulating a
	// pass-through IDP that never performed the exchange.
	OmitAzp bool

	// WrongAudience issues tokens for this audience instead of the
	// requested one, when non-empty.
	WrongAudience string
}

// IDPServer is a mock RFC 8693 token exchange endpoint backed by
// httptest. It mints alg:none tokens whose sub is copied from the
// subject token and whose azp is the server's client id, the way a real
// IDP stamps the exchanging client.
type IDPServer struct {
	config IDPConfig
	server *httptest.Server

	mu            sync.Mutex
	exchangeCalls int
}

// NewIDPServer starts a mock IDP on an ephemeral port.
func NewIDPServer(config IDPConfig) *IDPServer {
	if config.TokenLifetime == 0 {
		config.TokenLifetime = 5 * time.Minute
	}
	idp := &IDPServer{config: config}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", idp.handleToken)
	idp.server = httptest.NewServer(mux)
	return idp
}

// TokenEndpoint returns the URL of the /token endpoint.
func (s *IDPServer) TokenEndpoint() string {
	return s.server.URL + "/token"
}

// ExchangeCalls returns how many exchange requests reached the server.
// Tests use this to assert de-duplication and cache behavior.
func (s *IDPServer) ExchangeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeCalls
}

// Close shuts the server down.
func (s *IDPServer) Close() {
	s.server.Close()
}

func (s *IDPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.exchangeCalls++
	sim := s.config.SimulateErrors
	serverError := false
	if sim != nil && sim.ServerErrors > 0 {
		sim.ServerErrors--
		serverError = true
	}
	s.mu.Unlock()

	if serverError {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
		return
	}

	if r.Method != http.MethodPost {
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	if sim != nil && sim.TokenEndpointError != "" {
		writeOAuthError(w, http.StatusBadRequest, sim.TokenEndpointError, "simulated error")
		return
	}

	if r.PostFormValue("grant_type") != oauth.GrantTypeTokenExchange {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "expected token-exchange grant")
		return
	}
	if r.PostFormValue("client_id") != s.config.ClientID ||
		r.PostFormValue("client_secret") != s.config.ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "unauthorized_client", "bad client credentials")
		return
	}

	subjectToken := r.PostFormValue("subject_token")
	if subjectToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "subject_token required")
		return
	}
	subjectClaims, err := identity.ParseClaims(subjectToken)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "subject token is not a JWT")
		return
	}

	audience := r.PostFormValue("audience")
	if audience == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_target", "audience required")
		return
	}
	if sim != nil && sim.WrongAudience != "" {
		audience = sim.WrongAudience
	}

	now := time.Now()
	claims := map[string]interface{}{
		"iss": s.server.URL,
		"sub": identity.StringClaim(subjectClaims, identity.ClaimSubject),
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(s.config.TokenLifetime).Unix(),
	}
	if !(sim != nil && sim.OmitAzp) {
		claims["azp"] = s.config.ClientID
	}
	// Claims the SQL engines consume propagate through the exchange.
	for _, name := range []string{"legacy_name", "roles", "scope"} {
		if value, ok := subjectClaims[name]; ok {
			claims[name] = value
		}
	}

	response := map[string]interface{}{
		"access_token":      MintToken(claims),
		"issued_token_type": oauth.TokenTypeAccessToken,
		"token_type":        "Bearer",
		"expires_in":        int(s.config.TokenLifetime.Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauth.ErrorResponse{
		Code:        code,
		Description: description,
	})
}
