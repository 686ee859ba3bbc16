package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hitoshi/medlink/internal/model"
)

func newTestProvider(t *testing.T, name model.Provider, tokenURL string) *OAuthProvider {
	t.Helper()
	p, err := NewOAuthProvider(ProviderConfig{
		Name:         name,
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/" + string(name) + "/callback",
		TokenURL:     tokenURL,
	}, nil)
	if err != nil {
		t.Fatalf("NewOAuthProvider() error = %v", err)
	}
	return p
}

func TestOAuthProvider_LoginURL_Google(t *testing.T) {
	p := newTestProvider(t, model.ProviderGoogle, "")

	u, err := url.Parse(p.LoginURL("test-state-value"))
	if err != nil {
		t.Fatalf("LoginURL is not a valid URL: %v", err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q, want accounts.google.com", u.Host)
	}

	q := u.Query()
	tests := []struct {
		key  string
		want string
	}{
		{"client_id", "test-client-id"},
		{"redirect_uri", "http://localhost:8080/auth/google/callback"},
		{"state", "test-state-value"},
		{"response_type", "code"},
		{"scope", "openid email profile"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := q.Get(tt.key); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestOAuthProvider_LoginURL_Apple(t *testing.T) {
	p := newTestProvider(t, model.ProviderApple, "")

	u, err := url.Parse(p.LoginURL("s"))
	if err != nil {
		t.Fatalf("LoginURL is not a valid URL: %v", err)
	}
	if u.Host != "appleid.apple.com" {
		t.Errorf("host = %q, want appleid.apple.com", u.Host)
	}
	if got := u.Query().Get("response_mode"); got != "form_post" {
		t.Errorf("response_mode = %q, want form_post", got)
	}
	if got := u.Query().Get("scope"); got != "name email" {
		t.Errorf("scope = %q, want %q", got, "name email")
	}
}

func TestOAuthProvider_ExchangeCode_ReturnsIDToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.Form.Get("code"); got != "test-auth-code" {
			t.Errorf("code = %q, want test-auth-code", got)
		}
		if got := r.Form.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     "header.payload.signature",
		})
	}))
	defer tokenServer.Close()

	p := newTestProvider(t, model.ProviderGoogle, tokenServer.URL)

	idToken, err := p.ExchangeCode(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if idToken != "header.payload.signature" {
		t.Errorf("idToken = %q, want header.payload.signature", idToken)
	}
}

func TestOAuthProvider_ExchangeCode_MissingIDToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
		})
	}))
	defer tokenServer.Close()

	p := newTestProvider(t, model.ProviderApple, tokenServer.URL)

	_, err := p.ExchangeCode(context.Background(), "code")
	if !errors.Is(err, ErrNoIDToken) {
		t.Errorf("error = %v, want ErrNoIDToken", err)
	}
}

func TestOAuthProvider_ExchangeCode_TokenError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "invalid_grant",
			"error_description": "Code was already redeemed.",
		})
	}))
	defer tokenServer.Close()

	p := newTestProvider(t, model.ProviderGoogle, tokenServer.URL)

	if _, err := p.ExchangeCode(context.Background(), "invalid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode with invalid code")
	}
}

func TestOAuthProvider_ExchangeCode_EmptyCode(t *testing.T) {
	p := newTestProvider(t, model.ProviderGoogle, "http://127.0.0.1:1/token")
	if _, err := p.ExchangeCode(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestNewOAuthProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProviderConfig
	}{
		{"unknown provider", ProviderConfig{Name: "github", ClientID: "id", ClientSecret: "secret"}},
		{"missing client id", ProviderConfig{Name: model.ProviderGoogle, ClientSecret: "secret"}},
		{"missing secret", ProviderConfig{Name: model.ProviderApple, ClientID: "id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOAuthProvider(tt.cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	google := newTestProvider(t, model.ProviderGoogle, "")
	apple := newTestProvider(t, model.ProviderApple, "")
	r := NewRegistry(google, apple)

	if p, ok := r.Get(model.ProviderGoogle); !ok || p != google {
		t.Error("Get(google) should return the google provider")
	}
	if _, ok := r.Get("github"); ok {
		t.Error("Get(github) should not be found")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != model.ProviderApple || names[1] != model.ProviderGoogle {
		t.Errorf("Names() = %v, want [apple google]", names)
	}

	if len(NewRegistry().Names()) != 0 {
		t.Error("empty registry should have no names")
	}
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error = %v", err)
	}
	b, _ := GenerateState()
	if len(a) != 64 {
		t.Errorf("len(state) = %d, want 64", len(a))
	}
	if a == b {
		t.Error("states should be unique")
	}
}
