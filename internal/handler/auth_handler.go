package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/medlink/internal/auth"
	"github.com/hitoshi/medlink/internal/middleware"
	"github.com/hitoshi/medlink/internal/model"
)

const (
	oauthStateCookie = "medlink_oauth_state"
	authErrorParam   = "auth_error"
)

// ProviderLookup は設定済みIdPを名前で引く。
type ProviderLookup interface {
	Get(name model.Provider) (auth.Provider, bool)
}

// FederatedExchanger はプロバイダートークンをセッションに交換する。
type FederatedExchanger interface {
	ExchangeFederatedCredential(ctx context.Context, providerToken string, provider model.Provider) (model.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string // サインイン完了後のリダイレクト先（SPAのURL）
	CookieSecure bool
}

// AuthHandler はIdPの認可コードフローのHTTPハンドラー。
type AuthHandler struct {
	providers ProviderLookup
	exchanger FederatedExchanger
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(providers ProviderLookup, exchanger FederatedExchanger, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		providers: providers,
		exchanger: exchanger,
		config:    config,
	}
}

// Login はIdPの認可フローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, h.stateCookie(provider.Name(), state, 600))
	http.Redirect(w, r, provider.LoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はIdPからのコールバックを処理する。
// Appleはform_postのためPOST、GoogleはクエリパラメータでGETを受け付ける。
// GET|POST /auth/{provider}/callback
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}
	name := provider.Name()

	// 1. stateの検証
	state := r.FormValue("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("provider", string(name)))
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("invalid state parameter"))
		return
	}
	http.SetCookie(w, h.stateCookie(name, "", -1))

	// 2. IdP側でのキャンセル・エラー
	if idpErr := r.FormValue("error"); idpErr != "" {
		slog.Info("federated sign-in cancelled",
			slog.String("provider", string(name)),
			slog.String("reason", idpErr),
		)
		h.redirectWithError(w, r, model.ErrCodeAuthFailed)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("missing authorization code"))
		return
	}

	// 3. 認可コード → プロバイダートークン → セッション
	providerToken, err := provider.ExchangeCode(r.Context(), code)
	if err != nil {
		slog.Error("oauth code exchange failed",
			slog.String("provider", string(name)),
			slog.String("error", err.Error()),
		)
		h.redirectWithError(w, r, model.ErrCodeAuthFailed)
		return
	}

	if _, err := h.exchanger.ExchangeFederatedCredential(r.Context(), providerToken, name); err != nil {
		slog.Warn("federated credential exchange failed",
			slog.String("provider", string(name)),
			slog.String("error", err.Error()),
		)
		h.redirectWithError(w, r, errorCode(err))
		return
	}

	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

func (h *AuthHandler) provider(w http.ResponseWriter, r *http.Request) (auth.Provider, bool) {
	raw := chi.URLParam(r, "provider")
	name := model.Provider(raw)
	if !name.Valid() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError(raw))
		return nil, false
	}
	p, ok := h.providers.Get(name)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError(raw))
		return nil, false
	}
	return p, true
}

// stateCookie はstate用Cookieを生成する。
// Appleのform_postはクロスサイトPOSTのため、SameSite=None（Secure必須）にする。
func (h *AuthHandler) stateCookie(name model.Provider, value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/auth/" + string(name),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if name == model.ProviderApple {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func (h *AuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	target := h.config.BaseURL
	u, err := url.Parse(target)
	if err == nil {
		q := u.Query()
		q.Set(authErrorParam, code)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// errorCode はドメインエラーをリダイレクト用のエラーコードに変換する。
func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrBusy):
		return model.ErrCodeBusy
	case errors.Is(err, model.ErrNetworkFailure):
		return model.ErrCodeNetworkFailure
	default:
		return model.ErrCodeAuthFailed
	}
}
