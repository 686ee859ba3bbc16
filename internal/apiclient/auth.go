package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/medlink/internal/model"
)

type tokenResponse struct {
	Token string `json:"token"`
}

type meResponse struct {
	Success *bool     `json:"success"`
	User    *wireUser `json:"user"`
}

// Login はメールアドレスとパスワードでサインインし、ベアラートークンを返す。
// 2xx以外はAuthErrorになる。
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint: "auth_login",
		method:   http.MethodPost,
		path:     "/auth/login",
		body: map[string]string{
			"email":    email,
			"password": password,
		},
	})
	if err != nil {
		return "", asAuthError(err)
	}
	return c.decodeToken("auth_login", body)
}

// FederatedLogin はIdPのトークンをバックエンドのベアラートークンに交換する。
// providerTokenは1回だけ送信され、保持されない。
func (c *Client) FederatedLogin(ctx context.Context, providerToken string, provider model.Provider) (string, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint: "auth_federated_login",
		method:   http.MethodPost,
		path:     "/auth/federated-login",
		body: map[string]string{
			"token":    providerToken,
			"provider": string(provider),
		},
	})
	if err != nil {
		return "", asAuthError(err)
	}
	return c.decodeToken("auth_federated_login", body)
}

func (c *Client) decodeToken(endpoint string, body []byte) (string, error) {
	var resp tokenResponse
	if err := decode(endpoint, body, &resp); err != nil {
		return "", err
	}
	token := strings.TrimSpace(resp.Token)
	if token == "" {
		return "", malformed(endpoint, "token is missing")
	}
	return token, nil
}

// Me はtokenで「who am I」を問い合わせ、検証済みのIdentityを返す。
// 2xx以外はServerRejected、不正な応答はNetworkFailureになる。
func (c *Client) Me(ctx context.Context, token string) (*model.Identity, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint: "auth_me",
		method:   http.MethodGet,
		path:     "/auth/me",
		bearer:   token,
	})
	if err != nil {
		return nil, err
	}

	var resp meResponse
	if err := decode("auth_me", body, &resp); err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		return nil, malformed("auth_me", "success is false")
	}
	if resp.User == nil {
		return nil, malformed("auth_me", "user is missing")
	}
	identity, ok := c.toIdentity(*resp.User)
	if !ok {
		return nil, malformed("auth_me", "user has no id or an unknown role")
	}
	return identity, nil
}

// VerifyEmail はメール認証トークンを検証する。2xxであればステータスコードに関わらず成功とする。
func (c *Client) VerifyEmail(ctx context.Context, token string) error {
	_, err := c.do(ctx, apiRequest{
		endpoint: "auth_verify_email",
		method:   http.MethodGet,
		path:     "/auth/verify-email",
		query:    url.Values{"token": []string{token}},
	})
	return err
}

// asAuthError はサインイン系エンドポイントの拒否応答をAuthErrorに変換する。
// トランスポートエラーはNetworkFailureのまま返す。
func asAuthError(err error) error {
	var rejected *model.ServerRejected
	if errors.As(err, &rejected) {
		return model.NewAuthError(rejected.StatusCode, rejected.Message)
	}
	return err
}
