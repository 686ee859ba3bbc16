// Package auth はIdPの認可コードフローでプロバイダートークンを取得する。
// 取得したトークンはセッションマネージャーでの交換に1回だけ使い、永続化しない。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hitoshi/medlink/internal/model"
)

const (
	defaultAppleAuthURL  = "https://appleid.apple.com/auth/authorize"
	defaultAppleTokenURL = "https://appleid.apple.com/auth/token"
)

// ErrNoIDToken はトークンエンドポイントの応答にid_tokenが含まれなかったことを表す。
var ErrNoIDToken = errors.New("token response has no id_token")

// Provider はフェデレーテッドサインインのIdP。
type Provider interface {
	// Name はプロバイダー名を返す。
	Name() model.Provider
	// LoginURL は認可画面のURLを生成する。
	LoginURL(state string) string
	// ExchangeCode は認可コードをプロバイダートークン（id_token）に交換する。
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// ProviderConfig はOAuthプロバイダーの設定。
type ProviderConfig struct {
	Name         model.Provider
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// OAuthProvider はOAuth 2.0 / OpenID Connectの認可コードフローを実装する。
type OAuthProvider struct {
	name       model.Provider
	config     *oauth2.Config
	httpClient *http.Client
	authOpts   []oauth2.AuthCodeOption
}

// NewOAuthProvider はOAuthProviderを生成する。
// httpClientはトークンエンドポイントへのリクエストに使う。nilの場合はhttp.DefaultClient。
func NewOAuthProvider(cfg ProviderConfig, httpClient *http.Client) (*OAuthProvider, error) {
	if !cfg.Name.Valid() {
		return nil, fmt.Errorf("unsupported provider %q", cfg.Name)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%s: client id and secret are required", cfg.Name)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	endpoint := google.Endpoint
	scopes := []string{"openid", "email", "profile"}
	var authOpts []oauth2.AuthCodeOption
	if cfg.Name == model.ProviderApple {
		endpoint = oauth2.Endpoint{
			AuthURL:   defaultAppleAuthURL,
			TokenURL:  defaultAppleTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
		scopes = []string{"name", "email"}
		// Appleはスコープを要求する場合form_postでしかコールバックしない
		authOpts = append(authOpts, oauth2.SetAuthURLParam("response_mode", "form_post"))
	}
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if len(cfg.Scopes) > 0 {
		scopes = cfg.Scopes
	}

	return &OAuthProvider{
		name: cfg.Name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		httpClient: httpClient,
		authOpts:   authOpts,
	}, nil
}

// Name はプロバイダー名を返す。
func (p *OAuthProvider) Name() model.Provider {
	return p.name
}

// LoginURL は認可画面のURLを生成する。
func (p *OAuthProvider) LoginURL(state string) string {
	return p.config.AuthCodeURL(state, p.authOpts...)
}

// ExchangeCode は認可コードをトークンに交換し、id_tokenを返す。
func (p *OAuthProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", errors.New("authorization code is empty")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%s token exchange failed: %w", p.name, err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return "", fmt.Errorf("%s: %w", p.name, ErrNoIDToken)
	}
	return idToken, nil
}

// GenerateState はCSRF対策用のstateパラメータを生成する。
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ Provider = (*OAuthProvider)(nil)
