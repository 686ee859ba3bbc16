package apiclient

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/medlink/internal/model"
)

type usersResponse struct {
	Users *[]wireUser `json:"users"`
}

type connectionsResponse struct {
	Connections *[]wireRef `json:"connections"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// ListUsers は接続候補のユーザー一覧を返す。IDの無いエントリは除外する。
func (c *Client) ListUsers(ctx context.Context) ([]model.Profile, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "users_list",
		method:    http.MethodGet,
		path:      "/users",
		protected: true,
	})
	if err != nil {
		return nil, err
	}

	var resp usersResponse
	if err := decode("users_list", body, &resp); err != nil {
		return nil, err
	}
	if resp.Users == nil {
		return nil, malformed("users_list", "users is missing")
	}

	profiles := make([]model.Profile, 0, len(*resp.Users))
	skipped := 0
	for _, u := range *resp.Users {
		p, ok := c.toProfile(u)
		if !ok {
			skipped++
			continue
		}
		profiles = append(profiles, p)
	}
	if skipped > 0 {
		c.logger.Warn("IDの無いユーザーを除外しました", slog.Int("skipped", skipped))
	}
	return profiles, nil
}

// ListConnections は現在のユーザーの接続先IDの一覧を返す。
func (c *Client) ListConnections(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "users_connections",
		method:    http.MethodGet,
		path:      "/users/connections",
		protected: true,
	})
	if err != nil {
		return nil, err
	}

	var resp connectionsResponse
	if err := decode("users_connections", body, &resp); err != nil {
		return nil, err
	}
	if resp.Connections == nil {
		return nil, malformed("users_connections", "connections is missing")
	}

	ids := make([]string, 0, len(*resp.Connections))
	for _, ref := range *resp.Connections {
		if ref.ID != "" {
			ids = append(ids, ref.ID)
		}
	}
	return ids, nil
}

// Connect はユーザーに接続する。サーバーのメッセージを返す。
func (c *Client) Connect(ctx context.Context, userID string) (string, error) {
	return c.postMessage(ctx, "users_connect", "/users/"+url.PathEscape(userID)+"/connect")
}

// Unconnect はユーザーとの接続を解除する。サーバーのメッセージを返す。
func (c *Client) Unconnect(ctx context.Context, userID string) (string, error) {
	return c.postMessage(ctx, "users_unconnect", "/users/"+url.PathEscape(userID)+"/unconnect")
}

func (c *Client) postMessage(ctx context.Context, endpoint, path string) (string, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  endpoint,
		method:    http.MethodPost,
		path:      path,
		protected: true,
	})
	if err != nil {
		return "", err
	}

	var resp messageResponse
	if err := decode(endpoint, body, &resp); err != nil {
		return "", err
	}
	return c.sanitizer.SanitizeText(resp.Message), nil
}
