package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/medlink/internal/model"
)

const (
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerRequestID     = "X-Request-ID"
	headerUserAgent     = "User-Agent"
	contentTypeJSON     = "application/json"
	clientUserAgent     = "medlink-go/1.0"

	// maxResponseSize は応答ボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
)

// errMalformedResponse は2xx応答のボディが期待した形でないことを表す。
var errMalformedResponse = errors.New("malformed response body")

// apiRequest は1回のAPI呼び出しの記述。
type apiRequest struct {
	endpoint string // メトリクスとログ用のラベル
	method   string
	path     string
	query    url.Values
	body     any

	// protected はAuthorizerで資格情報を付与し、401でInvalidateを呼ぶかどうか。
	protected bool
	// bearer は明示的に付与するトークン。セッション検証中の /auth/me で使う。
	bearer string
}

// do はリクエストを実行し、2xxの応答ボディを返す。
// GETのみ一時的な失敗（429/5xx/トランスポートエラー）をバックオフ付きで再試行する。
// 変更系リクエストは再試行しない。
func (c *Client) do(ctx context.Context, r apiRequest) ([]byte, error) {
	reqURL := c.baseURL + r.path
	if len(r.query) > 0 {
		reqURL += "?" + r.query.Encode()
	}

	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	attempts := 1
	if r.method == http.MethodGet {
		attempts = c.maxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, calculateBackoff(c.retryBase, attempt-1)); err != nil {
				return nil, &model.NetworkFailure{Op: r.endpoint, Err: err}
			}
		}

		body, retryable, err := c.attempt(ctx, r, reqURL, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Debug("APIリクエストを再試行します",
			slog.String("endpoint", r.endpoint),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

// attempt はリクエストを1回送信する。戻り値のboolは再試行可能かどうか。
func (c *Client) attempt(ctx context.Context, r apiRequest, reqURL string, payload []byte) ([]byte, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, &model.NetworkFailure{Op: r.endpoint, Err: err}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)
	req.Header.Set(headerUserAgent, clientUserAgent)
	req.Header.Set(headerRequestID, uuid.NewString())
	if payload != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}
	if r.bearer != "" {
		req.Header.Set(headerAuthorization, "Bearer "+r.bearer)
	}
	if r.protected && c.authorizer != nil {
		c.authorizer.AttachCredential(req)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPIRequest(r.endpoint, 0, time.Since(start))
		c.logger.Warn("MedLink APIへの接続に失敗しました",
			slog.String("endpoint", r.endpoint),
			slog.String("request_id", req.Header.Get(headerRequestID)),
			slog.String("error", err.Error()),
		)
		// 呼び出し元のキャンセル・タイムアウトは再試行しない
		return nil, ctx.Err() == nil, &model.NetworkFailure{Op: r.endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.metrics.RecordAPIRequest(r.endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, ctx.Err() == nil, &model.NetworkFailure{Op: r.endpoint, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	class := classifyStatus(resp.StatusCode)
	if class == statusOK {
		return body, false, nil
	}

	message := c.sanitizer.SanitizeText(extractMessage(body))
	c.logger.Info("MedLink APIがエラーステータスを返しました",
		slog.String("endpoint", r.endpoint),
		slog.String("request_id", req.Header.Get(headerRequestID)),
		slog.Int("http_status", resp.StatusCode),
	)

	if resp.StatusCode == http.StatusUnauthorized && r.protected && c.authorizer != nil {
		// 応答を待っていたビューが破棄されていてもセッションは無効化する
		c.authorizer.Invalidate(context.WithoutCancel(ctx), r.endpoint+" returned 401")
	}

	return nil, class == statusRetry, &model.ServerRejected{StatusCode: resp.StatusCode, Message: message}
}

// extractMessage は {"message": "..."} 形式のエラー応答からメッセージを取り出す。
func extractMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return envelope.Error
}

// decode は2xx応答のボディをvにデコードする。失敗した場合はNetworkFailureを返す。
func decode(endpoint string, body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &model.NetworkFailure{Op: endpoint, Err: fmt.Errorf("%w: empty body", errMalformedResponse)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &model.NetworkFailure{Op: endpoint, Err: fmt.Errorf("%w: %v", errMalformedResponse, err)}
	}
	return nil
}

// malformed は検証に失敗した2xx応答のNetworkFailureを生成する。
func malformed(endpoint, reason string) error {
	return &model.NetworkFailure{Op: endpoint, Err: fmt.Errorf("%w: %s", errMalformedResponse, reason)}
}
