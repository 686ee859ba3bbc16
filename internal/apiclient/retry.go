package apiclient

import (
	"context"
	"net/http"
	"time"
)

// statusClass はHTTPステータスコードに基づく応答の分類。
type statusClass int

const (
	// statusOK は2xx。
	statusOK statusClass = iota
	// statusRetry は再試行で回復しうるステータス（429/5xx）。
	statusRetry
	// statusReject は再試行しても変わらないステータス（4xxなど）。
	statusReject
)

// maxRetryDelay はリトライ間隔の上限。
const maxRetryDelay = 2 * time.Second

// classifyStatus はHTTPステータスコードを分類する。
func classifyStatus(statusCode int) statusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return statusOK
	case statusCode == http.StatusTooManyRequests:
		return statusRetry
	case statusCode >= 500:
		return statusRetry
	default:
		return statusReject
	}
}

// calculateBackoff は失敗回数に基づく指数バックオフ遅延を計算する。
// base から2倍ずつ増加し、maxRetryDelayで頭打ちになる。
func calculateBackoff(base time.Duration, failures int) time.Duration {
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// sleepContext はdだけ待機する。ctxが先に終了した場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
