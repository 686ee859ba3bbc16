// Package revalidate は保存済みセッションを定期的に再検証するワーカーを提供する。
package revalidate

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/medlink/internal/model"
)

// DefaultInterval は再検証間隔のデフォルト値。
const DefaultInterval = 15 * time.Minute

// SessionRestorer は保存済み資格情報でセッションを再検証する。
type SessionRestorer interface {
	RestoreSession(ctx context.Context) model.Session
	Snapshot() model.Session
}

// Revalidator は一定間隔でRestoreSessionを呼び、セッション状態の遷移を記録する。
// サーバー側でトークンが失効した場合、次の周期で資格情報が破棄される。
type Revalidator struct {
	sessions SessionRestorer
	logger   *slog.Logger
	interval time.Duration
}

// NewRevalidator はRevalidatorを生成する。intervalが0以下の場合はDefaultIntervalを使用する。
func NewRevalidator(sessions SessionRestorer, logger *slog.Logger, interval time.Duration) *Revalidator {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Revalidator{
		sessions: sessions,
		logger:   logger,
		interval: interval,
	}
}

// Start はコンテキストがキャンセルされるまで再検証を繰り返す。起動直後に1回実行する。
func (v *Revalidator) Start(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.logger.Info("セッション再検証を開始しました", slog.Duration("interval", v.interval))

	v.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			v.logger.Info("セッション再検証を停止しました")
			return
		case <-ticker.C:
			v.RunOnce(ctx)
		}
	}
}

// RunOnce は1回だけ再検証し、結果のセッションを返す。
func (v *Revalidator) RunOnce(ctx context.Context) model.Session {
	if ctx.Err() != nil {
		return v.sessions.Snapshot()
	}

	before := v.sessions.Snapshot()
	start := time.Now()
	after := v.sessions.RestoreSession(ctx)

	attrs := []any{
		slog.String("from", string(before.Status)),
		slog.String("to", string(after.Status)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	}
	switch {
	case before.Authenticated() && !after.Authenticated():
		v.logger.Warn("セッションが無効になりました", attrs...)
	case before.Status != after.Status:
		v.logger.Info("セッション状態が変化しました", attrs...)
	default:
		v.logger.Debug("セッションを再検証しました", attrs...)
	}
	return after
}
