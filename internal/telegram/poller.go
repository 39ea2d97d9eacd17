package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// UpdateSource は更新の取得元。
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Dispatcher は取得した更新の処理先。
type Dispatcher interface {
	Handle(ctx context.Context, upd Update)
}

// PollerConfig はPollerの設定。
type PollerConfig struct {
	Timeout         time.Duration // getUpdatesのロングポーリング時間
	CallbackWorkers int           // ボタン押下を並行処理する上限
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

// Poller はgetUpdatesのロングポーリングで更新を受信する。
//
// メッセージは受信順に1件ずつ処理し、運営者の入力順を保つ。
// ボタン押下は抽選の再確認に時間がかかるため、上限付きで並行処理する。
type Poller struct {
	source     UpdateSource
	dispatcher Dispatcher
	cfg        PollerConfig
	logger     *slog.Logger
}

// NewPoller はPollerの新しいインスタンスを生成する。
func NewPoller(source UpdateSource, dispatcher Dispatcher, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.CallbackWorkers < 1 {
		cfg.CallbackWorkers = 4
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Poller{
		source:     source,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run はctxが終了するまで更新を受信し続ける。
// 終了時は処理中の更新の完了を待ってから戻る。
func (p *Poller) Run(ctx context.Context) error {
	var callbacks errgroup.Group
	callbacks.SetLimit(p.cfg.CallbackWorkers)
	defer callbacks.Wait()

	p.logger.Info("ロングポーリングを開始しました",
		slog.Duration("timeout", p.cfg.Timeout),
	)

	var offset int64
	backoff := p.cfg.MinBackoff
	for {
		updates, err := p.source.GetUpdates(ctx, offset, p.cfg.Timeout)
		if ctx.Err() != nil {
			p.logger.Info("ロングポーリングを停止しました")
			return nil
		}
		if err != nil {
			wait := backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			p.logger.Warn("更新の取得に失敗しました",
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, wait) {
				p.logger.Info("ロングポーリングを停止しました")
				return nil
			}
			backoff = min(backoff*2, p.cfg.MaxBackoff)
			continue
		}
		backoff = p.cfg.MinBackoff

		for _, upd := range updates {
			offset = max(offset, upd.UpdateID+1)
			if upd.CallbackQuery != nil {
				callbacks.Go(func() error {
					p.dispatcher.Handle(ctx, upd)
					return nil
				})
				continue
			}
			p.dispatcher.Handle(ctx, upd)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
