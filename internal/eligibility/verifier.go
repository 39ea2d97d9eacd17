// Package eligibility はチャンネル参加状況の確認を提供する。
// 確認先はTelegramのgetChatMemberで、呼び出しは共有のレートリミッターとタイムアウトで制限する。
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/rafflebot/internal/model"
	"github.com/hitoshi/rafflebot/internal/telegram"
)

// 確認結果のラベル（メトリクス用）
const (
	ResultMember    = "member"
	ResultNotMember = "not_member"
	ResultError     = "error"
)

// ChatMemberGetter はチャットメンバー情報の取得元。
type ChatMemberGetter interface {
	GetChatMember(ctx context.Context, chat telegram.ChatTarget, userID int64) (*telegram.ChatMember, error)
}

// Observer は確認結果と所要時間を受け取る。
type Observer interface {
	ObserveEligibilityCheck(result string, elapsed time.Duration)
}

// Config はChannelVerifierの設定。
type Config struct {
	Timeout    time.Duration // 1回の確認の上限時間（レート待ちを含む）
	RatePerSec float64       // 0以下の場合は無制限
}

// ChannelVerifier はチャンネルのメンバーかどうかを確認する。
type ChannelVerifier struct {
	client   ChatMemberGetter
	channel  telegram.ChatTarget
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

// NewChannelVerifier はChannelVerifierを生成する。
// channelは"@channel"形式のユーザー名または数値のチャットID。
func NewChannelVerifier(client ChatMemberGetter, channel string, cfg Config, logger *slog.Logger) *ChannelVerifier {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = max(1, int(cfg.RatePerSec))
	}
	return &ChannelVerifier{
		client:  client,
		channel: telegram.ChatTarget(channel),
		limiter: rate.NewLimiter(limit, burst),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// WithObserver は確認結果の通知先を設定する。
func (v *ChannelVerifier) WithObserver(o Observer) *ChannelVerifier {
	v.observer = o
	return v
}

// CheckMembership はユーザーがチャンネルの現メンバーかを確認する。
// API呼び出しの失敗やタイムアウトはエラーとして返し、NotMemberとは区別する。
func (v *ChannelVerifier) CheckMembership(ctx context.Context, userID int64) (model.Membership, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	start := time.Now()
	membership, err := v.check(ctx, userID)
	elapsed := time.Since(start)

	result := string(membership)
	if err != nil {
		result = ResultError
		v.logger.Warn("チャンネル参加状況の確認に失敗しました",
			slog.Int64("user_id", userID),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	}
	if v.observer != nil {
		v.observer.ObserveEligibilityCheck(result, elapsed)
	}
	return membership, err
}

func (v *ChannelVerifier) check(ctx context.Context, userID int64) (model.Membership, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("レート制限の待機中に中断されました: %w", err)
	}

	member, err := v.client.GetChatMember(ctx, v.channel, userID)
	if err != nil {
		return "", fmt.Errorf("getChatMemberの呼び出しに失敗しました: %w", err)
	}
	return MembershipFromStatus(member), nil
}

// MembershipFromStatus はgetChatMemberの結果を参加状態に変換する。
// creator・administrator・memberは参加中、制限付きメンバーはis_memberが真の場合のみ参加中とみなす。
func MembershipFromStatus(m *telegram.ChatMember) model.Membership {
	if m == nil {
		return model.MembershipNotMember
	}
	switch m.Status {
	case telegram.MemberStatusCreator, telegram.MemberStatusAdministrator, telegram.MemberStatusMember:
		return model.MembershipMember
	case telegram.MemberStatusRestricted:
		if m.IsMember {
			return model.MembershipMember
		}
	}
	return model.MembershipNotMember
}
