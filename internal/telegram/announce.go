package telegram

import (
	"context"
	"fmt"

	"github.com/hitoshi/rafflebot/internal/model"
	"github.com/hitoshi/rafflebot/internal/presenter"
	"github.com/hitoshi/rafflebot/internal/raffle"
)

// MessageSender はsendMessageを呼び出せる送信元。
type MessageSender interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error)
}

// NewWinnerAnnouncer は当選発表をチャンネルに投稿するフックを返す。
// 抽選告知の投稿がある場合はその投稿への返信として発表する。
func NewWinnerAnnouncer(bot MessageSender, channel string, present *presenter.Presenter) raffle.DrawHook {
	return func(ctx context.Context, r model.Raffle, winners []model.Participant) error {
		req := SendMessageRequest{
			ChatID:    ChatTarget(channel),
			Text:      present.WinnerAnnouncement(r, winners),
			ParseMode: parseModeHTML,
		}
		if r.MessageID != 0 {
			req.ReplyParameters = &ReplyParameters{MessageID: r.MessageID}
		}
		if _, err := bot.SendMessage(ctx, req); err != nil {
			return fmt.Errorf("当選発表の投稿に失敗しました: %w", err)
		}
		return nil
	}
}
