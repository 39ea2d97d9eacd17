package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hitoshi/rafflebot/internal/model"
	"github.com/hitoshi/rafflebot/internal/presenter"
	"github.com/hitoshi/rafflebot/internal/raffle"
)

const parseModeHTML = "HTML"

// 更新の種類（メトリクス用）
const (
	UpdateKindCommand     = "command"
	UpdateKindMessage     = "message"
	UpdateKindParticipate = "participate"
	UpdateKindDraw        = "draw"
	UpdateKindCallback    = "callback"
	UpdateKindOther       = "other"
)

// RaffleService はUpdateHandlerが利用する抽選サービス。
type RaffleService interface {
	CreateRaffle(ctx context.Context, in raffle.CreateInput) (*model.Raffle, error)
	ListActive(ctx context.Context) ([]model.RaffleView, error)
	Enroll(ctx context.Context, raffleID string, identity model.Identity) (model.EnrollOutcome, error)
	Draw(ctx context.Context, raffleID string) ([]model.Participant, error)
}

// Sender はUpdateHandlerが利用するBot APIの送信系メソッド。
type Sender interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error)
	SendPhoto(ctx context.Context, req SendPhotoRequest) (*Message, error)
	EditMessageText(ctx context.Context, req EditMessageTextRequest) error
	AnswerCallbackQuery(ctx context.Context, req AnswerCallbackQueryRequest) error
	DeleteMessage(ctx context.Context, chat ChatTarget, messageID int64) error
}

// UpdateObserver は受信した更新の種類を受け取る。
type UpdateObserver interface {
	RecordTelegramUpdate(kind string)
}

// HandlerConfig はUpdateHandlerの設定。
type HandlerConfig struct {
	Channel    string
	MaxWinners int
	// IsAdmin が nil の場合は全ユーザーを運営者として扱う。
	IsAdmin func(userID int64) bool
}

// UpdateHandler は受信した更新をコマンドとボタン押下に振り分ける。
type UpdateHandler struct {
	bot      Sender
	raffles  RaffleService
	drafts   *DraftStore
	present  *presenter.Presenter
	cfg      HandlerConfig
	logger   *slog.Logger
	observer UpdateObserver
}

// NewUpdateHandler はUpdateHandlerの新しいインスタンスを生成する。
func NewUpdateHandler(
	bot Sender,
	raffles RaffleService,
	drafts *DraftStore,
	present *presenter.Presenter,
	cfg HandlerConfig,
	logger *slog.Logger,
) *UpdateHandler {
	return &UpdateHandler{
		bot:     bot,
		raffles: raffles,
		drafts:  drafts,
		present: present,
		cfg:     cfg,
		logger:  logger,
	}
}

// WithObserver は更新の通知先を設定する。
func (h *UpdateHandler) WithObserver(o UpdateObserver) *UpdateHandler {
	h.observer = o
	return h
}

// Handle は1件の更新を処理する。
func (h *UpdateHandler) Handle(ctx context.Context, upd Update) {
	switch {
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	default:
		h.record(UpdateKindOther)
	}
}

func (h *UpdateHandler) record(kind string) {
	if h.observer != nil {
		h.observer.RecordTelegramUpdate(kind)
	}
}

func (h *UpdateHandler) isAdmin(userID int64) bool {
	return h.cfg.IsAdmin == nil || h.cfg.IsAdmin(userID)
}

func (h *UpdateHandler) handleMessage(ctx context.Context, msg *Message) {
	if msg.From == nil || msg.From.IsBot {
		h.record(UpdateKindOther)
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	cmd := msg.Command()
	if cmd == "" {
		h.record(UpdateKindMessage)
		h.onDraftInput(ctx, userID, chatID, msg)
		return
	}
	h.record(UpdateKindCommand)

	switch cmd {
	case "start":
		h.reply(ctx, chatID, h.present.Welcome(), nil)
	case "cancel":
		if h.drafts.Reset(userID) {
			h.reply(ctx, chatID, h.present.Cancelled(), nil)
		} else {
			h.reply(ctx, chatID, h.present.NothingToCancel(), nil)
		}
	case "create_raffle":
		if !h.requireAdmin(ctx, userID, chatID) {
			return
		}
		h.drafts.Start(userID)
		h.reply(ctx, chatID, h.present.PromptText(), nil)
	case "skip":
		h.onSkip(ctx, userID, chatID)
	case "list_raffles":
		if !h.requireAdmin(ctx, userID, chatID) {
			return
		}
		h.cmdListRaffles(ctx, chatID)
	case "draw_winner":
		if !h.requireAdmin(ctx, userID, chatID) {
			return
		}
		h.cmdDrawWinner(ctx, chatID)
	}
}

func (h *UpdateHandler) requireAdmin(ctx context.Context, userID, chatID int64) bool {
	if h.isAdmin(userID) {
		return true
	}
	h.reply(ctx, chatID, h.present.NotAllowed(), nil)
	return false
}

func (h *UpdateHandler) cmdListRaffles(ctx context.Context, chatID int64) {
	views, err := h.raffles.ListActive(ctx)
	if err != nil {
		h.logger.Error("開催中の抽選の取得に失敗しました", slog.String("error", err.Error()))
		h.reply(ctx, chatID, h.present.Error(err), nil)
		return
	}
	h.reply(ctx, chatID, h.present.ActiveRaffles(views), nil)
}

func (h *UpdateHandler) cmdDrawWinner(ctx context.Context, chatID int64) {
	views, err := h.raffles.ListActive(ctx)
	if err != nil {
		h.logger.Error("開催中の抽選の取得に失敗しました", slog.String("error", err.Error()))
		h.reply(ctx, chatID, h.present.Error(err), nil)
		return
	}
	if len(views) == 0 {
		h.reply(ctx, chatID, h.present.ActiveRaffles(nil), nil)
		return
	}

	items := make([]DrawPickItem, len(views))
	for i, v := range views {
		items[i] = DrawPickItem{RaffleID: v.ID, Label: h.present.DrawButtonLabel(v)}
	}
	h.reply(ctx, chatID, h.present.DrawSelectionPrompt(), DrawPickKeyboard(items))
}

func (h *UpdateHandler) onSkip(ctx context.Context, userID, chatID int64) {
	_, err := h.drafts.Update(userID, func(d *Draft) error {
		return d.SetPhoto("")
	})
	switch {
	case err == nil:
		h.reply(ctx, chatID, h.present.PromptWinners(h.cfg.MaxWinners), nil)
	case errors.Is(err, ErrNoDraft):
		h.reply(ctx, chatID, h.present.NothingToCancel(), nil)
	default:
		h.promptCurrentStep(ctx, userID, chatID)
	}
}

// onDraftInput は作成中の下書きの段階に応じて入力を取り込む。
// 不正な入力では段階を進めずに再入力を求める。
func (h *UpdateHandler) onDraftInput(ctx context.Context, userID, chatID int64, msg *Message) {
	current, ok := h.drafts.Get(userID)
	if !ok {
		return
	}

	var invalid string
	next, err := h.drafts.Update(userID, func(d *Draft) error {
		switch current.Step {
		case StepText:
			invalid = h.present.InvalidText()
			return d.SetText(msg.Text)
		case StepPhoto:
			invalid = h.present.PromptPhoto()
			photo := msg.LargestPhoto()
			if photo == "" {
				return ErrInvalidDraftInput
			}
			return d.SetPhoto(photo)
		case StepWinners:
			invalid = h.present.InvalidWinners(h.cfg.MaxWinners)
			n, err := strconv.Atoi(strings.TrimSpace(msg.Text))
			if err != nil {
				return ErrInvalidDraftInput
			}
			return d.SetWinners(n, h.cfg.MaxWinners)
		case StepEndDate:
			invalid = h.present.InvalidEndDate()
			t, err := h.present.ParseEndDate(msg.Text)
			if err != nil {
				return ErrInvalidDraftInput
			}
			return d.SetEndDate(t)
		default:
			return ErrWrongStep
		}
	})
	if err != nil {
		if errors.Is(err, ErrInvalidDraftInput) {
			h.reply(ctx, chatID, invalid, nil)
		}
		return
	}

	switch next.Step {
	case StepPhoto:
		h.reply(ctx, chatID, h.present.PromptPhoto(), nil)
	case StepWinners:
		h.reply(ctx, chatID, h.present.PromptWinners(h.cfg.MaxWinners), nil)
	case StepEndDate:
		h.reply(ctx, chatID, h.present.PromptEndDate(), nil)
	case StepDone:
		h.drafts.Reset(userID)
		h.publish(ctx, chatID, next)
	}
}

func (h *UpdateHandler) promptCurrentStep(ctx context.Context, userID, chatID int64) {
	d, ok := h.drafts.Get(userID)
	if !ok {
		return
	}
	switch d.Step {
	case StepText:
		h.reply(ctx, chatID, h.present.PromptText(), nil)
	case StepPhoto:
		h.reply(ctx, chatID, h.present.PromptPhoto(), nil)
	case StepWinners:
		h.reply(ctx, chatID, h.present.PromptWinners(h.cfg.MaxWinners), nil)
	case StepEndDate:
		h.reply(ctx, chatID, h.present.PromptEndDate(), nil)
	}
}

// publish は抽選告知をチャンネルに投稿し、投稿のメッセージIDで抽選を作成する。
// 抽選の作成に失敗した場合は投稿を削除する。
func (h *UpdateHandler) publish(ctx context.Context, chatID int64, d Draft) {
	channel := ChatTarget(h.cfg.Channel)
	body := h.present.RafflePost(d.Text, d.EndDate)
	keyboard := ParticipateKeyboard(h.present.ParticipateButton())

	var (
		post *Message
		err  error
	)
	if d.PhotoRef != "" {
		post, err = h.bot.SendPhoto(ctx, SendPhotoRequest{
			ChatID:      channel,
			Photo:       d.PhotoRef,
			Caption:     body,
			ParseMode:   parseModeHTML,
			ReplyMarkup: keyboard,
		})
	} else {
		post, err = h.bot.SendMessage(ctx, SendMessageRequest{
			ChatID:      channel,
			Text:        body,
			ParseMode:   parseModeHTML,
			ReplyMarkup: keyboard,
		})
	}
	if err != nil {
		h.logger.Error("抽選告知の投稿に失敗しました",
			slog.String("channel", h.cfg.Channel),
			slog.String("error", err.Error()),
		)
		h.reply(ctx, chatID, h.present.PublishFailed(), nil)
		return
	}

	r, err := h.raffles.CreateRaffle(ctx, raffle.CreateInput{
		Text:         d.Text,
		PhotoRef:     d.PhotoRef,
		WinnersCount: d.WinnersCount,
		EndDate:      d.EndDate,
		MessageID:    post.MessageID,
	})
	if err != nil {
		h.logger.Error("抽選の作成に失敗したため投稿を削除します",
			slog.Int64("message_id", post.MessageID),
			slog.String("error", err.Error()),
		)
		if delErr := h.bot.DeleteMessage(context.WithoutCancel(ctx), channel, post.MessageID); delErr != nil {
			h.logger.Warn("抽選告知の削除に失敗しました",
				slog.Int64("message_id", post.MessageID),
				slog.String("error", delErr.Error()),
			)
		}
		h.reply(ctx, chatID, h.present.Error(err), nil)
		return
	}

	h.reply(ctx, chatID, h.present.RaffleCreated(r), nil)
}

func (h *UpdateHandler) handleCallback(ctx context.Context, cq *CallbackQuery) {
	switch {
	case cq.Data == CallbackParticipate:
		h.record(UpdateKindParticipate)
		h.onParticipate(ctx, cq)
	case strings.HasPrefix(cq.Data, callbackDrawPrefix):
		h.record(UpdateKindDraw)
		h.onDraw(ctx, cq)
	default:
		h.record(UpdateKindCallback)
		h.answer(ctx, cq.ID, "", false)
	}
}

// onParticipate は参加ボタンの押下を処理する。抽選IDは告知メッセージのIDと一致する。
func (h *UpdateHandler) onParticipate(ctx context.Context, cq *CallbackQuery) {
	if cq.Message == nil {
		h.answer(ctx, cq.ID, "", false)
		return
	}
	raffleID := strconv.FormatInt(cq.Message.MessageID, 10)
	identity := model.Identity{
		UserID:    cq.From.ID,
		Username:  cq.From.Username,
		FirstName: cq.From.FirstName,
		LastName:  cq.From.LastName,
	}

	outcome, err := h.raffles.Enroll(ctx, raffleID, identity)
	if err != nil {
		if !isExpected(err) {
			h.logger.Error("参加登録に失敗しました",
				slog.String("raffle_id", raffleID),
				slog.Int64("user_id", identity.UserID),
				slog.String("error", err.Error()),
			)
		}
		h.answer(ctx, cq.ID, h.present.PlainError(err), true)
		return
	}
	h.answer(ctx, cq.ID, h.present.EnrollOutcome(outcome), true)
}

func (h *UpdateHandler) onDraw(ctx context.Context, cq *CallbackQuery) {
	if !h.isAdmin(cq.From.ID) {
		h.answer(ctx, cq.ID, h.present.NotAllowed(), true)
		return
	}
	raffleID, ok := ParseDrawCallback(cq.Data)
	if !ok || cq.Message == nil {
		h.answer(ctx, cq.ID, "", false)
		return
	}
	h.answer(ctx, cq.ID, "", false)

	winners, err := h.raffles.Draw(ctx, raffleID)
	text := ""
	if err != nil {
		if !isExpected(err) {
			h.logger.Error("抽選の実行に失敗しました",
				slog.String("raffle_id", raffleID),
				slog.String("error", err.Error()),
			)
		}
		text = h.present.Error(err)
	} else {
		text = h.present.DrawCompleted(winners)
	}

	if err := h.bot.EditMessageText(context.WithoutCancel(ctx), EditMessageTextRequest{
		ChatID:    ChatID(cq.Message.Chat.ID),
		MessageID: cq.Message.MessageID,
		Text:      text,
		ParseMode: parseModeHTML,
	}); err != nil {
		h.logger.Warn("抽選結果の表示に失敗しました",
			slog.String("raffle_id", raffleID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *UpdateHandler) reply(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) {
	if _, err := h.bot.SendMessage(ctx, SendMessageRequest{
		ChatID:      ChatID(chatID),
		Text:        text,
		ParseMode:   parseModeHTML,
		ReplyMarkup: markup,
	}); err != nil {
		h.logger.Warn("メッセージの送信に失敗しました",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *UpdateHandler) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := h.bot.AnswerCallbackQuery(ctx, AnswerCallbackQueryRequest{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       alert && text != "",
	}); err != nil {
		h.logger.Warn("コールバックへの応答に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// isExpected は業務上想定されたエラー（APIError）かどうかを返す。
func isExpected(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr)
}
