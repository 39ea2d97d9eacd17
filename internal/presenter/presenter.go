// Package presenter は抽選の情報をTelegramのHTML形式のメッセージに変換する。
// 読み取り専用のビューだけを受け取り、抽選の状態は変更しない。
package presenter

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/hitoshi/rafflebot/internal/model"
)

// EndDateLayout は終了予定日時の入力・表示形式。
const EndDateLayout = "2006-01-02 15:04"

const (
	listTextLimit         = 50
	announcementTextLimit = 100
	buttonTextLimit       = 30
)

// Presenter はユーザー向けメッセージを生成する。
type Presenter struct {
	channel  string
	loc      *time.Location
	sanitize *sanitizer
}

// New はPresenterを生成する。locがnilの場合はUTCで表示する。
func New(channel string, loc *time.Location) *Presenter {
	if loc == nil {
		loc = time.UTC
	}
	return &Presenter{
		channel:  channel,
		loc:      loc,
		sanitize: newSanitizer(),
	}
}

// Location は日時の表示に使うタイムゾーンを返す。
func (p *Presenter) Location() *time.Location {
	return p.loc
}

// Truncate はsをmaxRunes文字に切り詰め、切り詰めた場合は末尾に"..."を付ける。
func Truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

// FormatEndDate は終了予定日時を表示形式に変換する。ゼロ値は"未定"。
func (p *Presenter) FormatEndDate(t time.Time) string {
	if t.IsZero() {
		return "未定"
	}
	return t.In(p.loc).Format(EndDateLayout)
}

// ParseEndDate は運営者が入力した終了予定日時を解釈する。
func (p *Presenter) ParseEndDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(EndDateLayout, strings.TrimSpace(s), p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("終了日時の形式が正しくありません: %w", err)
	}
	return t, nil
}

// RafflePost はチャンネルに投稿する抽選告知の本文を返す。
func (p *Presenter) RafflePost(text string, endDate time.Time) string {
	return fmt.Sprintf("%s\n\n抽選終了予定: %s", p.sanitize.Post(text), html.EscapeString(p.FormatEndDate(endDate)))
}

// ParticipateButton は参加ボタンの表示文字列を返す。
func (p *Presenter) ParticipateButton() string {
	return "参加する"
}

// Welcome は/startへの応答を返す。
func (p *Presenter) Welcome() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%sで抽選を行うボットです。\n", html.EscapeString(p.channel))
	b.WriteString("/create_raffle で新しい抽選を作成します。\n")
	b.WriteString("/list_raffles で開催中の抽選を表示します。\n")
	b.WriteString("/draw_winner で抽選を実行します。")
	return b.String()
}

// ActiveRaffles は開催中の抽選一覧を返す。
func (p *Presenter) ActiveRaffles(views []model.RaffleView) string {
	if len(views) == 0 {
		return "現在開催中の抽選はありません。"
	}

	var b strings.Builder
	b.WriteString("<b>開催中の抽選</b>\n")
	for _, v := range views {
		b.WriteString("\n")
		fmt.Fprintf(&b, "ID: <code>%s</code>\n", html.EscapeString(v.ID))
		fmt.Fprintf(&b, "内容: %s\n", p.summary(v.Text, listTextLimit))
		fmt.Fprintf(&b, "終了予定: %s\n", html.EscapeString(p.FormatEndDate(v.EndDate)))
		fmt.Fprintf(&b, "当選者数: %d\n", v.WinnersCount)
		fmt.Fprintf(&b, "参加者: %d人\n", v.ParticipantCount)
	}
	return b.String()
}

// DrawSelectionPrompt は抽選実行の対象を選ばせるメッセージを返す。
func (p *Presenter) DrawSelectionPrompt() string {
	return "抽選を実行する抽選を選んでください。"
}

// DrawButtonLabel は抽選実行ボタンの表示文字列を返す。
// ボタンはHTMLとして解釈されないためエスケープしない。
func (p *Presenter) DrawButtonLabel(v model.RaffleView) string {
	return fmt.Sprintf("%s（参加者 %d人）", Truncate(p.sanitize.Plain(v.Text), buttonTextLimit), v.ParticipantCount)
}

// WinnerAnnouncement はチャンネルに投稿する当選発表を返す。
func (p *Presenter) WinnerAnnouncement(r model.Raffle, winners []model.Participant) string {
	var b strings.Builder
	b.WriteString("🎉 <b>当選者が決まりました！</b> 🎉\n\n")
	fmt.Fprintf(&b, "抽選: %s\n\n", p.summary(r.Text, announcementTextLimit))

	if len(winners) == 1 {
		fmt.Fprintf(&b, "当選者: %s", winnerName(winners[0]))
		return b.String()
	}
	b.WriteString("当選者:\n")
	for i, w := range winners {
		fmt.Fprintf(&b, "%d. %s\n", i+1, winnerName(w))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// DrawCompleted は抽選を実行した運営者への応答を返す。
func (p *Presenter) DrawCompleted(winners []model.Participant) string {
	return fmt.Sprintf("%d名の当選者を決定しました。チャンネルで発表します。", len(winners))
}

// EnrollOutcome は参加登録の結果を返す。
// コールバックの通知に使うためエスケープしない。
func (p *Presenter) EnrollOutcome(o model.EnrollOutcome) string {
	switch o {
	case model.EnrollOutcomeEnrolled:
		return "抽選への参加を受け付けました！"
	case model.EnrollOutcomeAlreadyEnrolled:
		return "この抽選には既に参加しています。"
	case model.EnrollOutcomeNotEligible:
		return fmt.Sprintf("抽選に参加するには%sへの参加が必要です。", p.channel)
	default:
		return "参加状況を確認できませんでした。"
	}
}

// Error はエラーをユーザー向けのメッセージに変換する。
// 戻り値はエスケープ済み。
func (p *Presenter) Error(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return html.EscapeString(apiErr.Message)
	}
	if model.IsStorageError(err) {
		return "一時的なエラーが発生しました。しばらく待ってから再度お試しください。"
	}
	return "エラーが発生しました。しばらく待ってから再度お試しください。"
}

// PlainError はエラーをエスケープしないメッセージに変換する。
// コールバックの通知などHTMLを解釈しない場所で使う。
func (p *Presenter) PlainError(err error) string {
	return html.UnescapeString(p.Error(err))
}

// 抽選作成の対話で使うメッセージ。

// PromptText は賞品説明の入力を求める。
func (p *Presenter) PromptText() string {
	return "抽選を作成します。投稿する賞品の説明を送ってください。\n/cancel で中止できます。"
}

// PromptPhoto は写真の送信を求める。
func (p *Presenter) PromptPhoto() string {
	return "投稿に添える写真を送ってください。写真なしの場合は /skip を送ってください。"
}

// PromptWinners は当選者数の入力を求める。
func (p *Presenter) PromptWinners(maxWinners int) string {
	return fmt.Sprintf("当選者数を1〜%dの数字で送ってください。", maxWinners)
}

// PromptEndDate は終了予定日時の入力を求める。
func (p *Presenter) PromptEndDate() string {
	return fmt.Sprintf("抽選の終了予定日時を %s 形式で送ってください。\n例: %s",
		"YYYY-MM-DD HH:MM", time.Date(2026, 12, 31, 18, 0, 0, 0, p.loc).Format(EndDateLayout))
}

// InvalidWinners は当選者数の入力が不正な場合のメッセージ。
func (p *Presenter) InvalidWinners(maxWinners int) string {
	return fmt.Sprintf("当選者数は1〜%dの数字で入力してください。", maxWinners)
}

// InvalidEndDate は終了予定日時の入力が不正な場合のメッセージ。
func (p *Presenter) InvalidEndDate() string {
	return "日時の形式が正しくありません。YYYY-MM-DD HH:MM 形式で入力してください。"
}

// InvalidText は賞品説明が空の場合のメッセージ。
func (p *Presenter) InvalidText() string {
	return "賞品の説明をテキストで送ってください。"
}

// RaffleCreated は抽選の公開完了を知らせる。
func (p *Presenter) RaffleCreated(r *model.Raffle) string {
	return fmt.Sprintf("抽選を%sに公開しました。ID: <code>%s</code>", html.EscapeString(p.channel), html.EscapeString(r.ID))
}

// PublishFailed はチャンネルへの投稿に失敗した場合のメッセージ。
func (p *Presenter) PublishFailed() string {
	return "チャンネルへの投稿に失敗しました。ボットがチャンネルの管理者か確認してください。"
}

// Cancelled は対話の中止を知らせる。
func (p *Presenter) Cancelled() string {
	return "抽選の作成を中止しました。"
}

// NothingToCancel は中止する対話がない場合のメッセージ。
func (p *Presenter) NothingToCancel() string {
	return "作成中の抽選はありません。"
}

// NotAllowed は運営者以外がコマンドを使った場合のメッセージ。
func (p *Presenter) NotAllowed() string {
	return "このコマンドは運営者のみ利用できます。"
}

func (p *Presenter) summary(text string, limit int) string {
	return html.EscapeString(Truncate(p.sanitize.Plain(text), limit))
}

func winnerName(w model.Participant) string {
	name := w.DisplayName()
	if name == "" {
		name = fmt.Sprintf("ID %d", w.UserID)
	}
	name = html.EscapeString(name)
	if w.Username != "" {
		name += " (@" + html.EscapeString(w.Username) + ")"
	}
	return name
}
