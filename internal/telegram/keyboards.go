package telegram

import "strings"

// コールバックデータ
const (
	CallbackParticipate = "participate"
	callbackDrawPrefix  = "draw:"
)

// DrawPickItem は抽選実行キーボードの1行分。
type DrawPickItem struct {
	RaffleID string
	Label    string
}

// ParticipateKeyboard は抽選告知に付ける参加ボタンを返す。
func ParticipateKeyboard(label string) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{
			{{Text: label, CallbackData: CallbackParticipate}},
		},
	}
}

// DrawPickKeyboard は抽選実行の対象を選ぶキーボードを返す。
func DrawPickKeyboard(items []DrawPickItem) *InlineKeyboardMarkup {
	rows := make([][]InlineKeyboardButton, 0, len(items))
	for _, it := range items {
		rows = append(rows, []InlineKeyboardButton{
			{Text: it.Label, CallbackData: DrawCallbackData(it.RaffleID)},
		})
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

// DrawCallbackData は抽選実行ボタンのコールバックデータを返す。
func DrawCallbackData(raffleID string) string {
	return callbackDrawPrefix + raffleID
}

// ParseDrawCallback は抽選実行ボタンのコールバックデータから抽選IDを取り出す。
func ParseDrawCallback(data string) (string, bool) {
	id, ok := strings.CutPrefix(data, callbackDrawPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
