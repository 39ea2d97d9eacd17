package telegram

import (
	"encoding/json"
	"strconv"
)

// Update はBot APIから受信する1件の更新。
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message はチャットのメッセージ。
type Message struct {
	MessageID int64           `json:"message_id"`
	From      *User           `json:"from,omitempty"`
	Chat      Chat            `json:"chat"`
	Date      int64           `json:"date"`
	Text      string          `json:"text,omitempty"`
	Caption   string          `json:"caption,omitempty"`
	Photo     []PhotoSize     `json:"photo,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`
}

// LargestPhoto は最も解像度の高い写真のfile_idを返す。写真がない場合は空文字列。
func (m *Message) LargestPhoto() string {
	var best PhotoSize
	for _, p := range m.Photo {
		if p.Width*p.Height >= best.Width*best.Height {
			best = p
		}
	}
	return best.FileID
}

// Command はメッセージ先頭のボットコマンド名を返す（"/start@bot arg" なら "start"）。
// コマンドでない場合は空文字列を返す。
func (m *Message) Command() string {
	for _, e := range m.Entities {
		if e.Type != "bot_command" || e.Offset != 0 {
			continue
		}
		runes := []rune(m.Text)
		if e.Length > len(runes) || e.Length < 2 {
			return ""
		}
		cmd := string(runes[1:e.Length])
		for i, r := range cmd {
			if r == '@' {
				return cmd[:i]
			}
		}
		return cmd
	}
	return ""
}

// User はTelegramユーザー。
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat はチャット（個人、グループ、チャンネル）。
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// PhotoSize は写真の1解像度分。
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// MessageEntity はメッセージ内の特殊要素（コマンド、リンク等）。
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// CallbackQuery はインラインキーボードのボタン押下。
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// ChatMember はgetChatMemberの結果。
type ChatMember struct {
	Status   string `json:"status"`
	User     User   `json:"user"`
	IsMember bool   `json:"is_member,omitempty"`
}

// チャットメンバーのステータス
const (
	MemberStatusCreator       = "creator"
	MemberStatusAdministrator = "administrator"
	MemberStatusMember        = "member"
	MemberStatusRestricted    = "restricted"
	MemberStatusLeft          = "left"
	MemberStatusKicked        = "kicked"
)

// InlineKeyboardMarkup はメッセージに付与するインラインキーボード。
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton はインラインキーボードのボタン。
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// ReplyParameters は返信先メッセージの指定。
type ReplyParameters struct {
	MessageID int64 `json:"message_id"`
}

// ChatTarget はchat_idパラメータ。数値のチャットIDまたは"@channel"形式のユーザー名を保持する。
type ChatTarget string

// ChatID は数値のチャットIDからChatTargetを生成する。
func ChatID(id int64) ChatTarget {
	return ChatTarget(strconv.FormatInt(id, 10))
}

// MarshalJSON は数値IDを数値として、ユーザー名を文字列としてエンコードする。
func (c ChatTarget) MarshalJSON() ([]byte, error) {
	if id, err := strconv.ParseInt(string(c), 10, 64); err == nil {
		return json.Marshal(id)
	}
	return json.Marshal(string(c))
}

// SendMessageRequest はsendMessageのパラメータ。
type SendMessageRequest struct {
	ChatID          ChatTarget            `json:"chat_id"`
	Text            string                `json:"text"`
	ParseMode       string                `json:"parse_mode,omitempty"`
	ReplyMarkup     *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	ReplyParameters *ReplyParameters      `json:"reply_parameters,omitempty"`
}

// SendPhotoRequest はsendPhotoのパラメータ。Photoは既存のfile_idを指定する。
type SendPhotoRequest struct {
	ChatID      ChatTarget            `json:"chat_id"`
	Photo       string                `json:"photo"`
	Caption     string                `json:"caption,omitempty"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageTextRequest はeditMessageTextのパラメータ。
type EditMessageTextRequest struct {
	ChatID      ChatTarget            `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// AnswerCallbackQueryRequest はanswerCallbackQueryのパラメータ。
type AnswerCallbackQueryRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
	ShowAlert       bool   `json:"show_alert,omitempty"`
}

type deleteMessageRequest struct {
	ChatID    ChatTarget `json:"chat_id"`
	MessageID int64      `json:"message_id"`
}

type getChatMemberRequest struct {
	ChatID ChatTarget `json:"chat_id"`
	UserID int64      `json:"user_id"`
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type deleteWebhookRequest struct {
	DropPendingUpdates bool `json:"drop_pending_updates,omitempty"`
}

// apiResponse はBot APIの共通レスポンス。
type apiResponse struct {
	OK          bool                `json:"ok"`
	Description string              `json:"description,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
	Result      json.RawMessage     `json:"result,omitempty"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}
