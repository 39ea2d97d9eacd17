// Package telegram はTelegram Bot APIとの連携を提供する。
// APIクライアント、更新ハンドラー、運営者向けの抽選作成ダイアログ、ロングポーリングを含む。
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// defaultEndpoint はBot APIのベースURL。
	defaultEndpoint = "https://api.telegram.org"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 4 << 20
)

// 受信する更新の種類
var allowedUpdates = []string{"message", "callback_query"}

// APIError はBot APIがok=falseを返したことを表す。
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client はTelegram Bot APIのクライアント。
type Client struct {
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(token string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		token:      token,
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultEndpoint,
	}
}

// WithEndpoint はBot APIのベースURLを差し替える（ローカルBot APIサーバー用）。
// 空文字列の場合は変更しない。
func (c *Client) WithEndpoint(endpoint string) *Client {
	if endpoint != "" {
		c.endpoint = strings.TrimSuffix(endpoint, "/")
	}
	return c
}

// call はメソッドをJSONで呼び出し、resultをoutにデコードする。outがnilの場合は結果を捨てる。
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.endpoint, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// URLにトークンが含まれるため、*url.Errorをそのまま返さない
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("telegram %s: %w", method, ctxErr)
		}
		return fmt.Errorf("telegram %s: リクエストに失敗しました", method)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		c.logger.Error("Bot APIのレスポンスのパースに失敗しました",
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	if !apiResp.OK {
		apiErr := &APIError{
			Method:      method,
			Code:        apiResp.ErrorCode,
			Description: apiResp.Description,
		}
		if apiResp.Parameters != nil {
			apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(apiResp.Result, out); err != nil {
		return fmt.Errorf("telegram %s: 結果のデコードに失敗しました: %w", method, err)
	}
	return nil
}

// SendMessage はテキストメッセージを送信する。
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var msg Message
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendPhoto はfile_id指定の写真をキャプション付きで送信する。
func (c *Client) SendPhoto(ctx context.Context, req SendPhotoRequest) (*Message, error) {
	var msg Message
	if err := c.call(ctx, "sendPhoto", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessageText は送信済みメッセージのテキストを書き換える。
func (c *Client) EditMessageText(ctx context.Context, req EditMessageTextRequest) error {
	return c.call(ctx, "editMessageText", req, nil)
}

// AnswerCallbackQuery はボタン押下に応答する。
func (c *Client) AnswerCallbackQuery(ctx context.Context, req AnswerCallbackQueryRequest) error {
	return c.call(ctx, "answerCallbackQuery", req, nil)
}

// DeleteMessage はメッセージを削除する。
func (c *Client) DeleteMessage(ctx context.Context, chat ChatTarget, messageID int64) error {
	return c.call(ctx, "deleteMessage", deleteMessageRequest{ChatID: chat, MessageID: messageID}, nil)
}

// GetChatMember はチャットにおけるユーザーの参加状態を取得する。
func (c *Client) GetChatMember(ctx context.Context, chat ChatTarget, userID int64) (*ChatMember, error) {
	var member ChatMember
	if err := c.call(ctx, "getChatMember", getChatMemberRequest{ChatID: chat, UserID: userID}, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// GetUpdates はoffset以降の更新をロングポーリングで取得する。
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	req := getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: allowedUpdates,
	}
	if err := c.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SetWebhook はWebhookのURLと検証用シークレットを登録する。
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string) error {
	return c.call(ctx, "setWebhook", setWebhookRequest{
		URL:            url,
		SecretToken:    secretToken,
		AllowedUpdates: allowedUpdates,
	}, nil)
}

// DeleteWebhook はWebhookの登録を解除する。ロングポーリングを使う前に呼ぶ。
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", deleteWebhookRequest{}, nil)
}
