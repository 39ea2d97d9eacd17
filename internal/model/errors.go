package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, raffle, eligibility, draw, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation                       = "VALIDATION_ERROR"
	ErrCodeRaffleNotFound                   = "RAFFLE_NOT_FOUND"
	ErrCodeRaffleClosed                     = "RAFFLE_CLOSED"
	ErrCodeEligibilityCheckFailed           = "ELIGIBILITY_CHECK_FAILED"
	ErrCodeNoParticipants                   = "NO_PARTICIPANTS"
	ErrCodeInsufficientParticipants         = "INSUFFICIENT_PARTICIPANTS"
	ErrCodeInsufficientEligibleParticipants = "INSUFFICIENT_ELIGIBLE_PARTICIPANTS"
	ErrCodeStorage                          = "STORAGE_ERROR"
)

// HasCode はerrがcodeを持つAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewValidationError は運営者入力の検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewRaffleNotFoundError は抽選が存在しない場合のエラーを生成する。
func NewRaffleNotFoundError(raffleID string) *APIError {
	return &APIError{
		Code:     ErrCodeRaffleNotFound,
		Message:  fmt.Sprintf("指定された抽選が見つかりません: %s", raffleID),
		Category: "raffle",
		Action:   "抽選IDを確認してください。",
	}
}

// NewRaffleClosedError は終了済みの抽選に対する操作のエラーを生成する。
func NewRaffleClosedError(raffleID string) *APIError {
	return &APIError{
		Code:     ErrCodeRaffleClosed,
		Message:  fmt.Sprintf("この抽選は既に終了しています: %s", raffleID),
		Category: "raffle",
		Action:   "開催中の抽選一覧を確認してください。",
	}
}

// NewEligibilityCheckFailedError はチャンネル参加確認が失敗した場合のエラーを生成する。
func NewEligibilityCheckFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeEligibilityCheckFailed,
		Message:  "チャンネル参加状況を確認できませんでした。",
		Category: "eligibility",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNoParticipantsError は参加者がいない抽選を実行しようとした場合のエラーを生成する。
func NewNoParticipantsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoParticipants,
		Message:  "この抽選には参加者がいません。",
		Category: "draw",
		Action:   "参加者が集まってから再度抽選してください。",
	}
}

// NewInsufficientParticipantsError は参加者数が当選者数に満たない場合のエラーを生成する。
func NewInsufficientParticipantsError(have, need int) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientParticipants,
		Message:  fmt.Sprintf("参加者数（%d人）が当選者数（%d人）に足りません。", have, need),
		Category: "draw",
		Action:   "参加者が集まってから再度抽選してください。",
	}
}

// NewInsufficientEligibleParticipantsError は再確認後の有効参加者数が当選者数に満たない場合のエラーを生成する。
func NewInsufficientEligibleParticipantsError(have, need int) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientEligibleParticipants,
		Message:  fmt.Sprintf("チャンネル参加中の参加者（%d人）が当選者数（%d人）に足りません。", have, need),
		Category: "draw",
		Action:   "参加者が集まってから再度抽選してください。",
	}
}

// StorageError は永続化層の障害を表す。
// 呼び出し元はバックオフ付きで再試行できる。
type StorageError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Op, e.Err)
}

// Unwrap は原因のエラーを返す。
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError は永続化層の障害をStorageErrorでラップする。
// errがnilの場合はnilを返す。
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError はerrがStorageErrorを含むかどうかを返す。
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
