// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Raffle はチャンネル内で実施される1回分の抽選を表す。
// IsActive が false であることと Winners の全スロットが埋まっていることは同値。
type Raffle struct {
	ID           string
	MessageID    int64  // チャンネル投稿のメッセージID（未投稿の場合は0）
	Text         string // 賞品説明（運営者入力、解釈しない）
	PhotoRef     string // 投稿写真のTelegram file_id（任意）
	CreatedAt    time.Time
	EndDate      time.Time // 終了予定日時（目安。自動終了はしない）
	IsActive     bool
	WinnersCount int
	Winners      []*int64 // 長さは常にWinnersCount。開催中は全てnil
	ClosedAt     *time.Time
}

// IsClosed は抽選が終了済みかどうかを返す。
func (r *Raffle) IsClosed() bool {
	return !r.IsActive
}

// WinnersComplete は当選者スロットが全て埋まっているかを返す。
func (r *Raffle) WinnersComplete() bool {
	if len(r.Winners) != r.WinnersCount {
		return false
	}
	for _, w := range r.Winners {
		if w == nil {
			return false
		}
	}
	return true
}

// EmptyWinnerSlots はwinnersCount個の未設定スロットを生成する。
func EmptyWinnerSlots(winnersCount int) []*int64 {
	if winnersCount < 0 {
		winnersCount = 0
	}
	return make([]*int64, winnersCount)
}

// WinnerSlots はユーザーIDの列を当選者スロットに変換する。
func WinnerSlots(userIDs []int64) []*int64 {
	slots := make([]*int64, len(userIDs))
	for i := range userIDs {
		id := userIDs[i]
		slots[i] = &id
	}
	return slots
}

// Identity は参加登録時点のユーザー情報のスナップショット。
type Identity struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

// Participant は特定の抽選に登録したユーザーを表す。
// (RaffleID, UserID) の組で一意。
type Participant struct {
	RaffleID  string
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	JoinedAt  time.Time
}

// DisplayName は姓名を連結した表示名を返す。
func (p *Participant) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Identity は参加者のスナップショットをIdentityとして返す。
func (p *Participant) Identity() Identity {
	return Identity{
		UserID:    p.UserID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
	}
}

// RaffleView は表示層に渡す読み取り専用の抽選情報。
type RaffleView struct {
	ID               string
	MessageID        int64
	Text             string
	EndDate          time.Time
	IsActive         bool
	WinnersCount     int
	ParticipantCount int
	CreatedAt        time.Time
}

// ParticipantView は表示層に渡す読み取り専用の参加者情報。
type ParticipantView struct {
	UserID      int64
	DisplayName string
	Username    string
}

// NewParticipantView は参加者から表示用ビューを生成する。
func NewParticipantView(p *Participant) ParticipantView {
	return ParticipantView{
		UserID:      p.UserID,
		DisplayName: p.DisplayName(),
		Username:    p.Username,
	}
}

// EnrollOutcome は参加登録の結果を表す。
type EnrollOutcome string

const (
	// EnrollOutcomeEnrolled は新規に登録されたことを示す。
	EnrollOutcomeEnrolled EnrollOutcome = "enrolled"
	// EnrollOutcomeAlreadyEnrolled は既に登録済みだったことを示す。
	EnrollOutcomeAlreadyEnrolled EnrollOutcome = "already_enrolled"
	// EnrollOutcomeNotEligible はチャンネル未参加のため登録しなかったことを示す。
	EnrollOutcomeNotEligible EnrollOutcome = "not_eligible"
)

// Membership はチャンネル参加状態の判定結果。
type Membership string

const (
	// MembershipMember はチャンネルに参加していることを示す。
	MembershipMember Membership = "member"
	// MembershipNotMember はチャンネルに参加していないことを示す。
	MembershipNotMember Membership = "not_member"
)
