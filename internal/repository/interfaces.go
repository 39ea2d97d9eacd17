// Package repository はデータ永続化のインターフェースと実装を定義する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/rafflebot/internal/model"
)

var (
	// ErrRaffleNotFound は抽選が存在しないことを示す。
	ErrRaffleNotFound = errors.New("repository: raffle not found")
	// ErrRaffleNotActive は抽選が既に終了していることを示す。
	// 当選者確定の競合に敗れた場合もこのエラーになる。
	ErrRaffleNotActive = errors.New("repository: raffle is not active")
	// ErrRaffleExists は同じIDの抽選が既に存在することを示す。
	ErrRaffleExists = errors.New("repository: raffle already exists")
)

// RaffleRepository は抽選データの永続化インターフェース。
type RaffleRepository interface {
	// CreateRaffle は開催中の抽選と空の参加者名簿を同時に作成する。
	// IDが未設定の場合は採番してraffleに書き戻す。
	CreateRaffle(ctx context.Context, raffle *model.Raffle) error

	// FindByID は指定IDの抽選を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Raffle, error)

	// ListActive は開催中の抽選を返す。順序は保証しない。
	ListActive(ctx context.Context) ([]*model.Raffle, error)

	// SetWinners は当選者を確定し抽選を終了状態にする。
	// 当選者の書き込みと終了フラグの更新は原子的に行う。
	// 抽選が存在しない場合はErrRaffleNotFound、終了済みの場合はErrRaffleNotActiveを返す。
	SetWinners(ctx context.Context, id string, winnerIDs []int64, closedAt time.Time) error
}

// ParticipantRepository は参加者データの永続化インターフェース。
type ParticipantRepository interface {
	// AddParticipant は参加者を登録する。登録済みの場合は何も書き込まずfalseを返す。
	// 抽選が存在しない場合はErrRaffleNotFound、終了済みの場合はErrRaffleNotActiveを返す。
	AddParticipant(ctx context.Context, p *model.Participant) (bool, error)

	// ListByRaffle は抽選の参加者を返す。順序は保証しない。
	ListByRaffle(ctx context.Context, raffleID string) ([]*model.Participant, error)

	// Exists はユーザーが抽選に参加登録済みかを返す。
	Exists(ctx context.Context, raffleID string, userID int64) (bool, error)

	// CountByRaffle は抽選の参加者数を返す。
	CountByRaffle(ctx context.Context, raffleID string) (int, error)
}

// prepareNewRaffle は新規作成する抽選のIDと初期状態を整える。
// チャンネル投稿がある場合はメッセージIDをそのままIDとして使う。
func prepareNewRaffle(r *model.Raffle, now time.Time) error {
	if r.WinnersCount < 1 {
		return fmt.Errorf("winners count must be at least 1: %d", r.WinnersCount)
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("raffle text must not be empty")
	}
	if r.ID == "" {
		if r.MessageID != 0 {
			r.ID = strconv.FormatInt(r.MessageID, 10)
		} else {
			r.ID = uuid.NewString()
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.IsActive = true
	r.Winners = model.EmptyWinnerSlots(r.WinnersCount)
	r.ClosedAt = nil
	return nil
}

func validateWinners(winnersCount int, winnerIDs []int64) error {
	if len(winnerIDs) != winnersCount {
		return fmt.Errorf("winner count mismatch: got %d, want %d", len(winnerIDs), winnersCount)
	}
	seen := make(map[int64]struct{}, len(winnerIDs))
	for _, id := range winnerIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate winner: %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
