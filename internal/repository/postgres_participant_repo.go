package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/rafflebot/internal/model"
)

// PostgresParticipantRepo はPostgreSQLを使用した参加者リポジトリ。
type PostgresParticipantRepo struct {
	db *sql.DB
}

// NewPostgresParticipantRepo はPostgresParticipantRepoを生成する。
func NewPostgresParticipantRepo(db *sql.DB) *PostgresParticipantRepo {
	return &PostgresParticipantRepo{db: db}
}

// AddParticipant は開催中の抽選にのみ参加者を登録する。
// 主キー (raffle_id, user_id) とON CONFLICT DO NOTHINGにより同時登録でも重複しない。
func (r *PostgresParticipantRepo) AddParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO participants (raffle_id, user_id, username, first_name, last_name, joined_at)
		 SELECT id, $2, $3, $4, $5, $6 FROM raffles WHERE id = $1 AND is_active = true
		 ON CONFLICT (raffle_id, user_id) DO NOTHING`,
		p.RaffleID, p.UserID, p.Username, p.FirstName, p.LastName, p.JoinedAt,
	)
	if err != nil {
		return false, fmt.Errorf("参加者の登録に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("参加者登録結果の取得に失敗しました: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// 挿入されなかった理由を判別する
	var isActive bool
	err = r.db.QueryRowContext(ctx,
		`SELECT is_active FROM raffles WHERE id = $1`, p.RaffleID,
	).Scan(&isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRaffleNotFound
	}
	if err != nil {
		return false, fmt.Errorf("抽選の状態確認に失敗しました: %w", err)
	}
	if !isActive {
		return false, ErrRaffleNotActive
	}
	return false, nil
}

// ListByRaffle は抽選の参加者を登録日時の昇順で返す。
func (r *PostgresParticipantRepo) ListByRaffle(ctx context.Context, raffleID string) ([]*model.Participant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT raffle_id, user_id, username, first_name, last_name, joined_at
		 FROM participants WHERE raffle_id = $1 ORDER BY joined_at ASC`,
		raffleID,
	)
	if err != nil {
		return nil, fmt.Errorf("参加者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var participants []*model.Participant
	for rows.Next() {
		p := &model.Participant{}
		if err := rows.Scan(&p.RaffleID, &p.UserID, &p.Username, &p.FirstName, &p.LastName, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("参加者行の読み取りに失敗しました: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("参加者一覧の走査に失敗しました: %w", err)
	}
	return participants, nil
}

// Exists はユーザーが抽選に参加登録済みかを返す。
func (r *PostgresParticipantRepo) Exists(ctx context.Context, raffleID string, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE raffle_id = $1 AND user_id = $2)`,
		raffleID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("参加状況の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CountByRaffle は抽選の参加者数を返す。
func (r *PostgresParticipantRepo) CountByRaffle(ctx context.Context, raffleID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE raffle_id = $1`,
		raffleID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("参加者数の取得に失敗しました: %w", err)
	}
	return count, nil
}

var _ ParticipantRepository = (*PostgresParticipantRepo)(nil)
