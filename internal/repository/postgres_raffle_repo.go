package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/rafflebot/internal/model"
)

// PostgresRaffleRepo はPostgreSQLを使用した抽選リポジトリ。
type PostgresRaffleRepo struct {
	db *sql.DB
}

// NewPostgresRaffleRepo はPostgresRaffleRepoを生成する。
func NewPostgresRaffleRepo(db *sql.DB) *PostgresRaffleRepo {
	return &PostgresRaffleRepo{db: db}
}

const raffleColumns = `id, message_id, text, photo_ref, created_at, end_date, is_active, winners_count, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRaffle(row rowScanner) (*model.Raffle, error) {
	r := &model.Raffle{}
	var messageID sql.NullInt64
	var closedAt sql.NullTime
	if err := row.Scan(&r.ID, &messageID, &r.Text, &r.PhotoRef, &r.CreatedAt, &r.EndDate, &r.IsActive, &r.WinnersCount, &closedAt); err != nil {
		return nil, err
	}
	r.MessageID = messageID.Int64
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	r.Winners = model.EmptyWinnerSlots(r.WinnersCount)
	return r, nil
}

// CreateRaffle は抽選を作成する。参加者名簿はparticipantsテーブルの行として表現されるため、
// 抽選行の作成と同時に空の名簿が成立する。
func (r *PostgresRaffleRepo) CreateRaffle(ctx context.Context, raffle *model.Raffle) error {
	if err := prepareNewRaffle(raffle, time.Now().UTC()); err != nil {
		return err
	}

	var messageID sql.NullInt64
	if raffle.MessageID != 0 {
		messageID = sql.NullInt64{Int64: raffle.MessageID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO raffles (id, message_id, text, photo_ref, created_at, end_date, is_active, winners_count)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7)`,
		raffle.ID, messageID, raffle.Text, raffle.PhotoRef, raffle.CreatedAt, raffle.EndDate, raffle.WinnersCount,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrRaffleExists
		}
		return fmt.Errorf("抽選の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの抽選を当選者スロット込みで取得する。見つからない場合はnilを返す。
func (r *PostgresRaffleRepo) FindByID(ctx context.Context, id string) (*model.Raffle, error) {
	raffle, err := scanRaffle(r.db.QueryRowContext(ctx,
		`SELECT `+raffleColumns+` FROM raffles WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("抽選の取得に失敗しました: %w", err)
	}

	if raffle.IsActive {
		return raffle, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT slot, user_id FROM raffle_winners WHERE raffle_id = $1 ORDER BY slot ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("当選者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slot int
		var userID int64
		if err := rows.Scan(&slot, &userID); err != nil {
			return nil, fmt.Errorf("当選者行の読み取りに失敗しました: %w", err)
		}
		if slot >= 0 && slot < len(raffle.Winners) {
			uid := userID
			raffle.Winners[slot] = &uid
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("当選者一覧の走査に失敗しました: %w", err)
	}

	return raffle, nil
}

// ListActive は開催中の抽選を作成日時の昇順で返す。
func (r *PostgresRaffleRepo) ListActive(ctx context.Context) ([]*model.Raffle, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+raffleColumns+` FROM raffles WHERE is_active = true ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("開催中の抽選一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var raffles []*model.Raffle
	for rows.Next() {
		raffle, err := scanRaffle(rows)
		if err != nil {
			return nil, fmt.Errorf("抽選行の読み取りに失敗しました: %w", err)
		}
		raffles = append(raffles, raffle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("抽選一覧の走査に失敗しました: %w", err)
	}
	return raffles, nil
}

// SetWinners は当選者の書き込みと終了フラグの更新を同一トランザクションで行う。
// is_active = true を条件とするUPDATEが比較と更新を兼ねるため、同時に確定できるのは1回だけ。
func (r *PostgresRaffleRepo) SetWinners(ctx context.Context, id string, winnerIDs []int64, closedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var winnersCount int
	err = tx.QueryRowContext(ctx,
		`UPDATE raffles SET is_active = false, closed_at = $2
		 WHERE id = $1 AND is_active = true
		 RETURNING winners_count`,
		id, closedAt,
	).Scan(&winnersCount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM raffles WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("抽選の存在確認に失敗しました: %w", err)
		}
		if !exists {
			return ErrRaffleNotFound
		}
		return ErrRaffleNotActive
	}
	if err != nil {
		return fmt.Errorf("抽選の終了に失敗しました: %w", err)
	}

	if err := validateWinners(winnersCount, winnerIDs); err != nil {
		return err
	}

	for slot, userID := range winnerIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raffle_winners (raffle_id, slot, user_id) VALUES ($1, $2, $3)`,
			id, slot, userID,
		); err != nil {
			return fmt.Errorf("当選者の保存に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var _ RaffleRepository = (*PostgresRaffleRepo)(nil)
