package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hitoshi/rafflebot/internal/model"
	"github.com/hitoshi/rafflebot/internal/store"
)

// ドキュメントストア上のコレクション名
const (
	collectionRaffle      = "raffle"
	collectionRoster      = "roster"
	collectionParticipant = "participant"
)

// setWinnersの楽観ロック再試行回数
const maxSetWinnersAttempts = 5

// DocumentStore はKVリポジトリが必要とするドキュメントストアの操作。
type DocumentStore interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	PutIfAbsent(ctx context.Context, collection, key string, doc []byte) (bool, error)
	CompareAndSwap(ctx context.Context, collection, key string, expected, next []byte) (bool, error)
	PutAll(ctx context.Context, docs []store.Document) (bool, error)
	List(ctx context.Context, collection, prefix string) ([]store.Document, error)
}

var _ DocumentStore = (*store.Store)(nil)

type raffleDocument struct {
	ID           string     `json:"id"`
	MessageID    int64      `json:"message_id,omitempty"`
	Text         string     `json:"text"`
	PhotoRef     string     `json:"photo_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	EndDate      time.Time  `json:"end_date"`
	IsActive     bool       `json:"is_active"`
	WinnersCount int        `json:"winners_count"`
	Winners      []*int64   `json:"winners"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

type rosterDocument struct {
	RaffleID  string    `json:"raffle_id"`
	CreatedAt time.Time `json:"created_at"`
}

func newRaffleDocument(r *model.Raffle) raffleDocument {
	return raffleDocument{
		ID:           r.ID,
		MessageID:    r.MessageID,
		Text:         r.Text,
		PhotoRef:     r.PhotoRef,
		CreatedAt:    r.CreatedAt,
		EndDate:      r.EndDate,
		IsActive:     r.IsActive,
		WinnersCount: r.WinnersCount,
		Winners:      r.Winners,
		ClosedAt:     r.ClosedAt,
	}
}

func (d *raffleDocument) toModel() *model.Raffle {
	winners := d.Winners
	if len(winners) != d.WinnersCount {
		winners = model.EmptyWinnerSlots(d.WinnersCount)
	}
	return &model.Raffle{
		ID:           d.ID,
		MessageID:    d.MessageID,
		Text:         d.Text,
		PhotoRef:     d.PhotoRef,
		CreatedAt:    d.CreatedAt,
		EndDate:      d.EndDate,
		IsActive:     d.IsActive,
		WinnersCount: d.WinnersCount,
		Winners:      winners,
		ClosedAt:     d.ClosedAt,
	}
}

func decodeRaffle(b []byte) (*raffleDocument, error) {
	var doc raffleDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("抽選ドキュメントの復元に失敗しました: %w", err)
	}
	return &doc, nil
}

// KVRaffleRepo はドキュメントストアを使用した抽選リポジトリ。
type KVRaffleRepo struct {
	store DocumentStore
}

// NewKVRaffleRepo はKVRaffleRepoを生成する。
func NewKVRaffleRepo(s DocumentStore) *KVRaffleRepo {
	return &KVRaffleRepo{store: s}
}

// CreateRaffle は抽選ドキュメントと空の名簿ドキュメントを1トランザクションで作成する。
func (r *KVRaffleRepo) CreateRaffle(ctx context.Context, raffle *model.Raffle) error {
	if err := prepareNewRaffle(raffle, time.Now().UTC()); err != nil {
		return err
	}

	raffleDoc, err := json.Marshal(newRaffleDocument(raffle))
	if err != nil {
		return fmt.Errorf("抽選ドキュメントの生成に失敗しました: %w", err)
	}
	rosterDoc, err := json.Marshal(rosterDocument{RaffleID: raffle.ID, CreatedAt: raffle.CreatedAt})
	if err != nil {
		return fmt.Errorf("名簿ドキュメントの生成に失敗しました: %w", err)
	}

	written, err := r.store.PutAll(ctx, []store.Document{
		{Collection: collectionRaffle, Key: raffle.ID, Value: raffleDoc},
		{Collection: collectionRoster, Key: raffle.ID, Value: rosterDoc},
	})
	if err != nil {
		return fmt.Errorf("抽選の作成に失敗しました: %w", err)
	}
	if !written {
		return ErrRaffleExists
	}
	return nil
}

// FindByID は指定IDの抽選を取得する。見つからない場合はnilを返す。
func (r *KVRaffleRepo) FindByID(ctx context.Context, id string) (*model.Raffle, error) {
	b, err := r.store.Get(ctx, collectionRaffle, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("抽選の取得に失敗しました: %w", err)
	}
	doc, err := decodeRaffle(b)
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// ListActive は開催中の抽選を返す。順序は保証しない。
func (r *KVRaffleRepo) ListActive(ctx context.Context) ([]*model.Raffle, error) {
	docs, err := r.store.List(ctx, collectionRaffle, "")
	if err != nil {
		return nil, fmt.Errorf("開催中の抽選一覧の取得に失敗しました: %w", err)
	}

	var raffles []*model.Raffle
	for _, d := range docs {
		doc, err := decodeRaffle(d.Value)
		if err != nil {
			return nil, err
		}
		if doc.IsActive {
			raffles = append(raffles, doc.toModel())
		}
	}
	return raffles, nil
}

// SetWinners は読み込んだドキュメントを期待値とするCompareAndSwapで抽選を終了させる。
// 競合に敗れた場合は再読み込みし、終了済みならErrRaffleNotActiveを返す。
func (r *KVRaffleRepo) SetWinners(ctx context.Context, id string, winnerIDs []int64, closedAt time.Time) error {
	for attempt := 0; attempt < maxSetWinnersAttempts; attempt++ {
		current, err := r.store.Get(ctx, collectionRaffle, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRaffleNotFound
		}
		if err != nil {
			return fmt.Errorf("抽選の取得に失敗しました: %w", err)
		}

		doc, err := decodeRaffle(current)
		if err != nil {
			return err
		}
		if !doc.IsActive {
			return ErrRaffleNotActive
		}
		if err := validateWinners(doc.WinnersCount, winnerIDs); err != nil {
			return err
		}

		closed := closedAt
		doc.IsActive = false
		doc.Winners = model.WinnerSlots(winnerIDs)
		doc.ClosedAt = &closed

		next, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("抽選ドキュメントの生成に失敗しました: %w", err)
		}

		swapped, err := r.store.CompareAndSwap(ctx, collectionRaffle, id, current, next)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRaffleNotFound
		}
		if err != nil {
			return fmt.Errorf("当選者の保存に失敗しました: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("当選者の保存が競合により完了しませんでした: raffle_id=%s", id)
}

var _ RaffleRepository = (*KVRaffleRepo)(nil)

// KVParticipantRepo はドキュメントストアを使用した参加者リポジトリ。
type KVParticipantRepo struct {
	store DocumentStore
}

// NewKVParticipantRepo はKVParticipantRepoを生成する。
func NewKVParticipantRepo(s DocumentStore) *KVParticipantRepo {
	return &KVParticipantRepo{store: s}
}

type participantDocument struct {
	RaffleID  string    `json:"raffle_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

func participantKey(raffleID string, userID int64) string {
	return raffleID + "/" + strconv.FormatInt(userID, 10)
}

// AddParticipant は開催中の抽選に参加者を登録する。
// 参加者キーへのPutIfAbsentにより同時登録でも1件だけが書き込まれる。
func (r *KVParticipantRepo) AddParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	b, err := r.store.Get(ctx, collectionRaffle, p.RaffleID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrRaffleNotFound
	}
	if err != nil {
		return false, fmt.Errorf("抽選の取得に失敗しました: %w", err)
	}
	raffle, err := decodeRaffle(b)
	if err != nil {
		return false, err
	}
	if !raffle.IsActive {
		return false, ErrRaffleNotActive
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(participantDocument{
		RaffleID:  p.RaffleID,
		UserID:    p.UserID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		JoinedAt:  p.JoinedAt,
	})
	if err != nil {
		return false, fmt.Errorf("参加者ドキュメントの生成に失敗しました: %w", err)
	}

	added, err := r.store.PutIfAbsent(ctx, collectionParticipant, participantKey(p.RaffleID, p.UserID), doc)
	if err != nil {
		return false, fmt.Errorf("参加者の登録に失敗しました: %w", err)
	}
	return added, nil
}

// ListByRaffle は抽選の参加者を返す。順序は保証しない。
func (r *KVParticipantRepo) ListByRaffle(ctx context.Context, raffleID string) ([]*model.Participant, error) {
	docs, err := r.store.List(ctx, collectionParticipant, raffleID+"/")
	if err != nil {
		return nil, fmt.Errorf("参加者一覧の取得に失敗しました: %w", err)
	}

	participants := make([]*model.Participant, 0, len(docs))
	for _, d := range docs {
		var doc participantDocument
		if err := json.Unmarshal(d.Value, &doc); err != nil {
			return nil, fmt.Errorf("参加者ドキュメントの復元に失敗しました: %w", err)
		}
		participants = append(participants, &model.Participant{
			RaffleID:  doc.RaffleID,
			UserID:    doc.UserID,
			Username:  doc.Username,
			FirstName: doc.FirstName,
			LastName:  doc.LastName,
			JoinedAt:  doc.JoinedAt,
		})
	}
	return participants, nil
}

// Exists はユーザーが抽選に参加登録済みかを返す。
func (r *KVParticipantRepo) Exists(ctx context.Context, raffleID string, userID int64) (bool, error) {
	_, err := r.store.Get(ctx, collectionParticipant, participantKey(raffleID, userID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("参加状況の確認に失敗しました: %w", err)
	}
	return true, nil
}

// CountByRaffle は抽選の参加者数を返す。
func (r *KVParticipantRepo) CountByRaffle(ctx context.Context, raffleID string) (int, error) {
	docs, err := r.store.List(ctx, collectionParticipant, raffleID+"/")
	if err != nil {
		return 0, fmt.Errorf("参加者数の取得に失敗しました: %w", err)
	}
	return len(docs), nil
}

var _ ParticipantRepository = (*KVParticipantRepo)(nil)
