// Package raffle は抽選のライフサイクル（作成、参加登録、抽選実行）を管理する。
//
// 抽選は開催中（IsActive=true）から終了（IsActive=false）へ一度だけ遷移する。
// 遷移は抽選実行時の当選者確定のみで、永続化層の原子的な更新によって行う。
package raffle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/rafflebot/internal/draw"
	"github.com/hitoshi/rafflebot/internal/model"
	"github.com/hitoshi/rafflebot/internal/repository"
)

// 抽選実行結果のラベル（メトリクス用）。失敗時はAPIErrorのコードを使う。
const (
	DrawResultSuccess  = "success"
	DrawResultStorage  = "storage_error"
	DrawResultCanceled = "canceled"
)

// MembershipChecker はチャンネル参加状況の確認元。
type MembershipChecker interface {
	CheckMembership(ctx context.Context, userID int64) (model.Membership, error)
}

// Observer はライフサイクルのイベントを受け取る。
type Observer interface {
	RecordRaffleCreated()
	RecordEnrollment(outcome string)
	RecordDraw(result string)
	RecordHookFailure(hook string)
}

// DrawHook は当選者確定後に呼ばれる処理。
// 戻り値のエラーはログとメトリクスに記録されるだけで、確定済みの結果には影響しない。
type DrawHook func(ctx context.Context, raffle model.Raffle, winners []model.Participant) error

type namedHook struct {
	name string
	fn   DrawHook
}

// Config はServiceの設定。
type Config struct {
	MaxWinners             int
	StorageTimeout         time.Duration // 永続化呼び出し1回あたりの上限
	CheckTimeout           time.Duration // 参加確認1回あたりの上限
	HookTimeout            time.Duration
	EligibilityConcurrency int // 抽選時の再確認の並列数
}

// CreateInput は抽選作成の入力。
type CreateInput struct {
	Text         string
	PhotoRef     string
	WinnersCount int
	EndDate      time.Time
	MessageID    int64 // チャンネル投稿のメッセージID（未投稿の場合は0）
}

// Service は抽選のライフサイクルを管理するサービス層。
type Service struct {
	raffles      repository.RaffleRepository
	participants repository.ParticipantRepository
	checker      MembershipChecker
	cfg          Config
	logger       *slog.Logger

	observer Observer
	hooks    []namedHook
	locks    *keyedLocker
	hookWG   sync.WaitGroup
	now      func() time.Time
	newRand  func() *rand.Rand
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	raffles repository.RaffleRepository,
	participants repository.ParticipantRepository,
	checker MembershipChecker,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.MaxWinners < 1 {
		cfg.MaxWinners = 10
	}
	if cfg.EligibilityConcurrency < 1 {
		cfg.EligibilityConcurrency = 1
	}
	return &Service{
		raffles:      raffles,
		participants: participants,
		checker:      checker,
		cfg:          cfg,
		logger:       logger,
		observer:     nopObserver{},
		locks:        newKeyedLocker(),
		now:          time.Now,
		newRand:      draw.NewSecureRand,
	}
}

// WithObserver はイベントの通知先を設定する。
func (s *Service) WithObserver(o Observer) *Service {
	if o != nil {
		s.observer = o
	}
	return s
}

// WithDrawHook は当選者確定後のフックを追加する。
// フックは登録順にそれぞれ別のgoroutineで実行される。
func (s *Service) WithDrawHook(name string, hook DrawHook) *Service {
	s.hooks = append(s.hooks, namedHook{name: name, fn: hook})
	return s
}

// WithRandSource は抽選ごとの乱数生成器の生成関数を差し替える。
func (s *Service) WithRandSource(newRand func() *rand.Rand) *Service {
	s.newRand = newRand
	return s
}

// WithClock は現在時刻の取得関数を差し替える。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Wait は実行中のフックが全て終了するまで待つ。
func (s *Service) Wait() {
	s.hookWG.Wait()
}

// CreateRaffle は開催中の抽選を作成する。
func (s *Service) CreateRaffle(ctx context.Context, in CreateInput) (*model.Raffle, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, model.NewValidationError("賞品の説明を入力してください")
	}
	if in.WinnersCount < 1 || in.WinnersCount > s.cfg.MaxWinners {
		return nil, model.NewValidationError(fmt.Sprintf("当選者数は1〜%dの範囲で指定してください", s.cfg.MaxWinners))
	}

	r := &model.Raffle{
		MessageID:    in.MessageID,
		Text:         in.Text,
		PhotoRef:     in.PhotoRef,
		EndDate:      in.EndDate,
		WinnersCount: in.WinnersCount,
		CreatedAt:    s.now(),
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	if err := s.raffles.CreateRaffle(sctx, r); err != nil {
		if errors.Is(err, repository.ErrRaffleExists) {
			return nil, model.NewValidationError("この投稿の抽選は既に作成されています")
		}
		return nil, s.storageError(ctx, "抽選の作成", err)
	}

	s.observer.RecordRaffleCreated()
	s.logger.Info("抽選を作成しました",
		slog.String("raffle_id", r.ID),
		slog.Int("winners_count", r.WinnersCount),
	)
	return r, nil
}

// GetRaffle は抽選を取得する。存在しない場合はRaffleNotFoundを返す。
func (s *Service) GetRaffle(ctx context.Context, id string) (*model.Raffle, error) {
	return s.loadRaffle(ctx, id)
}

// ListActive は開催中の抽選を作成日時順に返す。
func (s *Service) ListActive(ctx context.Context) ([]model.RaffleView, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	raffles, err := s.raffles.ListActive(sctx)
	if err != nil {
		return nil, s.storageError(ctx, "開催中の抽選の取得", err)
	}

	slices.SortFunc(raffles, func(a, b *model.Raffle) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	views := make([]model.RaffleView, 0, len(raffles))
	for _, r := range raffles {
		count, err := s.participants.CountByRaffle(sctx, r.ID)
		if err != nil {
			return nil, s.storageError(ctx, "参加者数の取得", err)
		}
		views = append(views, model.RaffleView{
			ID:               r.ID,
			MessageID:        r.MessageID,
			Text:             r.Text,
			EndDate:          r.EndDate,
			IsActive:         r.IsActive,
			WinnersCount:     r.WinnersCount,
			ParticipantCount: count,
			CreatedAt:        r.CreatedAt,
		})
	}
	return views, nil
}

// ListParticipants は抽選の参加者を登録順に返す。
func (s *Service) ListParticipants(ctx context.Context, raffleID string) ([]model.ParticipantView, error) {
	if _, err := s.loadRaffle(ctx, raffleID); err != nil {
		return nil, err
	}

	roster, err := s.loadRoster(ctx, raffleID)
	if err != nil {
		return nil, err
	}

	views := make([]model.ParticipantView, len(roster))
	for i := range roster {
		views[i] = model.NewParticipantView(&roster[i])
	}
	return views, nil
}

// Enroll はユーザーを抽選に参加登録する。
//
// 参加確認自体が失敗した場合は登録せずEligibilityCheckFailedを返す。
// チャンネル未参加の場合はエラーではなくEnrollOutcomeNotEligibleを返す。
func (s *Service) Enroll(ctx context.Context, raffleID string, identity model.Identity) (model.EnrollOutcome, error) {
	unlock := s.locks.RLock(raffleID)
	defer unlock()

	r, err := s.loadRaffle(ctx, raffleID)
	if err != nil {
		return "", err
	}
	if !r.IsActive {
		return "", model.NewRaffleClosedError(raffleID)
	}

	membership, err := s.checkMembership(ctx, identity.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("参加確認に失敗したため登録を中止しました",
			slog.String("raffle_id", raffleID),
			slog.Int64("user_id", identity.UserID),
			slog.String("error", err.Error()),
		)
		return "", model.NewEligibilityCheckFailedError()
	}
	if membership != model.MembershipMember {
		s.observer.RecordEnrollment(string(model.EnrollOutcomeNotEligible))
		return model.EnrollOutcomeNotEligible, nil
	}

	p := &model.Participant{
		RaffleID:  raffleID,
		UserID:    identity.UserID,
		Username:  identity.Username,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		JoinedAt:  s.now(),
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	inserted, err := s.participants.AddParticipant(sctx, p)
	if err != nil {
		return "", s.mapRepositoryError(ctx, raffleID, "参加者の登録", err)
	}

	outcome := model.EnrollOutcomeAlreadyEnrolled
	if inserted {
		outcome = model.EnrollOutcomeEnrolled
		s.logger.Info("参加者を登録しました",
			slog.String("raffle_id", raffleID),
			slog.Int64("user_id", identity.UserID),
		)
	}
	s.observer.RecordEnrollment(string(outcome))
	return outcome, nil
}

// Draw は抽選を実行し、当選者を確定して抽選を終了する。
//
// 参加者全員のチャンネル参加状況を改めて確認し、確認できた参加者だけから当選者を選ぶ。
// 当選者の確定に失敗した場合、抽選は開催中のまま残り、最初からやり直せる。
func (s *Service) Draw(ctx context.Context, raffleID string) ([]model.Participant, error) {
	winners, err := s.draw(ctx, raffleID)
	s.observer.RecordDraw(drawResult(err))
	return winners, err
}

// DrawSingle は当選者1名の抽選を実行する。
// WinnersCountが1以外の抽選にはValidationErrorを返す。
func (s *Service) DrawSingle(ctx context.Context, raffleID string) (model.Participant, error) {
	r, err := s.loadRaffle(ctx, raffleID)
	if err != nil {
		return model.Participant{}, err
	}
	if r.WinnersCount != 1 {
		return model.Participant{}, model.NewValidationError(
			fmt.Sprintf("当選者数が%d名の抽選です", r.WinnersCount))
	}

	winners, err := s.Draw(ctx, raffleID)
	if err != nil {
		return model.Participant{}, err
	}
	return winners[0], nil
}

func (s *Service) draw(ctx context.Context, raffleID string) ([]model.Participant, error) {
	unlock := s.locks.Lock(raffleID)
	defer unlock()

	r, err := s.loadRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if !r.IsActive {
		return nil, model.NewRaffleClosedError(raffleID)
	}

	roster, err := s.loadRoster(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, model.NewNoParticipantsError()
	}
	if len(roster) < r.WinnersCount {
		return nil, model.NewInsufficientParticipantsError(len(roster), r.WinnersCount)
	}

	pool, err := s.reverify(ctx, raffleID, roster)
	if err != nil {
		return nil, err
	}
	if len(pool) < r.WinnersCount {
		s.logger.Warn("有効な参加者が当選者数に足りません",
			slog.String("raffle_id", raffleID),
			slog.Int("roster", len(roster)),
			slog.Int("eligible", len(pool)),
			slog.Int("winners_count", r.WinnersCount),
		)
		return nil, model.NewInsufficientEligibleParticipantsError(len(pool), r.WinnersCount)
	}

	winners, err := draw.SelectWinners(pool, r.WinnersCount, s.newRand())
	if err != nil {
		return nil, fmt.Errorf("当選者の選出に失敗しました: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	winnerIDs := make([]int64, len(winners))
	for i, w := range winners {
		winnerIDs[i] = w.UserID
	}

	closedAt := s.now()
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	if err := s.raffles.SetWinners(sctx, raffleID, winnerIDs, closedAt); err != nil {
		return nil, s.mapRepositoryError(ctx, raffleID, "当選者の確定", err)
	}

	s.logger.Info("当選者を確定しました",
		slog.String("raffle_id", raffleID),
		slog.Any("winner_ids", winnerIDs),
		slog.Int("eligible", len(pool)),
	)

	closed := *r
	closed.IsActive = false
	closed.Winners = model.WinnerSlots(winnerIDs)
	closed.ClosedAt = &closedAt
	s.runHooks(ctx, closed, winners)

	return winners, nil
}

// reverify は参加者全員の参加状況を並列に確認し、参加中の参加者だけを返す。
// 個々の確認の失敗は除外扱いにしてエラーにはしない。
func (s *Service) reverify(ctx context.Context, raffleID string, roster []model.Participant) ([]model.Participant, error) {
	eligible := make([]bool, len(roster))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EligibilityConcurrency)
	for i := range roster {
		userID := roster[i].UserID
		g.Go(func() error {
			membership, err := s.checkMembership(gctx, userID)
			if err != nil {
				s.logger.Warn("再確認に失敗した参加者を除外します",
					slog.String("raffle_id", raffleID),
					slog.Int64("user_id", userID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			eligible[i] = membership == model.MembershipMember
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pool := make([]model.Participant, 0, len(roster))
	for i, ok := range eligible {
		if ok {
			pool = append(pool, roster[i])
		}
	}
	return pool, nil
}

func (s *Service) runHooks(ctx context.Context, r model.Raffle, winners []model.Participant) {
	base := context.WithoutCancel(ctx)
	for _, h := range s.hooks {
		s.hookWG.Add(1)
		go func() {
			defer s.hookWG.Done()

			hctx := base
			if s.cfg.HookTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(base, s.cfg.HookTimeout)
				defer cancel()
			}

			if err := callHook(hctx, h.fn, r, slices.Clone(winners)); err != nil {
				s.observer.RecordHookFailure(h.name)
				s.logger.Error("抽選確定後の処理に失敗しました",
					slog.String("hook", h.name),
					slog.String("raffle_id", r.ID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

func callHook(ctx context.Context, fn DrawHook, r model.Raffle, winners []model.Participant) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, r, winners)
}

func (s *Service) loadRaffle(ctx context.Context, id string) (*model.Raffle, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	r, err := s.raffles.FindByID(sctx, id)
	if err != nil {
		return nil, s.storageError(ctx, "抽選の取得", err)
	}
	if r == nil {
		return nil, model.NewRaffleNotFoundError(id)
	}
	return r, nil
}

// loadRoster は参加者名簿を登録順（同時刻はユーザーID順）で返す。
func (s *Service) loadRoster(ctx context.Context, raffleID string) ([]model.Participant, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	ps, err := s.participants.ListByRaffle(sctx, raffleID)
	if err != nil {
		return nil, s.storageError(ctx, "参加者一覧の取得", err)
	}

	roster := make([]model.Participant, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			roster = append(roster, *p)
		}
	}
	slices.SortFunc(roster, func(a, b model.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return roster, nil
}

func (s *Service) checkMembership(ctx context.Context, userID int64) (model.Membership, error) {
	if s.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CheckTimeout)
		defer cancel()
	}
	return s.checker.CheckMembership(ctx, userID)
}

func (s *Service) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StorageTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.StorageTimeout)
	}
	return context.WithCancel(ctx)
}

// storageError は永続化層のエラーをStorageErrorに変換する。
// 呼び出し元のcontextが終了している場合はそのエラーを返す。
func (s *Service) storageError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return model.NewStorageError(op, err)
}

func (s *Service) mapRepositoryError(ctx context.Context, raffleID, op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrRaffleNotFound):
		return model.NewRaffleNotFoundError(raffleID)
	case errors.Is(err, repository.ErrRaffleNotActive):
		return model.NewRaffleClosedError(raffleID)
	default:
		return s.storageError(ctx, op, err)
	}
}

func drawResult(err error) string {
	if err == nil {
		return DrawResultSuccess
	}
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code
	case model.IsStorageError(err):
		return DrawResultStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return DrawResultCanceled
	default:
		return "error"
	}
}

type nopObserver struct{}

func (nopObserver) RecordRaffleCreated()     {}
func (nopObserver) RecordEnrollment(string)  {}
func (nopObserver) RecordDraw(string)        {}
func (nopObserver) RecordHookFailure(string) {}
