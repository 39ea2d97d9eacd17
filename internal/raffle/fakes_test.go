package raffle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/rafflebot/internal/model"
	"github.com/hitoshi/rafflebot/internal/repository"
)

// fakeRepo はRaffleRepositoryとParticipantRepositoryのインメモリ実装。
// *Fn フィールドを設定するとその呼び出しを差し替える。
type fakeRepo struct {
	mu           sync.Mutex
	seq          int
	raffles      map[string]*model.Raffle
	participants map[string]map[int64]*model.Participant

	findByIDFn       func(ctx context.Context, id string) (*model.Raffle, error)
	setWinnersFn     func(ctx context.Context, id string, winnerIDs []int64, closedAt time.Time) error
	setWinnersCalls  int
	addParticipantFn func(ctx context.Context, p *model.Participant) (bool, error)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		raffles:      make(map[string]*model.Raffle),
		participants: make(map[string]map[int64]*model.Participant),
	}
}

func (f *fakeRepo) CreateRaffle(_ context.Context, r *model.Raffle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		if r.MessageID != 0 {
			r.ID = strconv.FormatInt(r.MessageID, 10)
		} else {
			f.seq++
			r.ID = fmt.Sprintf("raffle-%d", f.seq)
		}
	}
	if _, ok := f.raffles[r.ID]; ok {
		return repository.ErrRaffleExists
	}
	r.IsActive = true
	r.Winners = model.EmptyWinnerSlots(r.WinnersCount)
	stored := *r
	f.raffles[r.ID] = &stored
	f.participants[r.ID] = make(map[int64]*model.Participant)
	return nil
}

func (f *fakeRepo) FindByID(ctx context.Context, id string) (*model.Raffle, error) {
	if f.findByIDFn != nil {
		return f.findByIDFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.raffles[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) ListActive(_ context.Context) ([]*model.Raffle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Raffle
	for _, r := range f.raffles {
		if r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) SetWinners(ctx context.Context, id string, winnerIDs []int64, closedAt time.Time) error {
	f.mu.Lock()
	f.setWinnersCalls++
	fn := f.setWinnersFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, winnerIDs, closedAt)
	}
	return f.commitWinners(id, winnerIDs, closedAt)
}

func (f *fakeRepo) commitWinners(id string, winnerIDs []int64, closedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.raffles[id]
	if !ok {
		return repository.ErrRaffleNotFound
	}
	if !r.IsActive {
		return repository.ErrRaffleNotActive
	}
	if len(winnerIDs) != r.WinnersCount {
		return fmt.Errorf("winner count mismatch")
	}
	r.Winners = model.WinnerSlots(winnerIDs)
	r.IsActive = false
	r.ClosedAt = &closedAt
	return nil
}

func (f *fakeRepo) AddParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	if f.addParticipantFn != nil {
		return f.addParticipantFn(ctx, p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.raffles[p.RaffleID]
	if !ok {
		return false, repository.ErrRaffleNotFound
	}
	if !r.IsActive {
		return false, repository.ErrRaffleNotActive
	}
	roster := f.participants[p.RaffleID]
	if _, dup := roster[p.UserID]; dup {
		return false, nil
	}
	cp := *p
	roster[p.UserID] = &cp
	return true, nil
}

func (f *fakeRepo) ListByRaffle(_ context.Context, raffleID string) ([]*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Participant
	for _, p := range f.participants[raffleID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) Exists(_ context.Context, raffleID string, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.participants[raffleID][userID]
	return ok, nil
}

func (f *fakeRepo) CountByRaffle(_ context.Context, raffleID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.participants[raffleID]), nil
}

// seed は参加者を直接名簿に追加する。
func (f *fakeRepo) seed(raffleID string, userIDs ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range userIDs {
		f.participants[raffleID][id] = &model.Participant{
			RaffleID:  raffleID,
			UserID:    id,
			Username:  fmt.Sprintf("user%d", id),
			FirstName: fmt.Sprintf("User%d", id),
			JoinedAt:  base.Add(time.Duration(i) * time.Second),
		}
	}
}

func (f *fakeRepo) raffle(id string) model.Raffle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.raffles[id]
}

var (
	_ repository.RaffleRepository      = (*fakeRepo)(nil)
	_ repository.ParticipantRepository = (*fakeRepo)(nil)
)

// fakeChecker はユーザーごとの参加状態を返すMembershipChecker。
// 未登録のユーザーは参加中として扱う。
type fakeChecker struct {
	mu       sync.Mutex
	statuses map[int64]model.Membership
	errs     map[int64]error
	calls    int
	checkFn  func(ctx context.Context, userID int64) (model.Membership, error)
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{
		statuses: make(map[int64]model.Membership),
		errs:     make(map[int64]error),
	}
}

func (c *fakeChecker) CheckMembership(ctx context.Context, userID int64) (model.Membership, error) {
	c.mu.Lock()
	c.calls++
	fn := c.checkFn
	status, ok := c.statuses[userID]
	err := c.errs[userID]
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, userID)
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return model.MembershipMember, nil
	}
	return status, nil
}

func (c *fakeChecker) setStatus(userID int64, m model.Membership) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[userID] = m
}

func (c *fakeChecker) setErr(userID int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[userID] = err
}

func (c *fakeChecker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingObserver は受け取ったイベントを記録する。
type recordingObserver struct {
	mu           sync.Mutex
	created      int
	enrollments  map[string]int
	draws        map[string]int
	hookFailures map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		enrollments:  make(map[string]int),
		draws:        make(map[string]int),
		hookFailures: make(map[string]int),
	}
}

func (o *recordingObserver) RecordRaffleCreated() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *recordingObserver) RecordEnrollment(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enrollments[outcome]++
}

func (o *recordingObserver) RecordDraw(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.draws[result]++
}

func (o *recordingObserver) RecordHookFailure(hook string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hookFailures[hook]++
}

func (o *recordingObserver) drawCount(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draws[result]
}

func (o *recordingObserver) hookFailureCount(hook string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hookFailures[hook]
}

func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// stepClock は呼び出しごとに1秒進む時計。
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
