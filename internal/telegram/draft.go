package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DraftStep は抽選作成ダイアログの段階。
type DraftStep string

const (
	StepText    DraftStep = "text"
	StepPhoto   DraftStep = "photo"
	StepWinners DraftStep = "winners"
	StepEndDate DraftStep = "end_date"
	StepDone    DraftStep = "done"
)

var (
	// ErrNoDraft は作成中の下書きがない（期限切れを含む）ことを示す。
	ErrNoDraft = errors.New("telegram: no draft in progress")
	// ErrWrongStep は現在の段階で受け付けない入力であることを示す。
	ErrWrongStep = errors.New("telegram: input does not match the draft step")
	// ErrInvalidDraftInput は入力値が不正であることを示す。段階は進まない。
	ErrInvalidDraftInput = errors.New("telegram: invalid draft input")
)

// Draft は運営者1人分の作成途中の抽選。
// text → photo → winners → end_date → done の順にだけ進む。
type Draft struct {
	Step         DraftStep
	Text         string
	PhotoRef     string
	WinnersCount int
	EndDate      time.Time
	UpdatedAt    time.Time
}

func (d *Draft) expect(step DraftStep) error {
	if d.Step != step {
		return fmt.Errorf("%w: at %s, got %s input", ErrWrongStep, d.Step, step)
	}
	return nil
}

// SetText は賞品説明を設定する。
func (d *Draft) SetText(text string) error {
	if err := d.expect(StepText); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidDraftInput)
	}
	d.Text = text
	d.Step = StepPhoto
	return nil
}

// SetPhoto は写真のfile_idを設定する。空文字列は写真なしとして扱う。
func (d *Draft) SetPhoto(fileID string) error {
	if err := d.expect(StepPhoto); err != nil {
		return err
	}
	d.PhotoRef = fileID
	d.Step = StepWinners
	return nil
}

// SetWinners は当選者数を設定する。
func (d *Draft) SetWinners(n, maxWinners int) error {
	if err := d.expect(StepWinners); err != nil {
		return err
	}
	if n < 1 || n > maxWinners {
		return fmt.Errorf("%w: winners %d out of [1, %d]", ErrInvalidDraftInput, n, maxWinners)
	}
	d.WinnersCount = n
	d.Step = StepEndDate
	return nil
}

// SetEndDate は終了予定日時を設定し、下書きを完成させる。
func (d *Draft) SetEndDate(t time.Time) error {
	if err := d.expect(StepEndDate); err != nil {
		return err
	}
	if t.IsZero() {
		return fmt.Errorf("%w: zero end date", ErrInvalidDraftInput)
	}
	d.EndDate = t
	d.Step = StepDone
	return nil
}

// DraftStore は運営者IDごとの下書きを保持する。
// 最後の更新からttlを過ぎた下書きは存在しないものとして扱う。
type DraftStore struct {
	mu     sync.Mutex
	drafts map[int64]*Draft
	ttl    time.Duration
	now    func() time.Time
}

// NewDraftStore はDraftStoreを生成する。ttlが0以下の場合は期限切れにならない。
func NewDraftStore(ttl time.Duration) *DraftStore {
	return &DraftStore{
		drafts: make(map[int64]*Draft),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *DraftStore) expired(d *Draft, now time.Time) bool {
	return s.ttl > 0 && now.Sub(d.UpdatedAt) > s.ttl
}

// Start は新しい下書きを開始する。既存の下書きは破棄する。
func (s *DraftStore) Start(operatorID int64) Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Draft{Step: StepText, UpdatedAt: s.now()}
	s.drafts[operatorID] = d
	return *d
}

// Get は下書きのコピーを返す。
func (s *DraftStore) Get(operatorID int64) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[operatorID]
	if !ok {
		return Draft{}, false
	}
	if s.expired(d, s.now()) {
		delete(s.drafts, operatorID)
		return Draft{}, false
	}
	return *d, true
}

// Update は下書きにfnを適用する。fnがエラーを返した場合は下書きを変更しない。
func (s *DraftStore) Update(operatorID int64, fn func(d *Draft) error) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	d, ok := s.drafts[operatorID]
	if !ok || s.expired(d, now) {
		delete(s.drafts, operatorID)
		return Draft{}, ErrNoDraft
	}

	next := *d
	if err := fn(&next); err != nil {
		return *d, err
	}
	next.UpdatedAt = now
	*d = next
	return next, nil
}

// Reset は下書きを破棄する。破棄した下書きがあった場合はtrueを返す。
func (s *DraftStore) Reset(operatorID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[operatorID]
	delete(s.drafts, operatorID)
	return ok && !s.expired(d, s.now())
}

// Sweep は期限切れの下書きを削除し、削除した件数を返す。
func (s *DraftStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, d := range s.drafts {
		if s.expired(d, now) {
			delete(s.drafts, id)
			n++
		}
	}
	return n
}

// Len は保持している下書きの件数を返す。
func (s *DraftStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

// RunSweeper はctxが終了するまでintervalごとにSweepを実行する。
func (s *DraftStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
