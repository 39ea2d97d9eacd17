package telegram

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type pollResult struct {
	updates []Update
	err     error
}

// scriptedSource は用意した結果を順に返し、使い切った後はctxの終了まで待つ。
type scriptedSource struct {
	mu      sync.Mutex
	script  []pollResult
	offsets []int64
}

func (s *scriptedSource) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if len(s.script) > 0 {
		next := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		return next.updates, next.err
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) seenOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets...)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	ids  []int64
	done chan struct{}
	want int
}

func newRecordingDispatcher(want int) *recordingDispatcher {
	return &recordingDispatcher{done: make(chan struct{}), want: want}
}

func (d *recordingDispatcher) Handle(_ context.Context, upd Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, upd.UpdateID)
	if len(d.ids) == d.want {
		close(d.done)
	}
}

func (d *recordingDispatcher) handled() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.ids...)
}

func runPoller(t *testing.T, p *Poller) (cancel func(), wait func() error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	return cancelFn, func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func TestPoller_AdvancesOffsetAndDispatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &scriptedSource{script: []pollResult{
		{updates: []Update{
			{UpdateID: 10, Message: &Message{Text: "a"}},
			{UpdateID: 11, CallbackQuery: &CallbackQuery{ID: "cb"}},
		}},
		{updates: []Update{{UpdateID: 12, Message: &Message{Text: "b"}}}},
	}}
	dispatcher := newRecordingDispatcher(3)
	var logs bytes.Buffer
	p := NewPoller(source, dispatcher, PollerConfig{Timeout: time.Second}, newTestLogger(&logs))

	cancel, wait := runPoller(t, p)
	select {
	case <-dispatcher.done:
	case <-time.After(5 * time.Second):
		t.Fatal("updates were not dispatched")
	}
	cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := len(dispatcher.handled()); got != 3 {
		t.Errorf("handled = %d, want 3", got)
	}
	offsets := source.seenOffsets()
	want := []int64{0, 12, 13}
	if len(offsets) < len(want) {
		t.Fatalf("offsets = %v, want prefix %v", offsets, want)
	}
	for i, o := range want {
		if offsets[i] != o {
			t.Errorf("offsets[%d] = %d, want %d", i, offsets[i], o)
		}
	}
}

func TestPoller_RetriesAfterErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &scriptedSource{script: []pollResult{
		{err: &APIError{Method: "getUpdates", Code: 429, Description: "Too Many Requests", RetryAfter: 10 * time.Millisecond}},
		{err: errors.New("connection reset")},
		{updates: []Update{{UpdateID: 1, Message: &Message{Text: "ok"}}}},
	}}
	dispatcher := newRecordingDispatcher(1)
	var logs bytes.Buffer
	p := NewPoller(source, dispatcher, PollerConfig{
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}, newTestLogger(&logs))

	cancel, wait := runPoller(t, p)
	select {
	case <-dispatcher.done:
	case <-time.After(5 * time.Second):
		t.Fatal("update after retries was not dispatched")
	}
	cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if got := len(source.seenOffsets()); got < 3 {
		t.Errorf("GetUpdates calls = %d, want >= 3", got)
	}
	if !bytes.Contains(logs.Bytes(), []byte("更新の取得に失敗しました")) {
		t.Error("取得失敗をログに出力するべき")
	}
}

func TestPoller_StopsDuringBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &scriptedSource{script: []pollResult{
		{err: errors.New("unreachable")},
	}}
	var logs bytes.Buffer
	p := NewPoller(source, newRecordingDispatcher(1), PollerConfig{
		MinBackoff: time.Hour,
		MaxBackoff: time.Hour,
	}, newTestLogger(&logs))

	cancel, wait := runPoller(t, p)
	deadline := time.Now().Add(5 * time.Second)
	for len(source.seenOffsets()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
