package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/rafflebot/internal/model"
)

type repoFactory func(t *testing.T) (RaffleRepository, ParticipantRepository)

func newTestRaffle(messageID int64, winners int) *model.Raffle {
	return &model.Raffle{
		MessageID:    messageID,
		Text:         "Prize: a mug",
		EndDate:      time.Date(2026, 12, 31, 18, 0, 0, 0, time.UTC),
		WinnersCount: winners,
	}
}

func mustCreate(t *testing.T, repo RaffleRepository, r *model.Raffle) *model.Raffle {
	t.Helper()
	if err := repo.CreateRaffle(context.Background(), r); err != nil {
		t.Fatalf("CreateRaffle failed: %v", err)
	}
	return r
}

func mustAdd(t *testing.T, repo ParticipantRepository, raffleID string, userID int64) bool {
	t.Helper()
	added, err := repo.AddParticipant(context.Background(), &model.Participant{
		RaffleID:  raffleID,
		UserID:    userID,
		Username:  "user",
		FirstName: "First",
	})
	if err != nil {
		t.Fatalf("AddParticipant(%s, %d) failed: %v", raffleID, userID, err)
	}
	return added
}

// assertRaffleInvariant はIsActiveが偽であることと当選者スロットが全て埋まっていることの同値性を検証する。
func assertRaffleInvariant(t *testing.T, r *model.Raffle) {
	t.Helper()
	if len(r.Winners) != r.WinnersCount {
		t.Fatalf("len(Winners) = %d, want %d", len(r.Winners), r.WinnersCount)
	}
	if r.IsActive == r.WinnersComplete() {
		t.Fatalf("invariant violated: IsActive=%v, WinnersComplete=%v", r.IsActive, r.WinnersComplete())
	}
}

// runRepositoryContract は全てのリポジトリ実装が満たすべき振る舞いを検証する。
func runRepositoryContract(t *testing.T, newRepos repoFactory) {
	t.Run("作成したメッセージIDの抽選を取得できる", func(t *testing.T) {
		raffles, _ := newRepos(t)
		ctx := context.Background()

		r := mustCreate(t, raffles, newTestRaffle(1001, 2))
		if r.ID != "1001" {
			t.Errorf("ID = %q, want %q", r.ID, "1001")
		}

		got, err := raffles.FindByID(ctx, "1001")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected raffle, got nil")
		}
		if got.Text != "Prize: a mug" || got.WinnersCount != 2 || !got.IsActive || got.MessageID != 1001 {
			t.Errorf("unexpected raffle: %+v", got)
		}
		if !got.EndDate.Equal(time.Date(2026, 12, 31, 18, 0, 0, 0, time.UTC)) {
			t.Errorf("EndDate = %v", got.EndDate)
		}
		assertRaffleInvariant(t, got)
	})

	t.Run("投稿がない抽選にはUUIDが採番される", func(t *testing.T) {
		raffles, _ := newRepos(t)

		r := mustCreate(t, raffles, newTestRaffle(0, 1))
		if _, err := uuid.Parse(r.ID); err != nil {
			t.Errorf("ID %q should be a UUID: %v", r.ID, err)
		}
	})

	t.Run("存在しない抽選はnilを返す", func(t *testing.T) {
		raffles, _ := newRepos(t)

		got, err := raffles.FindByID(context.Background(), "missing")
		if err != nil || got != nil {
			t.Errorf("FindByID(missing) = (%v, %v), want (nil, nil)", got, err)
		}
	})

	t.Run("同じIDの抽選は重複作成できない", func(t *testing.T) {
		raffles, _ := newRepos(t)

		mustCreate(t, raffles, newTestRaffle(2002, 1))
		err := raffles.CreateRaffle(context.Background(), newTestRaffle(2002, 1))
		if !errors.Is(err, ErrRaffleExists) {
			t.Errorf("err = %v, want ErrRaffleExists", err)
		}
	})

	t.Run("参加登録は冪等である", func(t *testing.T) {
		raffles, participants := newRepos(t)
		ctx := context.Background()
		r := mustCreate(t, raffles, newTestRaffle(3003, 1))

		if !mustAdd(t, participants, r.ID, 10) {
			t.Error("first AddParticipant should report added")
		}
		if mustAdd(t, participants, r.ID, 10) {
			t.Error("second AddParticipant should report already present")
		}

		count, err := participants.CountByRaffle(ctx, r.ID)
		if err != nil || count != 1 {
			t.Errorf("CountByRaffle = (%d, %v), want (1, nil)", count, err)
		}
		list, err := participants.ListByRaffle(ctx, r.ID)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListByRaffle = (%d items, %v), want 1", len(list), err)
		}
		if list[0].UserID != 10 || list[0].FirstName != "First" || list[0].JoinedAt.IsZero() {
			t.Errorf("unexpected participant: %+v", list[0])
		}

		ok, err := participants.Exists(ctx, r.ID, 10)
		if err != nil || !ok {
			t.Errorf("Exists(10) = (%v, %v), want (true, nil)", ok, err)
		}
		ok, err = participants.Exists(ctx, r.ID, 11)
		if err != nil || ok {
			t.Errorf("Exists(11) = (%v, %v), want (false, nil)", ok, err)
		}
	})

	t.Run("存在しない抽選への参加はErrRaffleNotFound", func(t *testing.T) {
		_, participants := newRepos(t)

		_, err := participants.AddParticipant(context.Background(), &model.Participant{RaffleID: "missing", UserID: 1})
		if !errors.Is(err, ErrRaffleNotFound) {
			t.Errorf("err = %v, want ErrRaffleNotFound", err)
		}
	})

	t.Run("当選者の確定で抽選が終了する", func(t *testing.T) {
		raffles, participants := newRepos(t)
		ctx := context.Background()
		r := mustCreate(t, raffles, newTestRaffle(4004, 2))
		mustAdd(t, participants, r.ID, 1)
		mustAdd(t, participants, r.ID, 2)

		closedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
		if err := raffles.SetWinners(ctx, r.ID, []int64{2, 1}, closedAt); err != nil {
			t.Fatalf("SetWinners failed: %v", err)
		}

		got, err := raffles.FindByID(ctx, r.ID)
		if err != nil || got == nil {
			t.Fatalf("FindByID = (%v, %v)", got, err)
		}
		assertRaffleInvariant(t, got)
		if got.IsActive {
			t.Fatal("raffle should be closed")
		}
		if *got.Winners[0] != 2 || *got.Winners[1] != 1 {
			t.Errorf("Winners = [%d %d], want [2 1]", *got.Winners[0], *got.Winners[1])
		}
		if got.ClosedAt == nil || !got.ClosedAt.Equal(closedAt) {
			t.Errorf("ClosedAt = %v, want %v", got.ClosedAt, closedAt)
		}

		active, err := raffles.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		for _, a := range active {
			if a.ID == r.ID {
				t.Error("closed raffle must not be listed as active")
			}
		}
	})

	t.Run("終了済みの抽選は再確定も参加もできない", func(t *testing.T) {
		raffles, participants := newRepos(t)
		ctx := context.Background()
		r := mustCreate(t, raffles, newTestRaffle(5005, 1))
		mustAdd(t, participants, r.ID, 1)

		if err := raffles.SetWinners(ctx, r.ID, []int64{1}, time.Now()); err != nil {
			t.Fatalf("SetWinners failed: %v", err)
		}
		if err := raffles.SetWinners(ctx, r.ID, []int64{99}, time.Now()); !errors.Is(err, ErrRaffleNotActive) {
			t.Errorf("second SetWinners err = %v, want ErrRaffleNotActive", err)
		}
		got, _ := raffles.FindByID(ctx, r.ID)
		if *got.Winners[0] != 1 {
			t.Errorf("winners must not change after close: got %d", *got.Winners[0])
		}

		if _, err := participants.AddParticipant(ctx, &model.Participant{RaffleID: r.ID, UserID: 7}); !errors.Is(err, ErrRaffleNotActive) {
			t.Errorf("AddParticipant on closed raffle err = %v, want ErrRaffleNotActive", err)
		}
	})

	t.Run("存在しない抽選の確定はErrRaffleNotFound", func(t *testing.T) {
		raffles, _ := newRepos(t)

		err := raffles.SetWinners(context.Background(), "missing", []int64{1}, time.Now())
		if !errors.Is(err, ErrRaffleNotFound) {
			t.Errorf("err = %v, want ErrRaffleNotFound", err)
		}
	})

	t.Run("当選者数が一致しない確定は拒否され抽選は開催中のまま", func(t *testing.T) {
		raffles, _ := newRepos(t)
		ctx := context.Background()
		r := mustCreate(t, raffles, newTestRaffle(6006, 2))

		if err := raffles.SetWinners(ctx, r.ID, []int64{1}, time.Now()); err == nil {
			t.Fatal("expected error for winner count mismatch")
		}
		if err := raffles.SetWinners(ctx, r.ID, []int64{1, 1}, time.Now()); err == nil {
			t.Fatal("expected error for duplicate winners")
		}
		got, _ := raffles.FindByID(ctx, r.ID)
		if !got.IsActive {
			t.Error("raffle must remain active after rejected SetWinners")
		}
		assertRaffleInvariant(t, got)
	})

	t.Run("開催中の抽選一覧", func(t *testing.T) {
		raffles, _ := newRepos(t)
		ctx := context.Background()
		mustCreate(t, raffles, newTestRaffle(7001, 1))
		mustCreate(t, raffles, newTestRaffle(7002, 1))

		active, err := raffles.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}
		ids := map[string]bool{}
		for _, a := range active {
			ids[a.ID] = true
			assertRaffleInvariant(t, a)
		}
		if !ids["7001"] || !ids["7002"] {
			t.Errorf("ListActive = %v, want 7001 and 7002", ids)
		}
	})

	t.Run("50人の同時参加登録で重複も欠落もない", func(t *testing.T) {
		raffles, participants := newRepos(t)
		ctx := context.Background()
		r := mustCreate(t, raffles, newTestRaffle(8008, 1))

		const users = 50
		var wg sync.WaitGroup
		for i := 0; i < users; i++ {
			for dup := 0; dup < 2; dup++ {
				wg.Add(1)
				go func(uid int64) {
					defer wg.Done()
					if _, err := participants.AddParticipant(ctx, &model.Participant{RaffleID: r.ID, UserID: uid}); err != nil {
						t.Errorf("AddParticipant(%d) failed: %v", uid, err)
					}
				}(int64(i + 1))
			}
		}
		wg.Wait()

		count, err := participants.CountByRaffle(ctx, r.ID)
		if err != nil || count != users {
			t.Errorf("CountByRaffle = (%d, %v), want (%d, nil)", count, err, users)
		}
	})

	t.Run("同時確定で成功するのは1回だけ", func(t *testing.T) {
		raffles, _ := newRepos(t)
		ctx := context.Background()
		r := mustCreate(t, raffles, newTestRaffle(9009, 1))

		var wins, lost atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(uid int64) {
				defer wg.Done()
				err := raffles.SetWinners(ctx, r.ID, []int64{uid}, time.Now())
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrRaffleNotActive):
					lost.Add(1)
				default:
					t.Errorf("unexpected SetWinners error: %v", err)
				}
			}(int64(i + 1))
		}
		wg.Wait()

		if wins.Load() != 1 || lost.Load() != 9 {
			t.Errorf("wins = %d, lost = %d, want 1 and 9", wins.Load(), lost.Load())
		}
	})
}
