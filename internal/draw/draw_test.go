package draw

import (
	"errors"
	"slices"
	"testing"

	"github.com/hitoshi/rafflebot/internal/model"
)

func makePool(n int) []model.Participant {
	pool := make([]model.Participant, n)
	for i := range pool {
		pool[i] = model.Participant{RaffleID: "1", UserID: int64(i + 1)}
	}
	return pool
}

func userIDs(ps []model.Participant) []int64 {
	ids := make([]int64, len(ps))
	for i, p := range ps {
		ids[i] = p.UserID
	}
	return ids
}

func TestSelectWinners_ReturnsKDistinctFromPool(t *testing.T) {
	pool := makePool(20)
	r := NewSeededRand(1)

	for trial := 0; trial < 200; trial++ {
		winners, err := SelectWinners(pool, 5, r)
		if err != nil {
			t.Fatalf("SelectWinners failed: %v", err)
		}
		if len(winners) != 5 {
			t.Fatalf("len(winners) = %d, want 5", len(winners))
		}
		seen := map[int64]bool{}
		for _, w := range winners {
			if seen[w.UserID] {
				t.Fatalf("duplicate winner %d in %v", w.UserID, userIDs(winners))
			}
			seen[w.UserID] = true
			if w.UserID < 1 || w.UserID > 20 {
				t.Fatalf("winner %d not drawn from pool", w.UserID)
			}
		}
	}
}

// TestSelectWinners_FullPool はk == len(pool)の場合に全員が当選することを検証する。
func TestSelectWinners_FullPool(t *testing.T) {
	pool := []model.Participant{
		{UserID: 'A'}, {UserID: 'B'}, {UserID: 'C'},
	}

	winners, err := SelectWinners(pool, 3, NewSeededRand(7))
	if err != nil {
		t.Fatalf("SelectWinners failed: %v", err)
	}
	got := userIDs(winners)
	slices.Sort(got)
	if !slices.Equal(got, []int64{'A', 'B', 'C'}) {
		t.Errorf("winners = %v, want {A, B, C}", got)
	}
}

func TestSelectWinners_SeededIsReproducible(t *testing.T) {
	pool := makePool(30)

	a, err := SelectWinners(pool, 4, NewSeededRand(2026))
	if err != nil {
		t.Fatalf("SelectWinners failed: %v", err)
	}
	b, err := SelectWinners(pool, 4, NewSeededRand(2026))
	if err != nil {
		t.Fatalf("SelectWinners failed: %v", err)
	}
	if !slices.Equal(userIDs(a), userIDs(b)) {
		t.Errorf("same seed produced %v and %v", userIDs(a), userIDs(b))
	}
}

func TestSelectWinners_DoesNotMutatePool(t *testing.T) {
	pool := makePool(10)
	before := userIDs(pool)

	if _, err := SelectWinners(pool, 10, NewSeededRand(3)); err != nil {
		t.Fatalf("SelectWinners failed: %v", err)
	}
	if !slices.Equal(userIDs(pool), before) {
		t.Errorf("pool mutated: %v, want %v", userIDs(pool), before)
	}
}

// TestSelectWinners_OrderIsNotInputOrder は結果が入力順の先頭k個に固定されないことを検証する。
func TestSelectWinners_OrderIsNotInputOrder(t *testing.T) {
	pool := makePool(10)
	r := NewSeededRand(11)
	prefix := userIDs(pool[:3])

	differs := 0
	for trial := 0; trial < 100; trial++ {
		winners, _ := SelectWinners(pool, 3, r)
		if !slices.Equal(userIDs(winners), prefix) {
			differs++
		}
	}
	if differs < 90 {
		t.Errorf("result matched input prefix in %d/100 trials", 100-differs)
	}
}

// TestSelectWinners_Uniform はpool=10, k=1で各参加者の当選頻度が約1/10になることを検証する。
func TestSelectWinners_Uniform(t *testing.T) {
	const (
		poolSize  = 10
		trials    = 10000
		expected  = trials / poolSize
		tolerance = 150
	)
	pool := makePool(poolSize)
	r := NewSeededRand(42)

	counts := make(map[int64]int, poolSize)
	for i := 0; i < trials; i++ {
		winners, err := SelectWinners(pool, 1, r)
		if err != nil {
			t.Fatalf("SelectWinners failed: %v", err)
		}
		counts[winners[0].UserID]++
	}

	for _, p := range pool {
		c := counts[p.UserID]
		if c < expected-tolerance || c > expected+tolerance {
			t.Errorf("participant %d won %d times, want %d±%d", p.UserID, c, expected, tolerance)
		}
	}
}

// TestSelectWinners_InclusionProbability はk=3, pool=6で各参加者の当選確率が約1/2になることを検証する。
func TestSelectWinners_InclusionProbability(t *testing.T) {
	const trials = 6000
	pool := makePool(6)
	r := NewSeededRand(99)

	counts := map[int64]int{}
	firstSlot := map[int64]int{}
	for i := 0; i < trials; i++ {
		winners, _ := SelectWinners(pool, 3, r)
		for _, w := range winners {
			counts[w.UserID]++
		}
		firstSlot[winners[0].UserID]++
	}

	for _, p := range pool {
		if c := counts[p.UserID]; c < 2700 || c > 3300 {
			t.Errorf("participant %d included %d times, want ~3000", p.UserID, c)
		}
		if c := firstSlot[p.UserID]; c < 800 || c > 1200 {
			t.Errorf("participant %d in first slot %d times, want ~1000", p.UserID, c)
		}
	}
}

func TestSelectWinners_InvalidCount(t *testing.T) {
	tests := []struct {
		name string
		pool int
		k    int
	}{
		{"k=0", 5, 0},
		{"k負数", 5, -1},
		{"kがpoolより大きい", 2, 3},
		{"空のpool", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SelectWinners(makePool(tt.pool), tt.k, NewSeededRand(1))
			if !errors.Is(err, ErrInvalidCount) {
				t.Errorf("err = %v, want ErrInvalidCount", err)
			}
		})
	}
}

func TestSelectWinners_NilRandUsesSecureSource(t *testing.T) {
	winners, err := SelectWinners(makePool(5), 2, nil)
	if err != nil {
		t.Fatalf("SelectWinners failed: %v", err)
	}
	if len(winners) != 2 || winners[0].UserID == winners[1].UserID {
		t.Errorf("unexpected winners %v", userIDs(winners))
	}
}
