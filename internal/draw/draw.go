// Package draw は参加者集合から当選者を公平に選ぶ抽選エンジンを提供する。
// I/Oを行わない純粋な関数のみを含む。
package draw

import (
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/hitoshi/rafflebot/internal/model"
)

// ErrInvalidCount は当選者数が1未満、または参加者数を超えることを示す。
var ErrInvalidCount = errors.New("draw: winner count out of range")

// SelectWinners はpoolから重複なくk人を一様ランダムに選ぶ。
// 部分的なFisher-Yatesシャッフルで先頭k個を確定させるため、返す順序もランダムになる。
// k == len(pool) の場合はpool全体のランダムな並べ替えを返す。
// poolは変更しない。rがnilの場合は暗号論的に安全な乱数源を使う。
func SelectWinners(pool []model.Participant, k int, r *rand.Rand) ([]model.Participant, error) {
	if k < 1 || k > len(pool) {
		return nil, fmt.Errorf("%w: k=%d, pool=%d", ErrInvalidCount, k, len(pool))
	}
	if r == nil {
		r = NewSecureRand()
	}

	picked := slices.Clone(pool)
	n := len(picked)
	for i := 0; i < k; i++ {
		j := i + r.IntN(n-i)
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked[:k:k], nil
}

// NewSecureRand はcrypto/randでシードしたChaCha8の乱数生成器を返す。
// 返り値は並行利用できないため、抽選ごとに生成すること。
func NewSecureRand() *rand.Rand {
	var seed [32]byte
	// Go 1.24以降のcrypto/rand.Readはエラーを返さない
	_, _ = cryptorand.Read(seed[:])
	return rand.New(rand.NewChaCha8(seed))
}

// NewSeededRand は固定シードの再現可能な乱数生成器を返す。テスト用。
func NewSeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^pcgStream))
}

// PCGの2つ目のシード語を1つ目から導出するための定数
const pcgStream = 0x9e3779b97f4a7c15
