package onlineredis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsistentIndexStable(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("u%d:1", i)
		first := consistentIndex(key, 8)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		// 同键同桶数映射恒定
		assert.Equal(t, first, consistentIndex(key, 8))
	}
}

func TestConsistentIndexSingleBucket(t *testing.T) {
	assert.Zero(t, consistentIndex("anything", 1))
	assert.Zero(t, consistentIndex("anything", 0))
}

func TestConsistentIndexDistribution(t *testing.T) {
	const buckets = 4
	const keys = 10000
	counts := make([]int, buckets)
	for i := 0; i < keys; i++ {
		counts[consistentIndex(fmt.Sprintf("u%d", i), buckets)]++
	}
	for b, n := range counts {
		// 粗略均匀性：每桶不偏离均值一半以上
		assert.Greater(t, n, keys/buckets/2, "bucket %d", b)
		assert.Less(t, n, keys/buckets*2, "bucket %d", b)
	}
}

func TestConsistentIndexMinimalMovement(t *testing.T) {
	const keys = 10000
	moved := 0
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("u%d", i)
		if consistentIndex(key, 8) != consistentIndex(key, 9) {
			moved++
		}
	}
	// 扩一个桶只迁移约 1/9 的键
	assert.Less(t, moved, keys/4)
}
