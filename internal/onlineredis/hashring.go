// Package onlineredis 实现在线总线的分区Redis发布订阅客户端
//
// 总线由若干命名分区组成，每个分区一主多副本。订阅落在分区的全部
// 节点上，发布只投最高优先级的可用节点。分区选择使用一致性跳跃
// 哈希，分区数量不变时键到分区的映射稳定。
package onlineredis

import "hash/fnv"

// consistentIndex 一致性跳跃哈希，将键映射到 [0, numBuckets)
//
// 桶数量变化时仅有约 1/n 的键发生迁移。
func consistentIndex(key string, numBuckets int) int {
	if numBuckets <= 1 {
		return 0
	}
	hash := fnv.New64a()
	hash.Write([]byte(key))
	k := hash.Sum64()

	var b, j int64
	for j < int64(numBuckets) {
		b = j
		k = k*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((k>>33)+1)))
	}
	return int(b)
}
