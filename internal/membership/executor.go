// Package membership 维护进程内的在线群成员索引
package membership

import (
	"context"
	"hash/fnv"
	"strconv"
)

const (
	defaultExecutorNum = 5
	executorQueueSize  = 1024
)

// executorPool 按键分片的串行执行器池
//
// 同一键恒定映射到同一执行器，保证该键的变更顺序；不同键并行。
type executorPool struct {
	queues []chan func()
}

func newExecutorPool(n int) *executorPool {
	if n <= 0 {
		n = defaultExecutorNum
	}
	p := &executorPool{queues: make([]chan func(), n)}
	for i := range p.queues {
		p.queues[i] = make(chan func(), executorQueueSize)
	}
	return p
}

func (p *executorPool) start(ctx context.Context) {
	for _, queue := range p.queues {
		go func(queue chan func()) {
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-queue:
					task()
				}
			}
		}(queue)
	}
}

// postUID 按uid哈希选执行器
func (p *executorPool) postUID(uid string, task func()) {
	p.queues[p.index(uid)] <- task
}

// postGID 按gid哈希选执行器
func (p *executorPool) postGID(gid int64, task func()) {
	p.queues[p.index(strconv.FormatInt(gid, 10))] <- task
}

func (p *executorPool) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(p.queues)
}
