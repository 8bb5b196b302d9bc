// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workerpool 提供一个固定大小的 goroutine 池 用于分发已建立的连接
package workerpool

import (
	"sync"

	"github.com/packetd/rdx/internal/rescue"
)

// Task 是提交给 Pool 执行的一个工作单元
type Task func()

// Pool 是一个固定大小的 worker 池
//
// 提交的 Task 在某个 worker goroutine 中发生 panic 不会导致整个池停止
// 调用方通过 Close 等待所有已提交的 Task 执行完毕
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// New 创建一个大小为 size 的 Pool 并立即启动全部 worker
//
// size <= 0 时回退为 1 个 worker 避免死锁
func New(size, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}

	p := &Pool{
		tasks: make(chan Task, queue),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer rescue.HandleCrash()
	task()
}

// Submit 将 task 提交给池 若通道已关闭则直接丢弃
//
// Submit 在队列已满时会阻塞 调用方应在自己的 goroutine 中调用
func (p *Pool) Submit(task Task) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	p.tasks <- task
	return true
}

// Close 关闭任务通道并等待所有在途 Task 执行完毕
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
