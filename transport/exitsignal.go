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

package transport

import (
	"sync"
	"sync/atomic"
)

// ExitSignal 是一个跨 goroutine 的协作式取消原语
//
// 由一个原子标志位和一个一次性屏障组成：Shutdown 置位标志并唤醒所有等待者
// 它可以被值拷贝传递 底层状态是共享的 这与原始实现中 Arc<AtomicBool> +
// Arc<Barrier> 的组合语义一致
type ExitSignal struct {
	flag *atomic.Bool
	done chan struct{}
	once *sync.Once
}

// NewExitSignal 创建一个新的 ExitSignal
func NewExitSignal() ExitSignal {
	return ExitSignal{
		flag: new(atomic.Bool),
		done: make(chan struct{}),
		once: new(sync.Once),
	}
}

// ShouldExit 返回是否已经请求退出
func (s ExitSignal) ShouldExit() bool {
	return s.flag.Load()
}

// Shutdown 请求退出 幂等 可安全多次调用
func (s ExitSignal) Shutdown() {
	s.flag.Store(true)
	s.once.Do(func() {
		close(s.done)
	})
}

// Done 返回一个在 Shutdown 被调用后关闭的 channel 供 select 使用
func (s ExitSignal) Done() <-chan struct{} {
	return s.done
}
