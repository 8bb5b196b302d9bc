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

package common

import (
	"runtime"
	"time"
)

// Concurrency 返回 worker pool 的默认大小
//
// automaxprocs 在 cmd.Execute 启动时已经根据 cgroup 配额调整过 GOMAXPROCS
// 因此这里直接读取运行时值即可反映容器环境下的真实可用核数
func Concurrency() int {
	return runtime.GOMAXPROCS(0)
}

var started int64

func init() {
	started = time.Now().Unix()
}

// Started 返回进程启动时间戳
func Started() int64 {
	return started
}
