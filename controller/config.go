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

package controller

import (
	"time"

	"github.com/packetd/rdx/common"
)

// Config drives a Controller's transport listener and worker pool. It is
// unpacked from the "transport" section of the process configuration.
type Config struct {
	// Listen 监听地址 接受入站握手
	Listen string `config:"listen"`

	// Proxy 可选的 router 地址 非空时所有数据包都经由该地址中转
	Proxy string `config:"proxy"`

	// Workers 处理已建立连接的 worker 数量 <= 0 时回退为 GOMAXPROCS(0)
	Workers int `config:"workers"`

	HandshakeAttempts int           `config:"handshakeAttempts"`
	DataAttempts      int           `config:"dataAttempts"`
	IOTimeout         time.Duration `config:"ioTimeout"`
	DupSynWindow      time.Duration `config:"dupSynWindow"`
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return common.Concurrency()
}
