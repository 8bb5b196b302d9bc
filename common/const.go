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

import "time"

const (
	// App 应用程序名称
	App = "rdx"

	// Version 应用程序版本
	Version = "v0.1.0"

	// HeaderSize 是 RDX 数据包固定头部的字节数
	//
	// 1 字节类型 + 4 字节序列号 + 4 字节 IPv4 地址 + 2 字节端口
	HeaderSize = 11

	// MaxDatagramSize 是单个 UDP 数据报允许的最大字节数
	MaxDatagramSize = 1025

	// MaxPayloadSize 是扣除头部后单个数据包可携带的最大载荷字节数
	MaxPayloadSize = MaxDatagramSize - HeaderSize
)

// These govern the reliable-send retry budget and are process-wide
// tunables rather than wire-format constants, so they are plain vars a
// controller can override at startup from its "transport" config section
// before any Listen/Dial call is made.
var (
	// HandshakeAttempts 是握手阶段单个分组允许的最大重试次数
	HandshakeAttempts = 10

	// DataAttempts 是数据传输阶段单个分组允许的最大重试次数
	DataAttempts = 4096

	// IOTimeout 是 reliable_send 单次尝试等待响应的超时时间
	IOTimeout = 100 * time.Millisecond

	// DupSynWindow 是重复 SYN 抑制窗口
	DupSynWindow = 2 * time.Second
)
