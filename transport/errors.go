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

import "github.com/pkg/errors"

// 错误分类对齐连接生命周期中的故障来源：
//
//   - ErrMalformedPacket 无法解析的字节序列 应被丢弃并记录日志 不致命
//   - ErrHandshakeFailure 握手阶段重试耗尽
//   - ErrTransientIO 单次 I/O 失败 由 reliable_send 的重试机制吸收
//   - ErrFatalIO 不可恢复的 I/O 错误 会锁存在 Stream 上并在下次操作时返回
//   - ErrStreamClosed 在已关闭的 Stream 上进行读写 对调用方呈现为 EOF 语义
//   - ErrDuplicateSyn 收到的 SYN 落在抑制窗口内 被直接丢弃
//   - ErrTimedOut reliable_send 在用尽所有尝试后仍未收到可接受的响应
//   - ErrInvalidResponse 收到的响应类型不在调用方声明的可接受集合内
var (
	ErrMalformedPacket = errors.New("transport: malformed packet")
	ErrHandshakeFailure = errors.New("transport: handshake failure")
	ErrTransientIO      = errors.New("transport: transient i/o error")
	ErrFatalIO          = errors.New("transport: fatal i/o error")
	ErrStreamClosed     = errors.New("transport: stream closed")
	ErrDuplicateSyn     = errors.New("transport: duplicate syn")
	ErrTimedOut         = errors.New("transport: timed out")
	ErrInvalidResponse  = errors.New("transport: invalid response")
)

// wrapf 是一个薄封装 统一错误上下文的拼接方式
func wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
