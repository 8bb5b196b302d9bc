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

package packet

import (
	"net"

	"github.com/packetd/rdx/common"
	"github.com/packetd/rdx/internal/zerocopy"
)

// ChunkStream 将一段字节流惰性地切割为一串带递增序列号的 DATA Packet
//
// ChunkStream 是懒惰、有限、不可重放的：Next 每调用一次才切出下一个分片，
// 字节流耗尽后 Next 返回 false；一旦第一个 Packet 被产出，Type/Peer/Port/
// ChunkSize 等构建参数即被锁定，后续的 With* 调用不再生效
type ChunkStream struct {
	src      zerocopy.Buffer
	seq      uint32
	typ      Type
	peer     net.IP
	port     uint16
	size     int
	produced bool
	done     bool
}

// NewChunkStream 创建一个从 firstSeq 开始编号的 ChunkStream
func NewChunkStream(data []byte, firstSeq uint32) *ChunkStream {
	return &ChunkStream{
		src:  zerocopy.NewBuffer(data),
		seq:  firstSeq,
		typ:  TypeData,
		size: common.MaxPayloadSize,
	}
}

// WithType 设置切片产出的 Packet 类型 默认 TypeData
func (cs *ChunkStream) WithType(t Type) *ChunkStream {
	if !cs.produced {
		cs.typ = t
	}
	return cs
}

// WithPeer 设置每个切片携带的声明对端地址
func (cs *ChunkStream) WithPeer(ip net.IP, port uint16) *ChunkStream {
	if !cs.produced {
		cs.peer = ip
		cs.port = port
	}
	return cs
}

// WithChunkSize 设置单个切片的最大载荷字节数 超过 MaxPayloadSize 会被截断
func (cs *ChunkStream) WithChunkSize(n int) *ChunkStream {
	if !cs.produced {
		if n <= 0 || n > common.MaxPayloadSize {
			n = common.MaxPayloadSize
		}
		cs.size = n
	}
	return cs
}

// Next 产出流中的下一个 Packet
//
// 空字节流（len(data)==0）仍会产出恰好一个携带零字节载荷的 Packet，
// 以便调用方可以用单个分片表达「空消息」而不是完全不发送任何数据
func (cs *ChunkStream) Next() (Packet, bool) {
	if cs.done {
		return Packet{}, false
	}

	b, err := cs.src.Read(cs.size)
	if err != nil {
		if !cs.produced {
			cs.produced = true
			cs.done = true
			return New(cs.typ, cs.seq, cs.peer, cs.port, nil), true
		}
		cs.done = true
		return Packet{}, false
	}

	cs.produced = true
	p := New(cs.typ, cs.seq, cs.peer, cs.port, b)
	cs.seq++
	return p, true
}
