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

// Package packet 定义 RDX 协议的线上数据包格式及其编解码规则
package packet

import (
	"fmt"
	"net"

	"github.com/packetd/rdx/common"
)

// Type 标识数据包在 RDX 协议中的角色
type Type uint8

const (
	TypeAck     Type = 0
	TypeSyn     Type = 1
	TypeSynAck  Type = 2
	TypeNak     Type = 3
	TypeData    Type = 4
	TypeFin     Type = 5
	TypeFinAck  Type = 6
	TypeFlush   Type = 7
	TypeInvalid Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeAck:
		return "ACK"
	case TypeSyn:
		return "SYN"
	case TypeSynAck:
		return "SYN-ACK"
	case TypeNak:
		return "NAK"
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeFinAck:
		return "FIN-ACK"
	case TypeFlush:
		return "FLUSH"
	default:
		return "INVALID"
	}
}

// parseType 将线上字节映射为 Type 未知取值一律归为 TypeInvalid
func parseType(b byte) Type {
	switch Type(b) {
	case TypeAck, TypeSyn, TypeSynAck, TypeNak, TypeData, TypeFin, TypeFinAck, TypeFlush:
		return Type(b)
	default:
		return TypeInvalid
	}
}

// Packet 是 RDX 协议的线上数据单元
//
// Peer/Port 承载的是数据包声明的对端地址 用于握手阶段的地址学习
// 以及在 router 存在时的回程转发 它不是 UDP 数据报的源地址
type Packet struct {
	Type Type
	Seq  uint32
	Peer net.IP
	Port uint16
	Data []byte
}

// New 创建并返回一个 Packet 实例
func New(typ Type, seq uint32, peer net.IP, port uint16, data []byte) Packet {
	return Packet{
		Type: typ,
		Seq:  seq,
		Peer: peer,
		Port: port,
		Data: data,
	}
}

func (p Packet) String() string {
	return fmt.Sprintf("%s seq=%d peer=%s:%d len=%d", p.Type, p.Seq, p.Peer, p.Port, len(p.Data))
}

// Len 返回数据包编码后的总字节数
func (p Packet) Len() int {
	return common.HeaderSize + len(p.Data)
}
