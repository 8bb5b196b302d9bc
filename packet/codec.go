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
	"encoding/binary"
	"net"

	"github.com/pkg/errors"

	"github.com/packetd/rdx/common"
)

// ErrMalformed 标识一个无法被解析为合法 Packet 的字节序列
var ErrMalformed = errors.New("packet: malformed packet")

// MalformedError 携带了导致解析失败的具体原因 供调用方记录日志
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "packet: malformed packet: " + e.Reason
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(reason string) error {
	return &MalformedError{Reason: reason}
}

// Encode 将 Packet 序列化为线上字节表示
//
// 头部固定 11 字节 type(1) + seq(4 BE) + peer(4) + port(2 BE)
// 其后紧跟 0-1014 字节载荷 调用方需保证 len(p.Data) <= MaxPayloadSize
func Encode(p Packet) ([]byte, error) {
	if len(p.Data) > common.MaxPayloadSize {
		return nil, malformed("payload exceeds maximum size")
	}

	peer4 := p.Peer.To4()
	if p.Peer != nil && peer4 == nil {
		return nil, malformed("peer address is not IPv4")
	}

	buf := make([]byte, common.HeaderSize+len(p.Data))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:5], p.Seq)
	if peer4 != nil {
		copy(buf[5:9], peer4)
	}
	binary.BigEndian.PutUint16(buf[9:11], p.Port)
	copy(buf[common.HeaderSize:], p.Data)
	return buf, nil
}

// Decode 将线上字节表示解析为 Packet
//
// 长度小于头部大小或大于最大数据报大小时返回 MalformedError
// 无法识别的 type 字节由 parseType 映射为 TypeInvalid 随后同样返回 MalformedError
func Decode(b []byte) (Packet, error) {
	if len(b) < common.HeaderSize {
		return Packet{}, malformed("short packet")
	}
	if len(b) > common.MaxDatagramSize {
		return Packet{}, malformed("packet exceeds maximum datagram size")
	}

	typ := parseType(b[0])
	seq := binary.BigEndian.Uint32(b[1:5])
	peer := net.IPv4(b[5], b[6], b[7], b[8])
	port := binary.BigEndian.Uint16(b[9:11])

	var data []byte
	if len(b) > common.HeaderSize {
		data = make([]byte, len(b)-common.HeaderSize)
		copy(data, b[common.HeaderSize:])
	}

	if typ == TypeInvalid {
		return Packet{}, malformed("unknown packet type")
	}

	return Packet{
		Type: typ,
		Seq:  seq,
		Peer: peer,
		Port: port,
		Data: data,
	}, nil
}
