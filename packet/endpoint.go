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
)

// EndpointSize 是序列化地址的字节数 4 字节 IPv4 + 2 字节端口
const EndpointSize = 6

// Endpoint 代表一个 IPv4 地址 它在 SYN/SYN-ACK 的载荷中以小端序端口传输
//
// 这与 Packet 头部的 Peer/Port 字段（大端序端口）故意保持不一致：
// 头部字段供 router 在不解析载荷的情况下转发数据包，载荷内的 Endpoint
// 供端点在握手阶段互相学习对方在 NAT 之后的真实地址，二者是两条独立的信道
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// EncodeEndpoint 将 Endpoint 序列化为 6 字节载荷
func EncodeEndpoint(e Endpoint) ([]byte, error) {
	ip4 := e.IP.To4()
	if ip4 == nil {
		return nil, malformed("endpoint address is not IPv4")
	}

	buf := make([]byte, EndpointSize)
	copy(buf[0:4], ip4)
	binary.LittleEndian.PutUint16(buf[4:6], e.Port)
	return buf, nil
}

// DecodeEndpoint 解析 SYN/SYN-ACK 载荷中的 Endpoint
func DecodeEndpoint(b []byte) (Endpoint, error) {
	if len(b) < EndpointSize {
		return Endpoint{}, malformed("short endpoint payload")
	}

	return Endpoint{
		IP:   net.IPv4(b[0], b[1], b[2], b[3]),
		Port: binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}
