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
	"errors"
	"net"
	"os"
	"time"

	"github.com/packetd/rdx/common"
	"github.com/packetd/rdx/logger"
	"github.com/packetd/rdx/packet"
)

// sendTo 将 pkt 发送至 dst 若 proxy 非空则改为发往 proxy 由其负责转发
//
// 返回的错误经 classifyIOError 分类为 TransientIO 或 FatalIO
func sendTo(conn *net.UDPConn, pkt packet.Packet, dst, proxy *net.UDPAddr) error {
	target := dst
	if proxy != nil {
		target = proxy
	}

	b, err := packet.Encode(pkt)
	if err != nil {
		return wrapf(ErrMalformedPacket, "encode outgoing %s", pkt)
	}

	_, err = conn.WriteToUDP(b, target)
	return classifyIOError(err)
}

// classifyIOError 将底层网络错误映射到 transport 的错误分类
//
// 超时与 EAGAIN/EWOULDBLOCK 被视为可由重试吸收的 TransientIO
// 其余错误一律视为 FatalIO 调用方应锁存并在下一次操作时返回
func classifyIOError(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapf(ErrTransientIO, "%v", err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return wrapf(ErrTransientIO, "%v", err)
	}
	if isWouldBlock(err) {
		return wrapf(ErrTransientIO, "%v", err)
	}

	return wrapf(ErrFatalIO, "%v", err)
}

// reliableSend 实现带重试的可靠发送原语
//
// 每次尝试发送 pkt 后等待至多 timeout 的响应 期间到达的、来自非预期地址的
// 数据包会被忽略但不消耗本次尝试（would-block 容忍）；收到的数据包若类型
// 不在 accept 集合内同样被忽略并继续在剩余的超时窗口内等待。用尽 attempts
// 次后若曾经收到过可解码但类型不匹配的响应 返回 ErrInvalidResponse 否则
// 返回 ErrTimedOut
//
// proxy 非空时报文经由 proxy 转发 此时只接受来自 proxy 地址的响应
// 来自 dst 本身的响应会被忽略。tolerateAddressMismatch
// 额外容忍响应来自既非 dst 也非 proxy 的地址的情况 用于服务端在握手期间
// 将本方新分配的临时 socket 地址通过 SYN-ACK 负载告知对端之前 —— 对端的
// SYN-ACK 天然来自一个与调用方最初解析的知名地址不同的端口
func reliableSend(
	conn *net.UDPConn,
	pkt packet.Packet,
	dst, proxy *net.UDPAddr,
	accept []packet.Type,
	tolerateAddressMismatch bool,
	attempts int,
	timeout time.Duration,
) (packet.Packet, *net.UDPAddr, error) {
	return reliableSendSeq(conn, pkt, dst, proxy, accept, nil, tolerateAddressMismatch, attempts, timeout)
}

// reliableSendSeq behaves like reliableSend but additionally requires the
// accepted response's Seq to equal *wantSeq when wantSeq is non-nil. This
// lets a caller waiting on the ACK for a specific DATA packet ignore a
// straggling ACK for an earlier retransmission without burning an attempt.
func reliableSendSeq(
	conn *net.UDPConn,
	pkt packet.Packet,
	dst, proxy *net.UDPAddr,
	accept []packet.Type,
	wantSeq *uint32,
	tolerateAddressMismatch bool,
	attempts int,
	timeout time.Duration,
) (packet.Packet, *net.UDPAddr, error) {
	buf := make([]byte, common.MaxDatagramSize)

	var sawInvalidType []packet.Type

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retransmitsTotal.WithLabelValues(pkt.Type.String()).Inc()
		}

		if err := sendTo(conn, pkt, dst, proxy); err != nil {
			if errors.Is(err, ErrFatalIO) {
				return packet.Packet{}, nil, err
			}
			continue
		}

		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if err := conn.SetReadDeadline(deadline); err != nil {
				return packet.Packet{}, nil, wrapf(ErrFatalIO, "%v", err)
			}

			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				ioErr := classifyIOError(err)
				if errors.Is(ioErr, ErrFatalIO) {
					return packet.Packet{}, nil, ioErr
				}
				break // timed out this attempt, fall through to retry
			}

			if !addressAcceptable(from, dst, proxy) && !tolerateAddressMismatch {
				logger.Debugf("reliable_send: ignoring packet from unexpected address %s", from)
				continue
			}

			resp, err := packet.Decode(buf[:n])
			if err != nil {
				logger.Debugf("reliable_send: dropping malformed packet from %s: %v", from, err)
				continue
			}

			if !typeAcceptable(resp.Type, accept) {
				sawInvalidType = append(sawInvalidType, resp.Type)
				continue
			}
			if wantSeq != nil && resp.Seq != *wantSeq {
				logger.Debugf("reliable_send: ignoring %s with stale seq=%d (want %d)", resp.Type, resp.Seq, *wantSeq)
				continue
			}

			return resp, from, nil
		}
	}

	timeoutsTotal.WithLabelValues(pkt.Type.String()).Inc()
	if len(sawInvalidType) > 0 {
		return packet.Packet{}, nil, wrapf(ErrInvalidResponse, "received %v but wanted %v after %d attempts", sawInvalidType, accept, attempts)
	}
	return packet.Packet{}, nil, wrapf(ErrTimedOut, "no response to %s after %d attempts", pkt.Type, attempts)
}

func addressAcceptable(from, dst, proxy *net.UDPAddr) bool {
	if proxy != nil {
		return from.IP.Equal(proxy.IP) && from.Port == proxy.Port
	}
	if dst == nil {
		return true
	}
	// A socket bound to 0.0.0.0 reports that as its address; datagrams it
	// sends arrive from a concrete local address, so only the port can match.
	if dst.IP.IsUnspecified() {
		return from.Port == dst.Port
	}
	return from.IP.Equal(dst.IP) && from.Port == dst.Port
}

func typeAcceptable(t packet.Type, accept []packet.Type) bool {
	for _, a := range accept {
		if a == t {
			return true
		}
	}
	return false
}
