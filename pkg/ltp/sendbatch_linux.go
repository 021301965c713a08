//go:build linux

package ltp

import (
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sendBatch transmits every datagram in batch with a single sendmmsg(2)
// syscall, avoiding a syscall per segment during checkpoint-triggered
// retransmit bursts. Falls back to one WriteTo per datagram if the
// batch cannot be built (a destination address without an IP) or the
// syscall fails.
func sendBatch(conn *net.UDPConn, batch []outboundDatagram) error {
	if len(batch) == 0 {
		return nil
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return sendBatchPortable(conn, batch)
	}

	msgs := make([]unix.Mmsghdr, len(batch))
	iovecs := make([]unix.Iovec, len(batch))
	addrs := make([]unix.RawSockaddrInet6, len(batch))

	for i, dg := range batch {
		if len(dg.data) == 0 {
			continue
		}
		iovecs[i].Base = &dg.data[0]
		iovecs[i].SetLen(len(dg.data))

		if !fillSockaddr(&addrs[i], dg.addr) {
			return sendBatchPortable(conn, batch)
		}

		msgs[i].Hdr.Iov = &iovecs[i]
		msgs[i].Hdr.Iovlen = 1
		msgs[i].Hdr.Name = (*byte)(unsafe.Pointer(&addrs[i]))
		msgs[i].Hdr.Namelen = unix.SizeofSockaddrInet6
	}

	var ctrlErr, sendErr error
	err = rawConn.Write(func(fd uintptr) bool {
		_, sendErr = unix.Sendmmsg(int(fd), msgs, 0)
		return true
	})
	if err != nil {
		ctrlErr = err
	}
	if ctrlErr != nil || sendErr != nil {
		return sendBatchPortable(conn, batch)
	}
	return nil
}

// fillSockaddr renders addr as an IPv4-mapped IPv6 raw sockaddr, the
// form the dual-stack listener this engine opens (net.ListenUDP on
// "udp") expects for both address families.
func fillSockaddr(raw *unix.RawSockaddrInet6, addr *net.UDPAddr) bool {
	ip := addr.IP.To16()
	if ip == nil {
		return false
	}
	raw.Family = unix.AF_INET6
	raw.Port = htons(uint16(addr.Port))
	copy(raw.Addr[:], ip)
	return true
}

// htons converts a 16-bit port from host to network byte order, the
// same conversion net/ipv4 et al. perform when filling sockaddr
// structures for raw syscalls.
func htons(port uint16) uint16 {
	return (port << 8) | (port >> 8)
}
