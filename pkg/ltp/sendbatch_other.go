//go:build !linux

package ltp

import "net"

// sendBatch falls back to one WriteTo per datagram on platforms
// without sendmmsg(2).
func sendBatch(conn *net.UDPConn, batch []outboundDatagram) error {
	return sendBatchPortable(conn, batch)
}
