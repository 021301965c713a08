package ltp

import "net"

// sendBatchPortable writes each datagram individually using the
// standard library, the shared fallback used on non-Linux platforms
// and whenever the fast path declines a batch.
func sendBatchPortable(conn *net.UDPConn, batch []outboundDatagram) error {
	var firstErr error
	for _, dg := range batch {
		if _, err := conn.WriteToUDP(dg.data, dg.addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
