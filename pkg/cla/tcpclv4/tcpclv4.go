// Package tcpclv4 implements the TCP convergence layer version 4
// (RFC 9174): contact-header negotiation, session initialization, and
// segmented bundle transfers with transfer-level acknowledgements.
// TLS is optional and negotiated through the contact header.
package tcpclv4

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/pkg/cla"
)

func init() {
	cla.RegisterOutduct("tcpclv4", func(endpoint string, logger *slog.Logger) (dtn.Outduct, error) {
		return NewOutduct(endpoint, Config{}, logger)
	})
	cla.RegisterInduct("tcpclv4", func(endpoint string, logger *slog.Logger) (dtn.Induct, error) {
		return NewInduct(endpoint, Config{}, logger)
	})
}

// Config tunes one TCPCLv4 endpoint. The zero value is usable.
type Config struct {
	NodeID       string
	KeepaliveSec uint16
	SegmentMRU   uint64 // largest XFER_SEGMENT we accept
	TransferMRU  uint64 // largest whole transfer we accept
	// TLS, when non-nil, offers TLS via the contact-header CAN_TLS flag.
	// The session upgrades to TLS only when the peer's contact header
	// sets the flag too; otherwise it continues without TLS.
	TLS *tls.Config
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = "ipn:0.0"
	}
	if c.KeepaliveSec == 0 {
		c.KeepaliveSec = 30
	}
	if c.SegmentMRU == 0 {
		c.SegmentMRU = 1 << 20
	}
	if c.TransferMRU == 0 {
		c.TransferMRU = 1 << 26
	}
	return c
}

const sendQueueDepth = 64

type outTransfer struct {
	payload []byte
	user    dtn.UserData
}

// Outduct is one TCPCLv4 egress session, reconnecting and
// re-handshaking with exponential backoff when the peer goes away.
// A bundle is acked to the dispatcher once the peer's XFER_ACK covers
// the whole transfer.
type Outduct struct {
	endpoint string
	cfg      Config
	logger   *slog.Logger
	queue    chan outTransfer
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	onAck    func(dtn.UserData)
	inflight map[uint64]outTransfer
	nextID   uint64
}

var _ dtn.Outduct = (*Outduct)(nil)

// NewOutduct starts the session goroutine for endpoint.
func NewOutduct(endpoint string, cfg Config, logger *slog.Logger) (*Outduct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outduct{
		endpoint: endpoint,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "tcpclv4-outduct", "endpoint", endpoint),
		queue:    make(chan outTransfer, sendQueueDepth),
		cancel:   cancel,
		inflight: make(map[uint64]outTransfer),
	}
	o.wg.Add(1)
	go o.sessionLoop(ctx)
	return o, nil
}

func (o *Outduct) Forward(ctx context.Context, payload []byte, user dtn.UserData) (dtn.SendResult, error) {
	cp := append([]byte(nil), payload...)
	select {
	case o.queue <- outTransfer{payload: cp, user: user}:
		return dtn.SendOK, nil
	case <-ctx.Done():
		return dtn.SendFailed, ctx.Err()
	default:
		return dtn.SendWouldBlock, dtn.ErrWouldBlock
	}
}

func (o *Outduct) ReadyToSend() bool { return len(o.queue) < cap(o.queue) }

func (o *Outduct) OnAck(fn func(dtn.UserData)) {
	o.mu.Lock()
	o.onAck = fn
	o.mu.Unlock()
}

func (o *Outduct) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

// connect dials, negotiates the contact header and exchanges SESS_INIT,
// returning the established connection and the peer's session limits.
func (o *Outduct) connect(ctx context.Context) (net.Conn, sessInit, error) {
	conn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", o.endpoint)
	if err != nil {
		return nil, sessInit{}, err
	}
	if err := (contactHeader{UseTLS: o.cfg.TLS != nil}).write(conn); err != nil {
		conn.Close()
		return nil, sessInit{}, err
	}
	peerContact, err := readContactHeader(conn)
	if err != nil {
		conn.Close()
		return nil, sessInit{}, err
	}
	if o.cfg.TLS != nil && peerContact.UseTLS {
		tlsConn := tls.Client(conn, o.cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, sessInit{}, err
		}
		conn = tlsConn
	}
	init := sessInit{
		KeepaliveSec: o.cfg.KeepaliveSec,
		SegmentMRU:   o.cfg.SegmentMRU,
		TransferMRU:  o.cfg.TransferMRU,
		NodeID:       o.cfg.NodeID,
	}
	if err := init.write(conn); err != nil {
		conn.Close()
		return nil, sessInit{}, err
	}
	peerInit, err := expectSessInit(conn)
	if err != nil {
		conn.Close()
		return nil, sessInit{}, err
	}
	return conn, peerInit, nil
}

func expectSessInit(r io.Reader) (sessInit, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return sessInit{}, err
	}
	if typeBuf[0] != msgSessInit {
		return sessInit{}, fmt.Errorf("%w: expected SESS_INIT, got message type %#x", dtn.ErrMalformedBundle, typeBuf[0])
	}
	return readSessInit(r)
}

func (o *Outduct) sessionLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		var conn net.Conn
		var peer sessInit
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err := backoff.Retry(func() error {
			var err error
			conn, peer, err = o.connect(ctx)
			if err != nil {
				o.logger.Warn("session establishment failed, backing off", "error", err)
			}
			return err
		}, policy)
		if err != nil {
			return // ctx cancelled
		}
		o.runSession(ctx, conn, peer)
		conn.Close()
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runSession drives one established session until an I/O error or ctx
// cancellation; the caller reconnects.
func (o *Outduct) runSession(ctx context.Context, conn net.Conn, peer sessInit) {
	done := make(chan struct{})
	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		defer close(done)
		o.readLoop(conn)
	}()
	defer readerWG.Wait()
	defer conn.Close()

	keepalive := time.Duration(o.cfg.KeepaliveSec) * time.Second
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	segMax := peer.SegmentMRU
	for {
		select {
		case <-ctx.Done():
			writeSessTerm(conn, 0)
			return
		case <-done:
			return
		case <-ticker.C:
			if err := writeKeepalive(conn); err != nil {
				return
			}
		case t := <-o.queue:
			o.mu.Lock()
			o.nextID++
			id := o.nextID
			o.inflight[id] = t
			o.mu.Unlock()
			if err := o.writeTransfer(conn, id, t.payload, segMax); err != nil {
				o.logger.Warn("transfer write failed", "transfer", id, "error", err)
				return
			}
		}
	}
}

func (o *Outduct) writeTransfer(conn net.Conn, id uint64, payload []byte, segMax uint64) error {
	offset := uint64(0)
	total := uint64(len(payload))
	first := true
	for {
		end := offset + segMax
		if end > total || segMax == 0 {
			end = total
		}
		seg := xferSegment{
			Start:      first,
			End:        end == total,
			TransferID: id,
			Data:       payload[offset:end],
		}
		if err := seg.write(conn); err != nil {
			return err
		}
		first = false
		if end == total {
			return nil
		}
		offset = end
	}
}

func (o *Outduct) readLoop(conn net.Conn) {
	var typeBuf [1]byte
	for {
		if _, err := io.ReadFull(conn, typeBuf[:]); err != nil {
			return
		}
		switch typeBuf[0] {
		case msgXferAck:
			ack, err := readXferAck(conn)
			if err != nil {
				return
			}
			o.handleAck(ack)
		case msgKeepalive:
			// nothing to read
		case msgSessTerm:
			readSessTerm(conn)
			return
		default:
			o.logger.Warn("unexpected message from peer", "type", typeBuf[0])
			return
		}
	}
}

func (o *Outduct) handleAck(ack xferAck) {
	o.mu.Lock()
	t, ok := o.inflight[ack.TransferID]
	if ok && ack.AckedLength >= uint64(len(t.payload)) {
		delete(o.inflight, ack.TransferID)
	} else {
		ok = false
	}
	fn := o.onAck
	o.mu.Unlock()
	if ok && fn != nil {
		fn(t.user)
	}
}

// Induct is one TCPCLv4 listener. Each accepted session reassembles
// transfers and acks every segment cumulatively, the receiver behavior
// RFC 9174 requires.
type Induct struct {
	listener net.Listener
	cfg      Config
	logger   *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ dtn.Induct = (*Induct)(nil)

// NewInduct binds listenAddr immediately; sessions are accepted once
// Start runs.
func NewInduct(listenAddr string, cfg Config, logger *slog.Logger) (*Induct, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Induct{
		listener: ln,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "tcpclv4-induct", "listen", ln.Addr().String()),
	}, nil
}

// Addr reports the bound listen address.
func (in *Induct) Addr() net.Addr { return in.listener.Addr() }

func (in *Induct) Start(ctx context.Context, onBundle func([]byte)) error {
	ctx, in.cancel = context.WithCancel(ctx)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		<-ctx.Done()
		in.listener.Close()
	}()
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			conn, err := in.listener.Accept()
			if err != nil {
				return
			}
			in.wg.Add(1)
			go func() {
				defer in.wg.Done()
				defer conn.Close()
				if err := in.serveSession(ctx, conn, onBundle); err != nil && err != io.EOF {
					in.logger.Warn("session ended with error", "error", err)
				}
			}()
		}
	}()
	return nil
}

func (in *Induct) serveSession(ctx context.Context, conn net.Conn, onBundle func([]byte)) error {
	peerContact, err := readContactHeader(conn)
	if err != nil {
		return err
	}
	if err := (contactHeader{UseTLS: in.cfg.TLS != nil && peerContact.UseTLS}).write(conn); err != nil {
		return err
	}
	if in.cfg.TLS != nil && peerContact.UseTLS {
		tlsConn := tls.Server(conn, in.cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return err
		}
		conn = tlsConn
	}
	if _, err := expectSessInit(conn); err != nil {
		return err
	}
	init := sessInit{
		KeepaliveSec: in.cfg.KeepaliveSec,
		SegmentMRU:   in.cfg.SegmentMRU,
		TransferMRU:  in.cfg.TransferMRU,
		NodeID:       in.cfg.NodeID,
	}
	if err := init.write(conn); err != nil {
		return err
	}

	transfers := make(map[uint64][]byte)
	var typeBuf [1]byte
	for {
		if _, err := io.ReadFull(conn, typeBuf[:]); err != nil {
			return err
		}
		switch typeBuf[0] {
		case msgXferSegment:
			seg, err := readXferSegment(conn, in.cfg.SegmentMRU)
			if err != nil {
				return err
			}
			buf := transfers[seg.TransferID]
			if seg.Start {
				buf = buf[:0]
			}
			buf = append(buf, seg.Data...)
			if uint64(len(buf)) > in.cfg.TransferMRU {
				return fmt.Errorf("%w: transfer exceeds mru", dtn.ErrMalformedBundle)
			}
			transfers[seg.TransferID] = buf
			ack := xferAck{TransferID: seg.TransferID, AckedLength: uint64(len(buf))}
			if seg.End {
				ack.Flags = segFlagEnd
			}
			if err := ack.write(conn); err != nil {
				return err
			}
			if seg.End {
				payload := append([]byte(nil), buf...)
				delete(transfers, seg.TransferID)
				onBundle(payload)
			}
		case msgKeepalive:
			if err := writeKeepalive(conn); err != nil {
				return err
			}
		case msgSessTerm:
			readSessTerm(conn)
			writeSessTerm(conn, 0)
			return nil
		default:
			return fmt.Errorf("%w: unexpected message type %#x", dtn.ErrMalformedBundle, typeBuf[0])
		}
	}
}

func (in *Induct) Close() error {
	if in.cancel != nil {
		in.cancel()
	}
	err := in.listener.Close()
	in.wg.Wait()
	return err
}
