package ltp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireSessions connects a sender and receiver session back to back
// in-process, decoding each encoded segment and routing it to the
// other side the way an Engine's dispatch would over UDP.
func wireSessions(t *testing.T, sender *SenderSession, receiver *ReceiverSession) {
	t.Helper()
	sender.cfg.Send = func(ctx context.Context, encoded []byte) error {
		routeToReceiver(t, receiver, encoded)
		return nil
	}
	receiver.cfg.Send = func(ctx context.Context, encoded []byte) error {
		routeToSender(t, sender, encoded)
		return nil
	}
}

func routeToReceiver(t *testing.T, r *ReceiverSession, encoded []byte) {
	t.Helper()
	typ, err := PeekSegmentType(encoded)
	require.NoError(t, err)
	switch typ {
	case SegData:
		ds, err := DecodeDataSegment(encoded)
		require.NoError(t, err)
		r.DeliverDataSegment(ds)
	case SegReportAck:
		ra, err := DecodeReportAckSegment(encoded)
		require.NoError(t, err)
		r.DeliverReportAck(ra.ReportSerial)
	case SegCancel:
		cs, err := DecodeCancelSegment(encoded)
		require.NoError(t, err)
		r.RequestCancel(cs.Reason)
	}
}

func routeToSender(t *testing.T, s *SenderSession, encoded []byte) {
	t.Helper()
	typ, err := PeekSegmentType(encoded)
	require.NoError(t, err)
	switch typ {
	case SegReport:
		rs, err := DecodeReportSegment(encoded)
		require.NoError(t, err)
		s.DeliverReport(rs)
	}
}

func TestSenderReceiverRoundTripRedPartOnly(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}

	sender := NewSenderSession(SenderSessionConfig{
		SessionOriginator: 1,
		SessionNumber:     100,
		ClientServiceID:   1,
		RedPart:           payload,
		SegmentSize:       1024,
		CheckpointTimeout: 200 * time.Millisecond,
	})

	var delivered []byte
	var mu sync.Mutex
	receiver := NewReceiverSession(ReceiverSessionConfig{
		SessionOriginator: 1,
		SessionNumber:     100,
		ReportTimeout:     200 * time.Millisecond,
		Deliver: func(sessionNumber, clientServiceID uint64, data []byte) {
			mu.Lock()
			delivered = data
			mu.Unlock()
		},
	})
	wireSessions(t, sender, receiver)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var senderState SenderSessionState
	var receiverState ReceiverSessionState
	wg.Add(2)
	go func() { defer wg.Done(); receiverState = receiver.Run(ctx) }()
	go func() { defer wg.Done(); senderState = sender.Run(ctx) }()
	wg.Wait()

	assert.Equal(t, SenderDone, senderState)
	assert.Equal(t, ReceiverDone, receiverState)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, delivered)
}

func TestSenderReceiverRoundTripWithGreenPart(t *testing.T) {
	red := []byte("critical metadata")
	green := []byte("best effort payload tail")

	sender := NewSenderSession(SenderSessionConfig{
		SessionOriginator: 2,
		SessionNumber:     200,
		RedPart:           red,
		GreenPart:         green,
		SegmentSize:       8,
		CheckpointTimeout: 200 * time.Millisecond,
	})

	var delivered []byte
	var mu sync.Mutex
	done := make(chan struct{})
	receiver := NewReceiverSession(ReceiverSessionConfig{
		SessionOriginator: 2,
		SessionNumber:     200,
		ReportTimeout:     200 * time.Millisecond,
		Deliver: func(sessionNumber, clientServiceID uint64, data []byte) {
			mu.Lock()
			delivered = data
			mu.Unlock()
			close(done)
		},
	})
	wireSessions(t, sender, receiver)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go receiver.Run(ctx)
	go sender.Run(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, append(append([]byte(nil), red...), green...), delivered)
}

// lossyRouter wires a sender and receiver through a channel that drops
// the data segment at dropOffset exactly once.
func lossyRouter(t *testing.T, sender *SenderSession, receiver *ReceiverSession, dropOffset uint64) {
	t.Helper()
	dropped := false
	sender.cfg.Send = func(ctx context.Context, encoded []byte) error {
		typ, err := PeekSegmentType(encoded)
		require.NoError(t, err)
		if typ == SegData {
			ds, err := DecodeDataSegment(encoded)
			require.NoError(t, err)
			if ds.Offset == dropOffset && !dropped {
				dropped = true
				return nil // lost on the wire
			}
		}
		routeToReceiver(t, receiver, encoded)
		return nil
	}
	receiver.cfg.Send = func(ctx context.Context, encoded []byte) error {
		routeToSender(t, sender, encoded)
		return nil
	}
}

// countingObserver counts completed-session callbacks and ignores the
// rest of the Observer surface.
type countingObserver struct {
	dtn.NopObserver
	completions *atomic.Int32
}

func (c countingObserver) LTPSessionCompleted(engineID, sessionNumber uint64, red bool) {
	c.completions.Add(1)
}

// Dropping one red data segment once: the receiver's first report
// omits it, the sender resends, and the session completes exactly once
// with the original bytes.
func TestLossyChannelRetransmit(t *testing.T) {
	const segSize = 100
	payload := make([]byte, segSize*10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	var completions atomic.Int32
	sender := NewSenderSession(SenderSessionConfig{
		SessionOriginator: 3,
		SessionNumber:     300,
		ClientServiceID:   1,
		RedPart:           payload,
		SegmentSize:       segSize,
		CheckpointEveryN:  1,
		CheckpointTimeout: 150 * time.Millisecond,
		Observer:          countingObserver{completions: &completions},
	})

	var delivered []byte
	var mu sync.Mutex
	receiver := NewReceiverSession(ReceiverSessionConfig{
		SessionOriginator: 3,
		SessionNumber:     300,
		ReportTimeout:     150 * time.Millisecond,
		Deliver: func(sessionNumber, clientServiceID uint64, data []byte) {
			mu.Lock()
			delivered = data
			mu.Unlock()
		},
	})
	lossyRouter(t, sender, receiver, 3*segSize)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var senderState SenderSessionState
	wg.Add(2)
	go func() { defer wg.Done(); receiver.Run(ctx) }()
	go func() { defer wg.Done(); senderState = sender.Run(ctx) }()
	wg.Wait()

	assert.Equal(t, SenderDone, senderState)
	assert.Equal(t, int32(1), completions.Load(), "completion must fire exactly once")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, delivered)
}

// Losing every report-ack must not cost the client its data: the
// receiver delivers the moment the red part is complete and only the
// report exchange keeps retrying.
func TestReportAckLossStillDelivers(t *testing.T) {
	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	sender := NewSenderSession(SenderSessionConfig{
		SessionOriginator: 4,
		SessionNumber:     400,
		ClientServiceID:   1,
		RedPart:           payload,
		SegmentSize:       512,
		CheckpointTimeout: 100 * time.Millisecond,
	})

	var delivered []byte
	var mu sync.Mutex
	receiver := NewReceiverSession(ReceiverSessionConfig{
		SessionOriginator: 4,
		SessionNumber:     400,
		ReportTimeout:     50 * time.Millisecond,
		MaxReportRetries:  3,
		Deliver: func(sessionNumber, clientServiceID uint64, data []byte) {
			mu.Lock()
			delivered = data
			mu.Unlock()
		},
	})

	// Data and reports flow, report-acks vanish on the wire.
	sender.cfg.Send = func(ctx context.Context, encoded []byte) error {
		typ, err := PeekSegmentType(encoded)
		require.NoError(t, err)
		if typ == SegReportAck {
			return nil
		}
		routeToReceiver(t, receiver, encoded)
		return nil
	}
	receiver.cfg.Send = func(ctx context.Context, encoded []byte) error {
		routeToSender(t, sender, encoded)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var receiverState ReceiverSessionState
	wg.Add(2)
	go func() { defer wg.Done(); receiverState = receiver.Run(ctx) }()
	go func() { defer wg.Done(); sender.Run(ctx) }()
	wg.Wait()

	assert.Equal(t, ReceiverDone, receiverState, "a fully received block must never be discarded over a lost ack")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, delivered)
}
