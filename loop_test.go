package stcp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoopSendsApplicationDataInSegments offers 600 bytes on an
// established connection: two segments of 536 and 64 bytes go out.
func TestLoopSendsApplicationDataInSegments(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	data := bytes.Repeat([]byte("a"), 600)
	h.appOut = append([]byte(nil), data...)

	e.controlLoop()

	require.Len(t, h.sent, 2)
	first, second := h.sent[0], h.sent[1]

	assert.Len(t, first.Payload, 536)
	assert.Equal(t, seqnum.Value(2), first.Seq)
	assert.Equal(t, seqnum.Value(2), first.Ack)
	assert.Equal(t, Flags(0), first.Flags)
	assert.Equal(t, uint16(DefaultCongestionWindow), first.Window)

	assert.Len(t, second.Payload, 64)
	assert.Equal(t, seqnum.Value(538), second.Seq)

	assert.Equal(t, data, append(first.Payload, second.Payload...))
	assert.Equal(t, seqnum.Value(602), e.cb.sndNxt, "sndNxt advanced by 600")
	assert.Equal(t, seqnum.Size(600), e.cb.bytesInFlight)
	assert.ErrorIs(t, e.cb.err, ErrIdleTimeout)
}

// TestLoopAcknowledgesInOrderPayload delivers a 100-byte segment and
// answers with a pure ACK for the new receive cursor.
func TestLoopAcknowledgesInOrderPayload(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	payload := bytes.Repeat([]byte("b"), 100)
	h.queue(Segment{Header: Header{Seq: 2, Ack: 2, Window: 3072}, Payload: payload})

	e.controlLoop()

	assert.Equal(t, payload, h.delivered)
	assert.Equal(t, seqnum.Value(102), e.cb.rcvNxt)

	require.Len(t, h.sent, 1)
	ack := h.sent[0]
	assert.Equal(t, FlagACK, ack.Flags)
	assert.Equal(t, seqnum.Value(102), ack.Ack)
	assert.Equal(t, seqnum.Value(2), ack.Seq)
	assert.Empty(t, ack.Payload)
}

// TestLoopIdleTimeout ends the connection without sending anything.
func TestLoopIdleTimeout(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)

	e.controlLoop()

	assert.True(t, e.cb.done)
	assert.Equal(t, StateClosedFinal, e.cb.state)
	assert.ErrorIs(t, e.cb.err, ErrIdleTimeout)
	assert.Empty(t, h.sent)
	require.Len(t, h.masks, 1)
}

func TestLoopZeroByteAppReadSendsNothing(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.script = []Event{EventAppData, EventAppData}

	e.controlLoop()

	assert.Empty(t, h.sent)
	assert.Equal(t, seqnum.Value(2), e.cb.sndNxt)
}

// TestLoopStopsSendingWhenWindowFull checks admission: with a 2048-byte
// window only three full segments fit, and application data drops out of
// the wait mask until an ACK opens the window again.
func TestLoopStopsSendingWhenWindowFull(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 2048)
	h.appOut = bytes.Repeat([]byte("c"), 4*MaxSegmentSize)
	h.script = []Event{EventAppData, EventAppData, EventAppData, EventAppData}

	e.controlLoop()

	require.Len(t, h.sent, 3, "1608 + 536 would reach the window")
	assert.Equal(t, seqnum.Size(3*MaxSegmentSize), e.cb.bytesInFlight)
	require.GreaterOrEqual(t, len(h.masks), 4)
	assert.True(t, h.masks[0].Has(EventAppData))
	assert.False(t, h.masks[3].Has(EventAppData), "closed window masks application data")
	assert.True(t, h.masks[3].Has(EventNetworkData|EventClose))
}

// TestLoopResumesAfterAck sends again once the peer acknowledges.
func TestLoopResumesAfterAck(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 2048)
	h.appOut = bytes.Repeat([]byte("d"), 4*MaxSegmentSize)
	acked := false
	h.respond = func(seg Segment) [][]byte {
		if acked || len(h.sent) < 3 {
			return nil
		}
		acked = true
		raw, err := (&Segment{Header: Header{Seq: 2, Ack: seg.Seq.Add(seqnum.Size(len(seg.Payload))), Flags: FlagACK, Window: 2048}}).Marshal()
		require.NoError(t, err)
		return [][]byte{raw}
	}

	e.controlLoop()

	assert.Len(t, h.sent, 4)
	assert.Equal(t, seqnum.Value(2+4*MaxSegmentSize), e.cb.sndNxt)
	assert.Equal(t, seqnum.Value(2+3*MaxSegmentSize), e.cb.sndUna)
	assert.Equal(t, seqnum.Size(MaxSegmentSize), e.cb.bytesInFlight)
}

func TestLoopOutOfOrderSegmentIsDiscarded(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.queue(Segment{Header: Header{Seq: 50, Ack: 2}, Payload: []byte("future")})

	e.controlLoop()

	assert.Empty(t, h.delivered)
	assert.Equal(t, seqnum.Value(2), e.cb.rcvNxt)
	require.Len(t, h.sent, 1, "duplicate ACK")
	assert.Equal(t, FlagACK, h.sent[0].Flags)
	assert.Equal(t, seqnum.Value(2), h.sent[0].Ack)
}

func TestLoopRejectedPayloadIsNotAcknowledged(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.writeErr = errRecvBufferFull
	h.queue(Segment{Header: Header{Seq: 2, Ack: 2}, Payload: []byte("dropped")})

	e.controlLoop()

	assert.Equal(t, seqnum.Value(2), e.cb.rcvNxt)
	assert.Empty(t, h.sent)
}

func TestLoopAckOnlySegmentGetsNoReply(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	e.cb.onSend(100)
	h.queue(Segment{Header: Header{Seq: 2, Ack: 102, Flags: FlagACK, Window: 1000}})

	e.controlLoop()

	assert.Empty(t, h.sent)
	assert.Equal(t, seqnum.Size(0), e.cb.bytesInFlight)
	assert.Equal(t, seqnum.Size(1000), e.cb.advertisedWindow)
	assert.Equal(t, seqnum.Value(1), e.cb.lastByteAcked)
}

func TestLoopRepeatsFinalAckForRetransmittedSynAck(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.queue(Segment{Header: Header{Seq: 1, Ack: 2, Flags: synAck, Window: 3072}})

	e.controlLoop()

	require.Len(t, h.sent, 1)
	assert.Equal(t, FlagACK, h.sent[0].Flags)
	assert.Equal(t, seqnum.Value(2), h.sent[0].Ack)
}

func TestLoopReset(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.queue(Segment{Header: Header{Seq: 2, Flags: FlagRST}})

	e.controlLoop()

	assert.True(t, e.cb.done)
	assert.ErrorIs(t, e.cb.err, ErrConnectionReset)
	assert.Empty(t, h.sent)
}

func TestLoopClose(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.closeReq = true

	e.controlLoop()

	assert.True(t, e.cb.done)
	assert.Equal(t, StateClosedFinal, e.cb.state)
	assert.NoError(t, e.cb.err)
	assert.Empty(t, h.sent, "no FIN is sent")
}

// TestLoopHandlesSimultaneousEvents processes every ready condition of one
// wait, application data first.
func TestLoopHandlesSimultaneousEvents(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.appOut = []byte("out")
	h.queue(Segment{Header: Header{Seq: 2, Ack: 2}, Payload: []byte("in")})
	h.script = []Event{EventAppData | EventNetworkData | EventClose}

	e.controlLoop()

	require.Len(t, h.sent, 2)
	assert.Equal(t, []byte("out"), h.sent[0].Payload, "application data is handled first")
	assert.Equal(t, FlagACK, h.sent[1].Flags)
	assert.Equal(t, seqnum.Value(4), h.sent[1].Ack)
	assert.Equal(t, []byte("in"), h.delivered)
	assert.True(t, e.cb.done)
	assert.NoError(t, e.cb.err)
}

func TestLoopDropsMalformedSegment(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.inbound = append(h.inbound, []byte("short"))

	e.controlLoop()

	assert.ErrorIs(t, e.cb.err, ErrIdleTimeout, "garbage does not end the connection")
	assert.Empty(t, h.sent)
}

type failingIO struct{ *fakeHost }

func (f failingIO) RecvSegment([]byte) (int, error) { return 0, errors.New("socket gone") }

func TestLoopEndsOnReceiveError(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	e.io = failingIO{h}
	h.script = []Event{EventNetworkData}

	e.controlLoop()

	assert.True(t, e.cb.done)
	assert.ErrorContains(t, e.cb.err, "socket gone")
}

func TestLoopPublishesSnapshots(t *testing.T) {
	h := newFakeHost(t)
	e := establishedEndpoint(t, h, 3072)
	h.appOut = []byte("hello")

	var snaps []Snapshot
	e.observe = func(s Snapshot) { snaps = append(snaps, s) }
	e.controlLoop()

	require.Len(t, snaps, 2)
	assert.Equal(t, seqnum.Value(7), snaps[0].SndNxt)
	assert.False(t, snaps[0].Done)
	assert.True(t, snaps[1].Done)
}
