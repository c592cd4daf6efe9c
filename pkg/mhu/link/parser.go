package link

import (
	"encoding/binary"

	"github.com/robotalks/mhu.go/pkg/mhu"
)

// Parser parses bytes received from the peer.
type Parser struct {
	peerSeq FrameSeq
	state   parseState
	frame   *Frame
	value   [4]byte
	recvLen int
}

// SyncState indicates the state of the link.
type SyncState int

const (
	// SyncStateSyncing means the link is not synchronized.
	SyncStateSyncing SyncState = 0
	// SyncStateReady means the link is synchronized and ready for frames.
	SyncStateReady SyncState = 0x01
	// SyncStateReceiving means a sync or a frame is partially received.
	SyncStateReceiving SyncState = 0x02
)

// IsReady indicates if frames can be sent.
func (s SyncState) IsReady() bool {
	return s&SyncStateReady != 0
}

// IsReceiving indicates a sync or a frame is partially received.
func (s SyncState) IsReceiving() bool {
	return s&SyncStateReceiving != 0
}

func (s SyncState) String() string {
	switch s {
	case SyncStateSyncing:
		return "syncing"
	case SyncStateSyncing | SyncStateReceiving:
		return "syncing+receiving"
	case SyncStateReady:
		return "ready"
	case SyncStateReady | SyncStateReceiving:
		return "ready+receiving"
	}
	return "invalid"
}

// TimerAction tells what to do with the sync timer.
type TimerAction int

// Timer actions.
const (
	TimerNoChange TimerAction = iota
	TimerRestart
	TimerStop
)

// ParseResult is the outcome of one parsing step.
type ParseResult struct {
	// Sync is the sync byte to send to the peer, or 0.
	Sync  byte
	State SyncState
	Frame *Frame
}

// WhatAboutTimer decides what to do with the sync timer.
func (r ParseResult) WhatAboutTimer() TimerAction {
	if r.State.IsReceiving() || r.Sync == syncREQ {
		return TimerRestart
	}
	if r.State.IsReady() {
		return TimerStop
	}
	return TimerNoChange
}

type parseState int

const (
	stateSyncAck      parseState = iota // syncREQ sent, waiting for syncACK
	stateSyncReqSeq                     // seq after syncREQ
	stateSyncAckSeq                     // seq after syncACK
	stateFrameSeq                       // synchronized, waiting for next frame
	stateFrameAckSeq                    // seq after a late syncACK
	stateFrameKind                      // frame kind
	stateFrameChannel                   // frame channel
	stateFrameValue                     // value bytes
)

const (
	syncREQ byte = 0xff
	syncACK byte = 0xfe
)

// State gets the current sync state.
func (p *Parser) State() SyncState {
	switch {
	case p.state == stateSyncAck:
		return SyncStateSyncing
	case p.state == stateFrameSeq:
		return SyncStateReady
	case p.state > stateFrameSeq:
		return SyncStateReady | SyncStateReceiving
	}
	return SyncStateSyncing | SyncStateReceiving
}

// Reset starts a new synchronization.
func (p *Parser) Reset() (pr ParseResult) {
	p.frame = nil
	pr.Sync, pr.Frame = p.resync()
	pr.State = p.State()
	return
}

// Parse consumes one byte.
func (p *Parser) Parse(b byte) (pr ParseResult) {
	pr.Sync, pr.Frame = p.parseByte(b)
	pr.State = p.State()
	return
}

// Timeout notifies the sync timer expired.
func (p *Parser) Timeout() (pr ParseResult) {
	if p.state != stateFrameSeq {
		pr.Sync, pr.Frame = p.resync()
	}
	pr.State = p.State()
	return
}

func (p *Parser) parseByte(b byte) (syncCmd byte, frame *Frame) {
	switch p.state {
	case stateSyncAck:
		switch b {
		case syncREQ:
			p.state = stateSyncReqSeq
		case syncACK:
			p.state = stateSyncAckSeq
		}
	case stateSyncReqSeq:
		if seq := FrameSeq(b); seq.IsValid() {
			p.peerSeq, p.state = seq, stateFrameSeq
			return syncACK, nil
		}
		return p.resync()
	case stateSyncAckSeq:
		if seq := FrameSeq(b); seq.IsValid() {
			p.peerSeq, p.state = seq, stateFrameSeq
			return
		}
		return p.resync()
	case stateFrameSeq:
		switch b {
		case syncREQ:
			p.state = stateSyncReqSeq
			return
		case syncACK:
			p.state = stateFrameAckSeq
			return
		}
		if b != byte(p.peerSeq) {
			return p.resync()
		}
		p.frame = &Frame{Seq: p.peerSeq}
		p.peerSeq = p.peerSeq.Next()
		p.state = stateFrameKind
	case stateFrameAckSeq:
		if b != byte(p.peerSeq) {
			return p.resync()
		}
		p.state = stateFrameSeq
	case stateFrameKind:
		if kind := FrameKind(b); kind.IsValid() {
			p.frame.Kind, p.state = kind, stateFrameChannel
			return
		}
		return p.resync()
	case stateFrameChannel:
		p.frame.Channel = mhu.Channel(b)
		p.recvLen, p.state = 0, stateFrameValue
	case stateFrameValue:
		p.value[p.recvLen] = b
		p.recvLen++
		if p.recvLen >= len(p.value) {
			p.frame.Value = binary.LittleEndian.Uint32(p.value[:])
			p.state = stateFrameSeq
			frame, p.frame = p.frame, nil
		}
	}
	return
}

func (p *Parser) resync() (byte, *Frame) {
	p.state, p.frame = stateSyncAck, nil
	return syncREQ, nil
}
