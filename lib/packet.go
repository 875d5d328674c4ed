package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Packet represents a single RDT wire unit. Control packets (SYN, pure ACK,
// FIN) carry an empty payload; a non-empty payload implies DATA.
type Packet struct {
	Version           uint8
	Flags             uint8
	ConnID            uint16 // connection identifier, chosen by the initiator
	SequenceNumber    uint32
	AcknowledgmentNum uint32 // next sequence number expected by the sender of this packet
	WindowSize        uint32 // packets the sender of this packet can still buffer
	Checksum          uint32
	Payload           []byte

	SrcAddr  net.Addr    // incoming packets only: sender address, set by the endpoint
	DestAddr net.Addr    // outgoing packets only: destination (server side writes per-packet)
	Conn     *Connection // outgoing packets only: owning connection
	chunkMu  sync.Mutex  // serializes Marshal against ReturnChunk
	chunk    *rp.Element // pool chunk backing Payload, nil for control packets
	released bool        // set by ReturnChunk; the payload bytes are gone
	isResend bool        // retransmitted copy owning its own chunk
}

// errPacketReleased marks a queued packet whose chunk went back to the pool
// before the writer reached it, as after a teardown. Not a fault, just skip.
var errPacketReleased = fmt.Errorf("packet chunk already returned to the pool")

// Marshal serializes the packet into buffer and returns the frame length.
// The checksum is computed over the header with the checksum field zeroed
// plus the payload.
func (p *Packet) Marshal(buffer []byte) (int, error) {
	p.chunkMu.Lock()
	defer p.chunkMu.Unlock()
	if p.released {
		return 0, errPacketReleased
	}

	frameLength := HeaderLength + len(p.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}

	buffer[versionOffset] = p.Version
	buffer[flagsOffset] = p.Flags
	binary.BigEndian.PutUint16(buffer[connIDOffset:connIDOffset+2], p.ConnID)
	binary.BigEndian.PutUint32(buffer[seqNumOffset:seqNumOffset+4], p.SequenceNumber)
	binary.BigEndian.PutUint32(buffer[ackNumOffset:ackNumOffset+4], p.AcknowledgmentNum)
	binary.BigEndian.PutUint32(buffer[windowOffset:windowOffset+4], p.WindowSize)
	binary.BigEndian.PutUint32(buffer[lengthOffset:lengthOffset+4], uint32(len(p.Payload)))
	// leave the checksum field as all zero for now
	binary.BigEndian.PutUint32(buffer[checksumOffset:checksumOffset+4], 0)

	if len(p.Payload) > 0 {
		copy(buffer[HeaderLength:], p.Payload)
	}

	checksum := CalculateChecksum(buffer[:frameLength])
	binary.BigEndian.PutUint32(buffer[checksumOffset:checksumOffset+4], checksum)
	p.Checksum = checksum

	return frameLength, nil
}

// Unmarshal parses a received frame. The payload, if any, is copied into a
// pool chunk owned by the packet. Callers must run VerifyChecksum on the raw
// frame first; Unmarshal only validates structure.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < HeaderLength {
		return fmt.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}

	p.Version = data[versionOffset]
	p.Flags = data[flagsOffset]
	p.ConnID = binary.BigEndian.Uint16(data[connIDOffset : connIDOffset+2])
	p.SequenceNumber = binary.BigEndian.Uint32(data[seqNumOffset : seqNumOffset+4])
	p.AcknowledgmentNum = binary.BigEndian.Uint32(data[ackNumOffset : ackNumOffset+4])
	p.WindowSize = binary.BigEndian.Uint32(data[windowOffset : windowOffset+4])
	p.Checksum = binary.BigEndian.Uint32(data[checksumOffset : checksumOffset+4])

	declaredLength := binary.BigEndian.Uint32(data[lengthOffset : lengthOffset+4])
	if int(declaredLength) != len(data)-HeaderLength {
		return fmt.Errorf("declared payload length(%d) does not match remaining buffer length(%d)", declaredLength, len(data)-HeaderLength)
	}

	if declaredLength > 0 {
		if err := p.CopyToPayload(data[HeaderLength:]); err != nil {
			return fmt.Errorf("packet unmarshal: error copying packet payload - %s", err)
		}
	} else {
		p.Payload = nil
	}

	return nil
}

// NewPacket assembles an outgoing packet for conn, copying data into a pool
// chunk when present.
func NewPacket(seqNum, ackNum uint32, flags uint8, data []byte, conn *Connection) *Packet {
	newPacket := &Packet{
		Version:           ProtocolVersion,
		Flags:             flags,
		ConnID:            conn.params.connID,
		SequenceNumber:    seqNum,
		AcknowledgmentNum: ackNum,
		WindowSize:        conn.advertisedWindow(),
		DestAddr:          conn.params.remoteAddr,
		Conn:              conn,
	}
	if len(data) > 0 {
		err := newPacket.CopyToPayload(data)
		if err != nil {
			log.Println("NewPacket error:", err)
			return nil
		}
	}
	return newPacket
}

// Duplicate builds a retransmission copy of p with a fresh chunk and the
// given acknowledgment number. The copy owns its chunk and releases it right
// after transmission, so the original stays valid in the in-flight catalog.
func (p *Packet) Duplicate(ackNum uint32) *Packet {
	dup := &Packet{
		Version:           p.Version,
		Flags:             p.Flags,
		ConnID:            p.ConnID,
		SequenceNumber:    p.SequenceNumber,
		AcknowledgmentNum: ackNum,
		WindowSize:        p.Conn.advertisedWindow(),
		DestAddr:          p.DestAddr,
		Conn:              p.Conn,
		isResend:          true,
	}
	if len(p.Payload) > 0 {
		if err := dup.CopyToPayload(p.Payload); err != nil {
			log.Println("Packet.Duplicate error:", err)
			return nil
		}
	}
	return dup
}

func (p *Packet) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		return fmt.Errorf("p.CopyToPayload: Source slice is empty")
	}
	p.chunk = Pool.GetElement()
	if p.chunk == nil {
		return fmt.Errorf("p.CopyToPayload: Got a nil chunk")
	}
	err := p.chunk.Data.(*Payload).Copy(src)
	if err != nil {
		p.ReturnChunk()
		return fmt.Errorf("Packet.CopyToPayload: %s", err)
	}
	p.Payload = p.chunk.Data.(*Payload).GetSlice()
	return nil
}

// ReturnChunk hands the payload chunk back to the pool once the packet is no
// longer referenced.
func (p *Packet) ReturnChunk() {
	p.chunkMu.Lock()
	defer p.chunkMu.Unlock()
	p.released = true
	if p.chunk != nil {
		Pool.ReturnElement(p.chunk)
		p.chunk = nil
		p.Payload = nil
	}
}

// CalculateChecksum sums the buffer as big-endian 16-bit words into a 32-bit
// accumulator and returns the one's complement. The frame's checksum field
// must be zeroed before calling.
func CalculateChecksum(buffer []byte) uint32 {
	var cksum uint32 = 0

	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	return ^cksum
}

// VerifyChecksum recomputes the checksum of a raw frame and compares it with
// the transmitted one. A failing frame is indistinguishable from loss and
// must be dropped by the caller.
func VerifyChecksum(data []byte) bool {
	if len(data) < HeaderLength {
		return false
	}
	receivedChecksum := binary.BigEndian.Uint32(data[checksumOffset : checksumOffset+4])

	// Zero out the checksum field in data for calculation
	binary.BigEndian.PutUint32(data[checksumOffset:checksumOffset+4], 0)

	calculatedChecksum := CalculateChecksum(data)

	// Restore the original checksum field in data
	binary.BigEndian.PutUint32(data[checksumOffset:checksumOffset+4], receivedChecksum)

	return receivedChecksum == calculatedChecksum
}

// GenerateConnID picks a random 16-bit connection identifier.
func GenerateConnID() (uint16, error) {
	var id uint16
	err := binary.Read(rand.Reader, binary.BigEndian, &id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PacketInfo represents information about a sent, not yet acknowledged packet
type PacketInfo struct {
	LastSentTime  time.Time // Time the packet was last sent
	FirstSentTime time.Time // Time the packet was first sent, for RTT sampling
	ResendCount   int       // Number of times the packet has been resent
	Data          *Packet
}

// SentPackets is the per-connection catalog of in-flight packets keyed by
// sequence number. The sender engine serializes access through the
// connection lock; the internal mutex additionally protects metric readers.
type SentPackets struct {
	mutex   sync.Mutex
	packets map[uint32]*PacketInfo
}

func NewSentPackets() *SentPackets {
	return &SentPackets{
		packets: make(map[uint32]*PacketInfo),
	}
}

func (r *SentPackets) Add(packet *Packet) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	now := time.Now()
	r.packets[packet.SequenceNumber] = &PacketInfo{
		LastSentTime:  now,
		FirstSentTime: now,
		ResendCount:   0,
		Data:          packet,
	}
}

func (r *SentPackets) Get(seqNum uint32) (*PacketInfo, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	packetInfo, ok := r.packets[seqNum]
	return packetInfo, ok
}

// MarkResent bumps the resend counter and returns the new count.
func (r *SentPackets) MarkResent(seqNum uint32) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	packetInfo, ok := r.packets[seqNum]
	if !ok {
		return 0, fmt.Errorf("corresponding packet not found")
	}
	packetInfo.LastSentTime = time.Now()
	packetInfo.ResendCount++
	return packetInfo.ResendCount, nil
}

// Remove purges an acknowledged packet and returns its chunk to the pool.
func (r *SentPackets) Remove(seqNum uint32) (*PacketInfo, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	packetInfo, ok := r.packets[seqNum]
	if !ok {
		return nil, false
	}
	delete(r.packets, seqNum)
	packetInfo.Data.ReturnChunk()
	return packetInfo, true
}

func (r *SentPackets) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.packets)
}

// Clear drops every in-flight packet, returning their chunks.
func (r *SentPackets) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for seqNum, packetInfo := range r.packets {
		packetInfo.Data.ReturnChunk()
		delete(r.packets, seqNum)
	}
}
