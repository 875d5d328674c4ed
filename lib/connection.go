package lib

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrWindowFull is returned by Write when the effective send window has
	// no room. The caller decides whether to back off and retry.
	ErrWindowFull = errors.New("send window full")
	// ErrConnectionClosed is returned by Write after teardown has started.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrPayloadTooLarge is returned by Write when the payload exceeds the
	// configured maximum segment size.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum segment size")
)

// ConnectionConfig carries the per-connection tunables. Zero values are
// replaced by engine-wide defaults.
type ConnectionConfig struct {
	WindowSize        int           // fixed send window in packets
	ResendTimeout     time.Duration // fixed retransmission timeout, not RTT-adaptive
	MaxPayloadSize    int           // maximum payload per packet
	InitialRecvWindow int           // own advertised receive window (delivery queue capacity)
	HandshakeRetries  int           // SYN / SYN-ACK resend budget
	MaxResendCount    int           // per-packet resend ceiling before the connection is declared failed
	TeardownTimeout   time.Duration // upper bound on the CLOSING state
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		WindowSize:        DefaultWindowSize,
		ResendTimeout:     DefaultResendTimeoutMs * time.Millisecond,
		MaxPayloadSize:    DefaultMaxPayloadSize,
		InitialRecvWindow: DefaultInitialRecvWindow,
		HandshakeRetries:  DefaultHandshakeRetries,
		MaxResendCount:    DefaultMaxResendCount,
		TeardownTimeout:   DefaultTeardownTimeoutMs * time.Millisecond,
	}
}

func (c *ConnectionConfig) fillDefaults() {
	def := DefaultConnectionConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.ResendTimeout <= 0 {
		c.ResendTimeout = def.ResendTimeout
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = def.MaxPayloadSize
	}
	if c.InitialRecvWindow <= 0 {
		c.InitialRecvWindow = def.InitialRecvWindow
	}
	if c.HandshakeRetries <= 0 {
		c.HandshakeRetries = def.HandshakeRetries
	}
	if c.MaxResendCount <= 0 {
		c.MaxResendCount = def.MaxResendCount
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = def.TeardownTimeout
	}
}

type connectionParams struct {
	key                      string // connection key for easy reference
	connID                   uint16
	isServer                 bool
	remoteAddr               net.Addr
	localAddr                net.Addr
	outputChan               chan *Packet     // shared outgoing channel for data and FIN packets
	sigOutputChan            chan *Packet     // shared priority channel for ACK and handshake packets
	connCloseSignal          chan *Connection // tells the parent to remove this connection from its map
	newConnChannel           chan *Connection // server side: completed handshakes queue here for Accept
	connSignalFailedToParent chan *Connection // server side: failed handshakes report here
	parentCloseSignal        chan struct{}    // closed when the owning endpoint shuts down
}

// Connection is one logical reliable stream multiplexed over a shared
// endpoint socket. One goroutine (handleIncomingPackets) consumes inbound
// packets; the mutex serializes its state changes against Write calls and
// timer callbacks. ACK processing and the retransmission timer firing are
// mutually exclusive by construction: both run under mu.
type Connection struct {
	params *connectionParams
	config *ConnectionConfig

	inputChannel chan *Packet
	readChannel  chan *Packet // in-order delivery queue; capacity is the advertised receive window

	mu    sync.Mutex
	state uint

	// sender engine
	sendBase    uint32 // oldest unacknowledged sequence number
	nextSeqNum  uint32 // next sequence number to assign
	inFlight    *SentPackets
	peerWindow  uint32 // peer's last-advertised receive window
	resendTimer *time.Timer
	finSent     bool
	finSeq      uint32
	finAcked    bool

	// receiver engine
	expectedSeq    uint32 // next in-order sequence number accepted
	peerFinSeen    bool
	initialPeerSeq uint32 // peer's SYN sequence number, for idempotent SYN-ACK replay

	// handshake
	connSignalTimer      *time.Timer
	connSignalRetryCount int
	connSignalFailed     chan struct{}
	connSignalDone       bool // guards connSignalFailed against double close

	teardownTimer *time.Timer
	isClosed      bool
	defunct       atomic.Bool // set at teardown; the endpoint writer skips queued packets
	closeSignal   chan struct{}
	wg            sync.WaitGroup
	metrics       *Metrics
}

func newConnection(params *connectionParams, config *ConnectionConfig) (*Connection, error) {
	if config == nil {
		config = DefaultConnectionConfig()
	} else {
		cp := *config
		config = &cp
	}
	config.fillDefaults()

	conn := &Connection{
		params:           params,
		config:           config,
		inputChannel:     make(chan *Packet),
		readChannel:      make(chan *Packet, config.InitialRecvWindow),
		state:            StateClosed,
		peerWindow:       1, // refreshed by the handshake
		inFlight:         NewSentPackets(),
		connSignalFailed: make(chan struct{}),
		closeSignal:      make(chan struct{}),
		metrics:          newMetrics(),
	}

	return conn, nil
}

// advertisedWindow reports how many more packets this side can buffer.
func (c *Connection) advertisedWindow() uint32 {
	return uint32(cap(c.readChannel) - len(c.readChannel))
}

func (c *Connection) LocalAddr() net.Addr  { return c.params.localAddr }
func (c *Connection) RemoteAddr() net.Addr { return c.params.remoteAddr }
func (c *Connection) ConnID() uint16       { return c.params.connID }

// State returns the current lifecycle state.
func (c *Connection) State() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns a snapshot of the connection's transfer statistics.
func (c *Connection) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Write sends one opaque payload as a single packet. It never blocks on the
// network: when the effective window is full it fails with ErrWindowFull and
// the caller owns the backoff policy.
func (c *Connection) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) > c.config.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed || c.state != StateEstablished {
		return 0, ErrConnectionClosed
	}

	outstanding := seqDistance(c.sendBase, c.nextSeqNum)
	if outstanding >= c.effectiveWindowLocked() {
		return 0, ErrWindowFull
	}

	packet := NewPacket(c.nextSeqNum, c.expectedSeq, ACKFlag, data, c)
	if packet == nil {
		return 0, fmt.Errorf("failed to allocate payload chunk")
	}

	c.inFlight.Add(packet)
	firstOutstanding := c.sendBase == c.nextSeqNum
	c.nextSeqNum = SeqIncrement(c.nextSeqNum)
	if firstOutstanding {
		c.resetResendTimerLocked()
	}
	c.metrics.addSent()

	c.params.outputChan <- packet
	return len(data), nil
}

// effectiveWindowLocked couples the fixed window with the peer's advertised
// receive window. Callers hold mu.
func (c *Connection) effectiveWindowLocked() uint32 {
	eff := uint32(c.config.WindowSize)
	if c.peerWindow < eff {
		eff = c.peerWindow
	}
	return eff
}

// Read returns the next delivered payload, in the order sent, with no
// duplicates and no gaps. It blocks until a payload arrives and reports
// io.EOF once the connection has fully closed and the queue is drained.
func (c *Connection) Read(buffer []byte) (int, error) {
	packet, ok := <-c.readChannel
	if !ok {
		return 0, io.EOF
	}

	// the queue was full and just gained a slot: the peer saw a zero
	// window and has nothing in flight to elicit a fresh ACK, so send a
	// window update before it stalls forever
	if len(c.readChannel) == cap(c.readChannel)-1 {
		c.mu.Lock()
		if !c.isClosed {
			c.sendAckLocked()
		}
		c.mu.Unlock()
	}

	payloadLength := len(packet.Payload)
	if payloadLength > len(buffer) {
		packet.ReturnChunk()
		return 0, fmt.Errorf("buffer length (%d) is too short to hold received payload (length %d)", len(buffer), payloadLength)
	}
	copy(buffer[:payloadLength], packet.Payload)
	packet.ReturnChunk()
	return payloadLength, nil
}

// handleIncomingPackets is the connection's event loop. It is the only
// goroutine that touches the receiver engine and the only sender on
// readChannel, which it closes on exit.
func (c *Connection) handleIncomingPackets() {
	defer c.wg.Done()
	defer close(c.readChannel)

	for {
		select {
		case <-c.closeSignal:
			return
		case packet := <-c.inputChannel:
			isSYN := packet.Flags&SYNFlag != 0
			isACK := packet.Flags&ACKFlag != 0
			isFIN := packet.Flags&FINFlag != 0
			isDataPacket := len(packet.Payload) > 0

			if isSYN {
				// a retransmitted SYN-ACK means our final handshake ACK
				// was lost. Its ack number lives in handshake space and
				// must never reach the sender engine; re-acknowledge
				// instead so the peer can finish the handshake.
				if isACK {
					c.initSendAck()
				}
				packet.ReturnChunk()
				continue
			}

			if isACK {
				c.processAck(packet)
			}
			if isDataPacket {
				c.handleDataPacket(packet)
			} else if isFIN {
				c.handleFinPacket(packet)
			}
		}
	}
}

// processAck applies a cumulative acknowledgment: everything before the
// acknowledgment number is received. Stale and duplicate ACKs change nothing
// except the refreshed peer window.
func (c *Connection) processAck(packet *Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return
	}

	// flow-control coupling: every ACK refreshes the peer's window
	c.peerWindow = packet.WindowSize

	ackNum := packet.AcknowledgmentNum
	acked := seqDistance(c.sendBase, ackNum)
	outstanding := seqDistance(c.sendBase, c.nextSeqNum)
	if acked == 0 || acked > outstanding {
		return // stale or out-of-range ACK is a no-op
	}

	for seq := c.sendBase; seq != ackNum; seq = SeqIncrement(seq) {
		info, ok := c.inFlight.Remove(seq)
		if ok && info.ResendCount == 0 {
			// retransmitted packets are excluded from RTT sampling
			c.metrics.addRTTSample(time.Since(info.FirstSentTime))
		}
	}
	c.sendBase = ackNum

	if c.finSent && isGreater(c.sendBase, c.finSeq) {
		c.finAcked = true
	}

	if c.sendBase == c.nextSeqNum {
		c.stopResendTimerLocked()
	} else {
		c.resetResendTimerLocked()
	}

	if c.finAcked && c.peerFinSeen {
		c.teardownLocked()
	}
}

// handleDataPacket implements the receiver engine: deliver in order, discard
// anything else, acknowledge cumulatively either way.
func (c *Connection) handleDataPacket(packet *Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		packet.ReturnChunk()
		return
	}

	if packet.SequenceNumber == c.expectedSeq {
		// once the packet is on readChannel a Read may recycle its chunk,
		// so take the length first
		payloadLen := len(packet.Payload)
		select {
		case c.readChannel <- packet:
			c.expectedSeq = SeqIncrement(c.expectedSeq)
			c.metrics.addDelivered(payloadLen)
		default:
			// no buffer space left; treat as loss, the peer retransmits
			packet.ReturnChunk()
		}
	} else {
		// duplicate or gap; no reordering buffer exists, re-acknowledge
		// the current expectation instead
		c.metrics.addOutOfOrder()
		packet.ReturnChunk()
	}

	c.sendAckLocked()
}

// sendAckLocked emits a cumulative ACK carrying the current expected
// sequence number and receive window. Callers hold mu.
func (c *Connection) sendAckLocked() {
	ackPacket := NewPacket(c.nextSeqNum, c.expectedSeq, ACKFlag, nil, c)
	c.params.sigOutputChan <- ackPacket
}

// handleFinPacket processes a peer FIN, which occupies one sequence number
// and is ordered like data.
func (c *Connection) handleFinPacket(packet *Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return
	}

	if packet.SequenceNumber != c.expectedSeq {
		// retransmitted FIN or FIN behind a gap
		c.sendAckLocked()
		return
	}

	c.expectedSeq = SeqIncrement(c.expectedSeq)
	c.peerFinSeen = true
	c.state = StateClosing
	c.sendAckLocked()

	if !c.finSent {
		// passive close: answer with our own FIN once theirs is acknowledged
		c.sendFinLocked()
	}
	c.startTeardownTimerLocked()

	if c.finAcked && c.peerFinSeen {
		c.teardownLocked()
	}
}

// sendFinLocked queues a FIN through the sender engine so that it is
// retransmitted and cumulatively acknowledged like data. Callers hold mu.
func (c *Connection) sendFinLocked() {
	finPacket := NewPacket(c.nextSeqNum, c.expectedSeq, FINFlag|ACKFlag, nil, c)
	c.inFlight.Add(finPacket)
	firstOutstanding := c.sendBase == c.nextSeqNum
	c.finSeq = c.nextSeqNum
	c.finSent = true
	c.nextSeqNum = SeqIncrement(c.nextSeqNum)
	if firstOutstanding {
		c.resetResendTimerLocked()
	}
	c.params.outputChan <- finPacket
}

// Close starts a graceful teardown: no new sends, in-flight packets drain
// under retransmission, and the connection leaves the endpoint's table once
// its FIN is acknowledged and the peer's FIN has been observed.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed || c.finSent {
		return nil
	}
	c.state = StateClosing
	c.sendFinLocked()
	c.startTeardownTimerLocked()
	return nil
}

func (c *Connection) startTeardownTimerLocked() {
	if c.teardownTimer != nil {
		return
	}
	c.teardownTimer = time.AfterFunc(c.config.TeardownTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.isClosed {
			log.Printf("Connection %s teardown timed out, forcing close\n", c.params.key)
			c.teardownLocked()
		}
	})
}

// CloseForcefully aborts the connection without the FIN exchange. Used when
// the owning endpoint goes away.
func (c *Connection) CloseForcefully(wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
}

// teardownLocked releases every per-connection resource and tells the parent
// to drop this connection from its table. Callers hold mu.
func (c *Connection) teardownLocked() {
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.defunct.Store(true)
	c.state = StateClosed

	c.stopResendTimerLocked()
	c.stopConnSignalTimerLocked()
	if c.teardownTimer != nil {
		c.teardownTimer.Stop()
		c.teardownTimer = nil
	}
	c.inFlight.Clear()
	close(c.closeSignal)

	// hand the key back to the parent without holding it hostage to a
	// shutting-down endpoint
	go func() {
		select {
		case c.params.connCloseSignal <- c:
		case <-c.params.parentCloseSignal:
		}
	}()
}

// Sender retransmission timer. Armed whenever at least one packet is
// unacknowledged, disarmed when the window empties.

func (c *Connection) resetResendTimerLocked() {
	if c.resendTimer == nil {
		c.resendTimer = time.AfterFunc(c.config.ResendTimeout, c.onResendTimeout)
		return
	}
	c.resendTimer.Stop()
	c.resendTimer.Reset(c.config.ResendTimeout)
}

func (c *Connection) stopResendTimerLocked() {
	if c.resendTimer != nil {
		c.resendTimer.Stop()
	}
}

// onResendTimeout resends the whole outstanding window in sequence order.
// Go-Back-N: a timeout retransmits everything from sendBase up to but not
// including nextSeqNum, never a single packet.
func (c *Connection) onResendTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return
	}
	if c.sendBase == c.nextSeqNum {
		return // an ACK emptied the window before the callback ran
	}

	for seq := c.sendBase; seq != c.nextSeqNum; seq = SeqIncrement(seq) {
		info, ok := c.inFlight.Get(seq)
		if !ok {
			continue
		}
		count, err := c.inFlight.MarkResent(seq)
		if err != nil {
			continue
		}
		if count > c.config.MaxResendCount {
			log.Printf("Connection %s exceeded resend ceiling (%d) for SEQ %d, declaring failed\n",
				c.params.key, c.config.MaxResendCount, seq)
			c.teardownLocked()
			return
		}
		// send a copy with its own chunk; the original stays in the
		// in-flight catalog until acknowledged
		dup := info.Data.Duplicate(c.expectedSeq)
		if dup == nil {
			continue
		}
		c.metrics.addRetransmission()
		c.params.outputChan <- dup
	}

	c.resendTimer.Reset(c.config.ResendTimeout)
}

// Handshake machinery. The connection signal timer drives bounded SYN (or
// SYN-ACK) retries; exhausting the budget fails the handshake.

func (c *Connection) initSendSyn() {
	c.mu.Lock()
	c.state = StateSynSent
	c.mu.Unlock()
	synPacket := NewPacket(0, 0, SYNFlag, nil, c)
	c.params.sigOutputChan <- synPacket
}

func (c *Connection) initSendSynAck() {
	synAckPacket := NewPacket(0, SeqIncrement(c.initialPeerSeq), SYNFlag|ACKFlag, nil, c)
	c.params.sigOutputChan <- synAckPacket
}

func (c *Connection) initSendAck() {
	ackPacket := NewPacket(0, SeqIncrement(c.initialPeerSeq), ACKFlag, nil, c)
	c.params.sigOutputChan <- ackPacket
}

// resendSynAck re-acknowledges a retransmitted SYN for a connection that is
// already past the handshake. Idempotent by design of the handshake itself.
func (c *Connection) resendSynAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	c.initSendSynAck()
}

func (c *Connection) startConnSignalTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connSignalRetryCount = 0
	c.connSignalTimer = time.AfterFunc(c.config.ResendTimeout, c.onConnSignalTimeout)
}

func (c *Connection) onConnSignalTimeout() {
	c.mu.Lock()

	if c.isClosed || c.state == StateEstablished {
		c.mu.Unlock()
		return
	}

	c.connSignalRetryCount++
	if c.connSignalRetryCount > c.config.HandshakeRetries {
		log.Printf("Connection %s handshake timed out after %d retries\n", c.params.key, c.config.HandshakeRetries)
		c.signalConnFailedLocked()
		c.mu.Unlock()
		return
	}

	if c.params.isServer {
		c.initSendSynAck()
	} else {
		synPacket := NewPacket(0, 0, SYNFlag, nil, c)
		c.params.sigOutputChan <- synPacket
	}
	c.connSignalTimer.Reset(c.config.ResendTimeout)
	c.mu.Unlock()
}

func (c *Connection) signalConnFailedLocked() {
	if c.connSignalDone {
		return
	}
	c.connSignalDone = true
	close(c.connSignalFailed)
	if c.params.isServer && c.params.connSignalFailedToParent != nil {
		conn := c
		go func() {
			select {
			case conn.params.connSignalFailedToParent <- conn:
			case <-conn.params.parentCloseSignal:
			}
		}()
	}
}

func (c *Connection) stopConnSignalTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopConnSignalTimerLocked()
}

func (c *Connection) stopConnSignalTimerLocked() {
	if c.connSignalTimer != nil {
		c.connSignalTimer.Stop()
		c.connSignalTimer = nil
	}
}
