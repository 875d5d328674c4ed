package lib

import (
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Endpoint owns one underlying UDP socket and multiplexes every logical
// connection over it: one receive loop parses and routes inbound datagrams,
// one write loop drains the shared output channels. A client endpoint holds
// the connection table itself; a server endpoint delegates it to its Service.
type Endpoint struct {
	core     *Core
	key      string
	isServer bool

	remoteAddr *net.UDPAddr // client side only
	localAddr  net.Addr
	clientConn *net.UDPConn // client side: connected socket
	serverConn *net.UDPConn // server side: unconnected socket

	outputChan, sigOutputChan chan *Packet

	mapMu             sync.Mutex
	connectionMap     map[uint16]*Connection // client side, keyed by connection ID
	tempConnectionMap map[uint16]*Connection // client side, handshake still pending

	service *Service // server side only

	connCloseSignal     chan *Connection
	endpointCloseSignal chan *Endpoint // tells the core to drop this endpoint

	closeSignal   chan struct{}
	closeOnce     sync.Once
	fatalMu       sync.Mutex
	fatalErr      error
	emptyMapTimer *time.Timer // client endpoint idle shutdown
	wg            sync.WaitGroup

	lossSim        *lossSimulator
	maxPayloadSize int
	connConfig     *ConnectionConfig
}

func newEndpoint(core *Core, key string, isServer bool, localAddr, remoteAddr string, connConfig *ConnectionConfig) (*Endpoint, error) {
	var (
		serverConn *net.UDPConn
		clientConn *net.UDPConn
		rAddr      *net.UDPAddr
		lAddr      net.Addr
		err        error
	)

	if isServer {
		listenAddr, err := net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed listen address %q", localAddr)
		}
		serverConn, err = net.ListenUDP("udp", listenAddr)
		if err != nil {
			return nil, errors.Wrap(err, "error listening")
		}
		lAddr = serverConn.LocalAddr()
	} else {
		rAddr, err = net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed remote address %q", remoteAddr)
		}
		var dialLocal *net.UDPAddr
		if localAddr != "" {
			dialLocal, err = net.ResolveUDPAddr("udp", localAddr)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed local address %q", localAddr)
			}
		}
		clientConn, err = net.DialUDP("udp", dialLocal, rAddr)
		if err != nil {
			return nil, errors.Wrap(err, "error dialing")
		}
		lAddr = clientConn.LocalAddr()
	}

	lossSim, err := newLossSimulator(core.config.LossProfile, core.config.LossRate, core.config.BurstRate, core.config.LossSeed)
	if err != nil {
		return nil, err
	}

	endpoint := &Endpoint{
		core:                core,
		key:                 key,
		isServer:            isServer,
		remoteAddr:          rAddr,
		localAddr:           lAddr,
		clientConn:          clientConn,
		serverConn:          serverConn,
		outputChan:          make(chan *Packet),
		sigOutputChan:       make(chan *Packet),
		connectionMap:       make(map[uint16]*Connection),
		tempConnectionMap:   make(map[uint16]*Connection),
		connCloseSignal:     make(chan *Connection),
		endpointCloseSignal: core.endpointCloseSignal,
		closeSignal:         make(chan struct{}),
		lossSim:             lossSim,
		maxPayloadSize:      core.config.MaxPayloadSize,
		connConfig:          connConfig,
	}

	if isServer {
		endpoint.service, err = newService(endpoint, lAddr, connConfig)
		if err != nil {
			serverConn.Close()
			return nil, err
		}
	}

	endpoint.wg.Add(3)
	go endpoint.handleIncomingPackets()
	go endpoint.handleOutgoingPackets()
	go endpoint.handleCloseConnection()

	return endpoint, nil
}

// LocalAddr returns the address the underlying socket is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.localAddr
}

// dial performs the active open for one new logical connection over this
// client endpoint. It blocks until the handshake completes or times out.
func (e *Endpoint) dial(connConfig *ConnectionConfig) (*Connection, error) {
	connID, err := e.pickConnID()
	if err != nil {
		return nil, err
	}

	connParams := &connectionParams{
		key:               fmt.Sprintf("%s#%d", e.remoteAddr.String(), connID),
		connID:            connID,
		isServer:          false,
		remoteAddr:        e.remoteAddr,
		localAddr:         e.localAddr,
		outputChan:        e.outputChan,
		sigOutputChan:     e.sigOutputChan,
		connCloseSignal:   e.connCloseSignal,
		parentCloseSignal: e.closeSignal,
	}
	newConn, err := newConnection(connParams, connConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating new connection to %s", e.remoteAddr.String())
	}

	e.mapMu.Lock()
	e.tempConnectionMap[connID] = newConn
	e.mapMu.Unlock()

	// Send SYN and arm the handshake retry timer
	newConn.initSendSyn()
	newConn.startConnSignalTimer()
	log.Println("Initiated connection to server with connKey:", newConn.params.key)

	// Wait for SYN-ACK
	for {
		select {
		case <-e.closeSignal:
			e.removeTempConn(connID)
			return nil, fmt.Errorf("endpoint closed while dialing")

		case <-newConn.connSignalFailed:
			newConn.CloseForcefully(nil)
			e.removeTempConn(connID)
			err := &TimeoutError{msg: fmt.Sprintf("dialing connection %s failed due to timeout", newConn.params.key)}
			log.Println(err)
			return nil, err

		case packet := <-newConn.inputChannel:
			if packet.Flags != SYNFlag|ACKFlag {
				continue
			}
			newConn.stopConnSignalTimer()

			newConn.mu.Lock()
			newConn.initialPeerSeq = packet.SequenceNumber
			if packet.WindowSize > 0 {
				newConn.peerWindow = packet.WindowSize
			} else {
				newConn.peerWindow = 1
			}
			newConn.state = StateEstablished
			newConn.mu.Unlock()

			newConn.initSendAck()

			e.mapMu.Lock()
			delete(e.tempConnectionMap, connID)
			e.connectionMap[connID] = newConn
			e.mapMu.Unlock()

			newConn.wg.Add(1)
			go newConn.handleIncomingPackets()

			return newConn, nil
		}
	}
}

// pickConnID chooses a random connection identifier not currently in use on
// this endpoint.
func (e *Endpoint) pickConnID() (uint16, error) {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	for attempt := 0; attempt < 16; attempt++ {
		id, err := GenerateConnID()
		if err != nil {
			return 0, err
		}
		_, inUse := e.connectionMap[id]
		_, inTemp := e.tempConnectionMap[id]
		if !inUse && !inTemp {
			return id, nil
		}
	}
	return 0, fmt.Errorf("could not pick an unused connection ID")
}

func (e *Endpoint) removeTempConn(connID uint16) {
	e.mapMu.Lock()
	delete(e.tempConnectionMap, connID)
	e.mapMu.Unlock()
}

func (e *Endpoint) clientProcessingIncomingPacket(buffer []byte) {
	e.clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

	n, err := e.clientConn.Read(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return // keep waiting for packets or the close signal
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			// ICMP port unreachable for one datagram; the peer may still
			// come up, let the handshake retries decide
			return
		}
		e.handleFatalError(err)
		return
	}

	// checksum verification comes before trusting any header field
	if !VerifyChecksum(buffer[:n]) {
		log.Println("Packet checksum verification failed. Skip this packet.")
		return
	}

	packet := &Packet{}
	if err = packet.Unmarshal(buffer[:n]); err != nil {
		log.Println("Received frame is il-formated. Ignore it!")
		return
	}
	packet.SrcAddr = e.remoteAddr

	e.mapMu.Lock()
	conn, ok := e.connectionMap[packet.ConnID]
	if ok && !conn.defunct.Load() {
		e.mapMu.Unlock()
		select {
		case conn.inputChannel <- packet:
		case <-conn.closeSignal:
			packet.ReturnChunk()
		}
		return
	}

	tempConn, ok := e.tempConnectionMap[packet.ConnID]
	e.mapMu.Unlock()
	if ok && !tempConn.defunct.Load() {
		if len(packet.Payload) == 0 {
			select {
			case tempConn.inputChannel <- packet:
			case <-tempConn.closeSignal:
			}
			return
		}
		// the connection is not ready yet; drop data, the peer retransmits
		packet.ReturnChunk()
		return
	}

	log.Printf("Received packet for non-existent connection: %d\n", packet.ConnID)
	packet.ReturnChunk()
}

func (e *Endpoint) serverProcessingIncomingPacket(buffer []byte) {
	e.serverConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

	n, addr, err := e.serverConn.ReadFromUDP(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		e.handleFatalError(err)
		return
	}

	if !VerifyChecksum(buffer[:n]) {
		log.Println("Packet checksum verification failed. Skip this packet.")
		return
	}

	packet := &Packet{}
	if err = packet.Unmarshal(buffer[:n]); err != nil {
		log.Println("Received frame is il-formated. Ignore it!")
		return
	}
	packet.SrcAddr = addr

	if e.service.isClosed.Load() {
		packet.ReturnChunk()
		return
	}

	select {
	case e.service.inputChannel <- packet:
	case <-e.closeSignal:
		packet.ReturnChunk()
	}
}

// handleIncomingPackets is the endpoint's dedicated receive loop, the only
// goroutine that reads the socket.
func (e *Endpoint) handleIncomingPackets() {
	defer e.wg.Done()

	buffer := make([]byte, e.maxPayloadSize+HeaderLength)

	for {
		select {
		case <-e.closeSignal:
			return
		default:
			if e.isServer {
				e.serverProcessingIncomingPacket(buffer)
			} else {
				e.clientProcessingIncomingPacket(buffer)
			}
		}
	}
}

// handleOutgoingPackets writes packets for every connection on this endpoint
// in the order the engines generate them. Signalling packets (ACK, SYN,
// SYN-ACK) take priority over the data stream.
func (e *Endpoint) handleOutgoingPackets() {
	defer e.wg.Done()

	var (
		frameBytes = make([]byte, e.maxPayloadSize+HeaderLength)
		packet     *Packet
	)
	for {
		select {
		case <-e.closeSignal:
			return
		case packet = <-e.sigOutputChan:
		default:
			select {
			case <-e.closeSignal:
				return
			case packet = <-e.sigOutputChan:
			case packet = <-e.outputChan:
			}
		}

		if packet.Conn != nil && packet.Conn.defunct.Load() {
			// connection torn down while the packet was queued; its
			// in-flight chunk is no longer safe to touch
			if packet.isResend {
				packet.ReturnChunk()
			}
			continue
		}

		if e.lossSim.shouldDrop() {
			log.Println("Loss simulation: dropping packet with SEQ", packet.SequenceNumber)
			if packet.isResend {
				packet.ReturnChunk()
			}
			continue
		}

		n, err := packet.Marshal(frameBytes)
		if err != nil {
			// a released chunk means the connection tore down after
			// queueing; anything else is worth a diagnostic
			if err != errPacketReleased {
				log.Println("Error marshalling packet:", err, "Skip this packet.")
			}
			continue
		}

		if e.isServer {
			_, err = e.serverConn.WriteTo(frameBytes[:n], packet.DestAddr)
		} else {
			_, err = e.clientConn.Write(frameBytes[:n])
		}
		if err != nil {
			log.Println("Error writing packet:", err, "Skip this packet.")
		}

		// retransmitted copies own their chunk; first transmissions stay
		// owned by the connection's in-flight catalog until acknowledged
		if packet.isResend {
			packet.ReturnChunk()
		}
	}
}

// handleCloseConnection clears closed client connections and shuts the
// endpoint down after a period with no connections at all.
func (e *Endpoint) handleCloseConnection() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closeSignal:
			return
		case conn := <-e.connCloseSignal:
			e.mapMu.Lock()
			delete(e.connectionMap, conn.params.connID)
			delete(e.tempConnectionMap, conn.params.connID)
			remaining := len(e.connectionMap) + len(e.tempConnectionMap)
			e.mapMu.Unlock()
			log.Printf("Connection %s terminated and removed.\n", conn.params.key)

			if !e.isServer && remaining == 0 {
				if e.emptyMapTimer != nil {
					e.emptyMapTimer.Stop()
				}
				idle := e.core.config.IdleTimeout
				log.Println("Wait for", idle, "before closing the idle endpoint")
				e.emptyMapTimer = time.AfterFunc(idle, func() {
					e.mapMu.Lock()
					empty := len(e.connectionMap)+len(e.tempConnectionMap) == 0
					e.mapMu.Unlock()
					if empty {
						e.Close()
					}
				})
			}
		}
	}
}

// handleFatalError aborts every connection on this endpoint. Surfaced once,
// not per connection.
func (e *Endpoint) handleFatalError(err error) {
	e.fatalMu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.fatalMu.Unlock()
	log.Println("Fatal socket error on endpoint, aborting all connections:", err)
	go e.Close()
}

// FatalError reports the socket-level error that killed this endpoint, if
// any.
func (e *Endpoint) FatalError() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

// Close shuts the endpoint down: force-closes every connection, stops the
// goroutines, releases the socket and unregisters from the core.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		var wg sync.WaitGroup
		e.mapMu.Lock()
		for _, conn := range e.connectionMap {
			wg.Add(1)
			go conn.CloseForcefully(&wg)
		}
		for _, conn := range e.tempConnectionMap {
			wg.Add(1)
			go conn.CloseForcefully(&wg)
		}
		e.mapMu.Unlock()
		wg.Wait()

		if e.service != nil {
			e.service.shutdown()
		}

		close(e.closeSignal)
		e.wg.Wait()

		if e.emptyMapTimer != nil {
			e.emptyMapTimer.Stop()
			e.emptyMapTimer = nil
		}

		if e.isServer {
			e.serverConn.Close()
		} else {
			e.clientConn.Close()
		}

		// tell the core to clear this endpoint from its map
		select {
		case e.endpointCloseSignal <- e:
		case <-e.core.closeSignal:
		}

		log.Println("Endpoint closed gracefully.")
	})
}
