package lib

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
)

// Service is the passive-open half of an endpoint: it owns the connection
// table for inbound logical connections and queues completed handshakes for
// Accept.
type Service struct {
	endpoint    *Endpoint
	serviceAddr net.Addr

	inputChannel              chan *Packet // every inbound packet for this service
	outputChan, sigOutputChan chan *Packet

	mapMu         sync.Mutex
	connectionMap map[string]*Connection // established connections
	tempConnMap   map[string]*Connection // connections still in the 3-way handshake

	newConnChannel   chan *Connection // completed handshakes waiting for Accept
	connCloseSignal  chan *Connection
	connSignalFailed chan *Connection // handshakes that ran out of retries
	closeSignal      chan struct{}
	closeOnce        sync.Once
	wg               sync.WaitGroup
	isClosed         atomic.Bool
	connConfig       *ConnectionConfig
}

func newService(endpoint *Endpoint, serviceAddr net.Addr, connConfig *ConnectionConfig) (*Service, error) {
	newSrv := &Service{
		endpoint:         endpoint,
		serviceAddr:      serviceAddr,
		inputChannel:     make(chan *Packet),
		outputChan:       endpoint.outputChan,
		sigOutputChan:    endpoint.sigOutputChan,
		connectionMap:    make(map[string]*Connection),
		tempConnMap:      make(map[string]*Connection),
		newConnChannel:   make(chan *Connection),
		connCloseSignal:  make(chan *Connection),
		connSignalFailed: make(chan *Connection),
		closeSignal:      make(chan struct{}),
		connConfig:       connConfig,
	}

	newSrv.wg.Add(2)
	go newSrv.handleIncomingPackets()
	go newSrv.handleCloseConnections()

	return newSrv, nil
}

// connKey addresses a server-side connection by (remote address, connection
// ID), so identical IDs from different peers never collide.
func connKey(remoteAddr net.Addr, connID uint16) string {
	return fmt.Sprintf("%s#%d", remoteAddr.String(), connID)
}

// Addr returns the address this service listens on.
func (s *Service) Addr() net.Addr {
	return s.serviceAddr
}

// Accept blocks until an inbound logical connection completes its handshake.
func (s *Service) Accept() (*Connection, error) {
	for {
		select {
		case <-s.closeSignal:
			if err := s.endpoint.FatalError(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("service is closed")
		case newConn := <-s.newConnChannel:
			s.mapMu.Lock()
			_, ok := s.tempConnMap[newConn.params.key]
			if !ok {
				s.mapMu.Unlock()
				log.Printf("Received handshake completion for non-existent connection: %s. Ignore it!\n", newConn.params.key)
				continue
			}
			delete(s.tempConnMap, newConn.params.key)
			s.connectionMap[newConn.params.key] = newConn
			s.mapMu.Unlock()

			newConn.wg.Add(1)
			go newConn.handleIncomingPackets()

			log.Printf("New connection is ready: %s\n", newConn.params.key)
			return newConn, nil
		}
	}
}

// handleIncomingPackets is the service dispatch loop.
func (s *Service) handleIncomingPackets() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeSignal:
			return
		case packet := <-s.inputChannel:
			isSYN := packet.Flags&SYNFlag != 0
			isACK := packet.Flags&ACKFlag != 0

			if isSYN && !isACK {
				s.handleSynPacket(packet)
			} else {
				s.dispatchPacket(packet)
			}
		}
	}
}

// dispatchPacket routes a non-SYN packet to the matching connection. Packets
// for unknown identifiers are dropped with a diagnostic.
func (s *Service) dispatchPacket(packet *Packet) {
	key := connKey(packet.SrcAddr, packet.ConnID)

	s.mapMu.Lock()
	conn, ok := s.connectionMap[key]
	if ok && !conn.defunct.Load() {
		s.mapMu.Unlock()
		select {
		case conn.inputChannel <- packet:
		case <-conn.closeSignal:
			packet.ReturnChunk()
		}
		return
	}

	tempConn, ok := s.tempConnMap[key]
	s.mapMu.Unlock()
	if ok && !tempConn.defunct.Load() {
		if len(packet.Payload) == 0 {
			// the final handshake ACK, or an early control packet
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

	log.Printf("Received packet for non-existent connection: %s\n", key)
	packet.ReturnChunk()
}

// handleSynPacket performs the passive open. A SYN for a connection that
// already exists, in either table, is re-acknowledged idempotently rather
// than recreated.
func (s *Service) handleSynPacket(packet *Packet) {
	key := connKey(packet.SrcAddr, packet.ConnID)

	s.mapMu.Lock()
	if conn, ok := s.connectionMap[key]; ok {
		s.mapMu.Unlock()
		log.Printf("Received duplicate SYN for established connection %s, re-acknowledging\n", key)
		conn.resendSynAck()
		return
	}
	if tempConn, ok := s.tempConnMap[key]; ok {
		s.mapMu.Unlock()
		tempConn.resendSynAck()
		return
	}
	s.mapMu.Unlock()

	connParams := &connectionParams{
		key:                      key,
		connID:                   packet.ConnID,
		isServer:                 true,
		remoteAddr:               packet.SrcAddr,
		localAddr:                s.serviceAddr,
		outputChan:               s.outputChan,
		sigOutputChan:            s.sigOutputChan,
		connCloseSignal:          s.connCloseSignal,
		newConnChannel:           s.newConnChannel,
		connSignalFailedToParent: s.connSignalFailed,
		parentCloseSignal:        s.closeSignal,
	}
	newConn, err := newConnection(connParams, s.connConfig)
	if err != nil {
		log.Printf("Error creating new connection for %s: %s\n", key, err)
		return
	}

	newConn.state = StateSynReceived
	newConn.initialPeerSeq = packet.SequenceNumber
	if packet.WindowSize > 0 {
		newConn.peerWindow = packet.WindowSize
	}

	s.mapMu.Lock()
	s.tempConnMap[key] = newConn
	s.mapMu.Unlock()

	newConn.wg.Add(1)
	go newConn.handle3WayHandshake()

	newConn.initSendSynAck()
	newConn.startConnSignalTimer()

	log.Printf("Sent SYN-ACK packet to: %s\n", key)
}

// handle3WayHandshake waits for the client's final ACK on a pending
// connection, then hands it to Accept. Runs on the temp connection only.
func (c *Connection) handle3WayHandshake() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeSignal:
			return
		case <-c.connSignalFailed:
			return
		case packet := <-c.inputChannel:
			isSYN := packet.Flags&SYNFlag != 0
			isACK := packet.Flags&ACKFlag != 0

			if isSYN || !isACK || len(packet.Payload) > 0 {
				continue // only the bare ACK completes the handshake
			}

			c.mu.Lock()
			if c.state != StateSynReceived {
				c.mu.Unlock()
				continue
			}
			c.stopConnSignalTimerLocked()
			if packet.WindowSize > 0 {
				c.peerWindow = packet.WindowSize
			} else {
				c.peerWindow = 1
			}
			c.state = StateEstablished
			c.mu.Unlock()

			select {
			case c.params.newConnChannel <- c:
			case <-c.params.parentCloseSignal:
			}
			return
		}
	}
}

// handleCloseConnections clears closed and failed connections from the maps.
func (s *Service) handleCloseConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeSignal:
			return
		case conn := <-s.connSignalFailed:
			s.mapMu.Lock()
			delete(s.tempConnMap, conn.params.key)
			s.mapMu.Unlock()
			log.Printf("Pending connection %s removed after handshake failure\n", conn.params.key)
		case conn := <-s.connCloseSignal:
			s.mapMu.Lock()
			_, ok := s.connectionMap[conn.params.key]
			if !ok {
				s.mapMu.Unlock()
				log.Printf("Connection %s does not exist in connection map\n", conn.params.key)
				continue
			}
			delete(s.connectionMap, conn.params.key)
			s.mapMu.Unlock()
			log.Printf("Connection %s terminated and removed.\n", conn.params.key)
		}
	}
}

// abortConnections force-closes everything on a fatal socket error.
func (s *Service) abortConnections() {
	var wg sync.WaitGroup
	s.mapMu.Lock()
	for _, conn := range s.connectionMap {
		wg.Add(1)
		go conn.CloseForcefully(&wg)
	}
	for _, tempConn := range s.tempConnMap {
		wg.Add(1)
		go tempConn.CloseForcefully(&wg)
	}
	s.mapMu.Unlock()
	wg.Wait()
}

// shutdown stops the service loops and aborts its connections. Safe to call
// more than once; the endpoint calls it during its own teardown.
func (s *Service) shutdown() {
	s.closeOnce.Do(func() {
		log.Println("Beginning service shutdown...")

		s.abortConnections()
		s.isClosed.Store(true)

		close(s.closeSignal)
		s.wg.Wait()

		log.Printf("Service %s is shut down.\n", s.serviceAddr.String())
	})
}

// Close shuts the service down along with its endpoint, releasing the
// underlying socket.
func (s *Service) Close() error {
	s.shutdown()
	s.endpoint.Close()
	return nil
}
