package lib

// Flag constants
const (
	// RDT flag constants
	SYNFlag uint8 = 1 << 0
	ACKFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 2
)

// Connection states
const (
	StateClosed      = 0
	StateSynSent     = 1 // client side, SYN sent, waiting for SYN-ACK
	StateSynReceived = 2 // server side, SYN-ACK sent, waiting for ACK
	StateEstablished = 3
	StateClosing     = 4 // FIN in flight or peer FIN seen
)

const (
	ProtocolVersion = 1

	HeaderLength = 24 // fixed header, options not supported

	// header field offsets
	versionOffset  = 0
	flagsOffset    = 1
	connIDOffset   = 2
	seqNumOffset   = 4
	ackNumOffset   = 8
	windowOffset   = 12
	lengthOffset   = 16
	checksumOffset = 20
)

const (
	DefaultWindowSize        = 5
	DefaultResendTimeoutMs   = 500
	DefaultMaxPayloadSize    = 1400
	DefaultInitialRecvWindow = 10
	DefaultHandshakeRetries  = 5
	DefaultMaxResendCount    = 10
	DefaultTeardownTimeoutMs = 5000
	DefaultPayloadPoolSize   = 2000
	DefaultIdleTimeout       = 10 // seconds without connections before a client endpoint closes
)
