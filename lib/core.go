// Package lib implements a reliable data transport engine on top of UDP:
// Go-Back-N retransmission, cumulative acknowledgments, a fixed sliding send
// window coupled to the peer's advertised receive window, a 3-way handshake
// and FIN-based teardown. Many logical connections share one UDP socket,
// demultiplexed by connection ID.
package lib

import (
	"fmt"
	"log"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/pkg/errors"
)

// CoreConfig carries the engine-wide tunables shared by every endpoint the
// core creates.
type CoreConfig struct {
	PayloadPoolSize int           // number of payload chunks in the ring pool
	MaxPayloadSize  int           // maximum payload per packet, sizes pool chunks and socket buffers
	IdleTimeout     time.Duration // client endpoints close after this long with no connections
	PoolDebug       bool

	// loss simulation, applied on the write path of every endpoint
	LossProfile string // "clean", "random" or "bursty"
	LossRate    float64
	BurstRate   float64
	LossSeed    int64
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		PayloadPoolSize: DefaultPayloadPoolSize,
		MaxPayloadSize:  DefaultMaxPayloadSize,
		IdleTimeout:     DefaultIdleTimeout * time.Second,
		LossProfile:     LossProfileClean,
	}
}

func (c *CoreConfig) fillDefaults() {
	def := DefaultCoreConfig()
	if c.PayloadPoolSize <= 0 {
		c.PayloadPoolSize = def.PayloadPoolSize
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = def.MaxPayloadSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.LossProfile == "" {
		c.LossProfile = def.LossProfile
	}
}

// Core is the engine root. It owns the payload pool and the endpoint map;
// Dial and Listen create endpoints on demand.
type Core struct {
	config *CoreConfig

	mu          sync.Mutex
	endpointMap map[string]*Endpoint

	endpointCloseSignal chan *Endpoint
	closeSignal         chan struct{}
	closeOnce           sync.Once
	wg                  sync.WaitGroup
}

// NewCore creates the engine and its payload chunk pool.
func NewCore(config *CoreConfig) (*Core, error) {
	if config == nil {
		config = DefaultCoreConfig()
	} else {
		cp := *config
		config = &cp
	}
	config.fillDefaults()

	rp.Debug = config.PoolDebug
	Pool = rp.NewRingPool("RDT: ", config.PayloadPoolSize, NewPayload, config.MaxPayloadSize)
	Pool.Debug = config.PoolDebug
	SetEmptySlice(config.MaxPayloadSize)

	core := &Core{
		config:              config,
		endpointMap:         make(map[string]*Endpoint),
		endpointCloseSignal: make(chan *Endpoint),
		closeSignal:         make(chan struct{}),
	}

	core.wg.Add(1)
	go core.handleClosedEndpoints()

	return core, nil
}

// handleClosedEndpoints removes endpoints from the map once they shut down.
func (c *Core) handleClosedEndpoints() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeSignal:
			return
		case endpoint := <-c.endpointCloseSignal:
			c.mu.Lock()
			delete(c.endpointMap, endpoint.key)
			c.mu.Unlock()
			log.Printf("Endpoint %s removed from core.\n", endpoint.key)
		}
	}
}

// Dial opens a logical connection to remoteAddr, reusing an existing client
// endpoint to the same destination when one exists. localAddr may be empty
// for an ephemeral local port. connConfig may be nil for defaults.
func (c *Core) Dial(localAddr, remoteAddr string, connConfig *ConnectionConfig) (*Connection, error) {
	key := fmt.Sprintf("client:%s-%s", remoteAddr, localAddr)

	c.mu.Lock()
	endpoint, ok := c.endpointMap[key]
	if !ok {
		var err error
		endpoint, err = newEndpoint(c, key, false, localAddr, remoteAddr, connConfig)
		if err != nil {
			c.mu.Unlock()
			return nil, errors.Wrapf(err, "error creating client endpoint for %s", remoteAddr)
		}
		c.endpointMap[key] = endpoint
	}
	c.mu.Unlock()

	return endpoint.dial(connConfig)
}

// Listen starts a passive-open service on localAddr. connConfig applies to
// every accepted connection; nil means defaults.
func (c *Core) Listen(localAddr string, connConfig *ConnectionConfig) (*Service, error) {
	key := fmt.Sprintf("server:%s", localAddr)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.endpointMap[key]; ok {
		return nil, fmt.Errorf("address %s is already being listened on", localAddr)
	}

	endpoint, err := newEndpoint(c, key, true, localAddr, "", connConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating server endpoint for %s", localAddr)
	}
	c.endpointMap[key] = endpoint

	log.Println("Service started, listening on", endpoint.LocalAddr())
	return endpoint.service, nil
}

// Close shuts down every endpoint and the core itself.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		endpoints := make([]*Endpoint, 0, len(c.endpointMap))
		for _, endpoint := range c.endpointMap {
			endpoints = append(endpoints, endpoint)
		}
		c.mu.Unlock()

		for _, endpoint := range endpoints {
			endpoint.Close()
		}

		close(c.closeSignal)
		c.wg.Wait()
		log.Println("Core closed gracefully.")
	})
	return nil
}
