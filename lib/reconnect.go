package lib

import (
	"io"
	"log"
	"math"
	"sync"
	"time"
)

// ReconnectConfig tunes the client-side redial behavior after a connection is
// declared failed (resend ceiling, handshake timeout, teardown).
type ReconnectConfig struct {
	MaxRetries        int           // -1 retries forever
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	OnReconnect       func()      // called after a successful redial
	OnFinalFailure    func(error) // called when the retry budget is exhausted
}

func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:        10,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// AggressiveReconnectConfig suits tests and development.
func AggressiveReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Reconnector keeps a client connection to one server alive across failures
// by redialing with exponential backoff. Callers route Read/Write errors
// through HandleError and fetch the current connection afterwards.
type Reconnector struct {
	core       *Core
	localAddr  string
	remoteAddr string
	connConfig *ConnectionConfig
	config     *ReconnectConfig

	mu          sync.RWMutex
	currentConn *Connection
	retryCount  int
}

func NewReconnector(core *Core, localAddr, remoteAddr string, connConfig *ConnectionConfig, config *ReconnectConfig) *Reconnector {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	return &Reconnector{
		core:       core,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
		connConfig: connConfig,
		config:     config,
	}
}

// SetConnection installs the initial connection and resets the retry budget.
func (r *Reconnector) SetConnection(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentConn = conn
	r.retryCount = 0
}

// GetConnection returns the connection currently in use.
func (r *Reconnector) GetConnection() *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConn
}

// shouldRedial reports whether err means the connection is gone rather than
// a transient condition like a full send window.
func shouldRedial(err error) bool {
	if err == ErrConnectionClosed || err == io.EOF {
		return true
	}
	_, isTimeout := err.(*TimeoutError)
	return isTimeout
}

// HandleError inspects a transport error and redials when the connection has
// failed. It returns true once a replacement connection is installed, false
// for errors that do not warrant a redial or when the budget runs out.
func (r *Reconnector) HandleError(err error) bool {
	if err == nil {
		return true
	}
	if !shouldRedial(err) {
		return false
	}

	log.Printf("Connection failure detected: %v. Attempting to redial...\n", err)

	for r.config.MaxRetries == -1 || r.retryCount < r.config.MaxRetries {
		backoff := backoffFor(r.retryCount, r.config.InitialBackoff, r.config.MaxBackoff, r.config.BackoffMultiplier)
		r.retryCount++
		log.Printf("Redial attempt %d: waiting %v before retry\n", r.retryCount, backoff)
		time.Sleep(backoff)

		newConn, dialErr := r.core.Dial(r.localAddr, r.remoteAddr, r.connConfig)
		if dialErr == nil {
			log.Printf("Redial successful on attempt %d\n", r.retryCount)

			r.mu.Lock()
			oldConn := r.currentConn
			r.currentConn = newConn
			r.retryCount = 0
			r.mu.Unlock()

			if oldConn != nil {
				// a failed connection is already torn down; Close is a no-op
				// on it but covers the graceful-replacement case
				oldConn.Close()
			}

			if r.config.OnReconnect != nil {
				r.config.OnReconnect()
			}
			return true
		}

		log.Printf("Redial attempt %d failed: %v\n", r.retryCount, dialErr)
	}

	log.Printf("Redial abandoned after %d attempts\n", r.retryCount)
	if r.config.OnFinalFailure != nil {
		r.config.OnFinalFailure(err)
	}
	return false
}

// backoffFor computes the exponential backoff delay for a retry, capped at
// maxBackoff.
func backoffFor(retryCount int, initialBackoff, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(retryCount)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
