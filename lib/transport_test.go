package lib

import (
	"fmt"
	"io"
	"testing"
	"time"
)

// startEchoService listens on a loopback port and echoes every payload back
// until the client closes.
func startEchoService(t *testing.T, connConfig *ConnectionConfig) *Service {
	t.Helper()

	service, err := testCore.Listen("127.0.0.1:0", connConfig)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for {
			conn, err := service.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buffer := make([]byte, DefaultMaxPayloadSize)
				for {
					n, err := conn.Read(buffer)
					if err != nil {
						return
					}
					for {
						_, err = conn.Write(buffer[:n])
						if err == ErrWindowFull {
							SleepForMs(5)
							continue
						}
						break
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	t.Cleanup(func() { service.Close() })
	return service
}

func TestEchoEndToEnd(t *testing.T) {
	service := startEchoService(t, nil)

	conn, err := testCore.Dial("", service.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}

	buffer := make([]byte, DefaultMaxPayloadSize)
	for i := 0; i < 20; i++ {
		message := fmt.Sprintf("message %d", i)
		for {
			_, err = conn.Write([]byte(message))
			if err == ErrWindowFull {
				SleepForMs(5)
				continue
			}
			break
		}
		if err != nil {
			t.Fatalf("write %d failed: %s", i, err)
		}

		n, err := conn.Read(buffer)
		if err != nil {
			t.Fatalf("read %d failed: %s", i, err)
		}
		if got := string(buffer[:n]); got != message {
			t.Fatalf("echo %d = %q, want %q", i, got, message)
		}
	}

	snap := conn.Metrics()
	if snap.MessagesSent != 20 {
		t.Errorf("MessagesSent = %d, want 20", snap.MessagesSent)
	}
	if snap.MessagesDelivered != 20 {
		t.Errorf("MessagesDelivered = %d, want 20", snap.MessagesDelivered)
	}
	if snap.AvgRTT <= 0 {
		t.Error("AvgRTT not measured on a clean loopback exchange")
	}

	conn.Close()
}

func TestDialWithNoListenerTimesOut(t *testing.T) {
	connConfig := &ConnectionConfig{
		ResendTimeout:    50 * time.Millisecond,
		HandshakeRetries: 2,
	}

	// a port nothing listens on
	_, err := testCore.Dial("", "127.0.0.1:1", connConfig)
	if err == nil {
		t.Fatal("dial succeeded against a dead port")
	}
	timeoutErr, ok := err.(*TimeoutError)
	if !ok {
		t.Fatalf("dial error is %T, want *TimeoutError", err)
	}
	if !timeoutErr.Timeout() {
		t.Error("TimeoutError does not report Timeout()")
	}
}

func TestGracefulCloseDeliversEOF(t *testing.T) {
	service, err := testCore.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer service.Close()

	serverEOF := make(chan error, 1)
	go func() {
		conn, err := service.Accept()
		if err != nil {
			serverEOF <- err
			return
		}
		buffer := make([]byte, 64)
		for {
			_, err := conn.Read(buffer)
			if err != nil {
				serverEOF <- err
				return
			}
		}
	}()

	conn, err := testCore.Dial("", service.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := conn.Write([]byte("goodbye")); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-serverEOF:
		if err != io.EOF {
			t.Errorf("server read ended with %v, want io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}

	// both FINs exchanged, the client connection leaves the table
	deadline := time.Now().Add(5 * time.Second)
	for conn.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("client state = %d, never reached StateClosed", conn.State())
		}
		SleepForMs(10)
	}
}

func TestReceiverBackpressure(t *testing.T) {
	connConfig := &ConnectionConfig{
		WindowSize:        5,
		InitialRecvWindow: 4,
	}

	service, err := testCore.Listen("127.0.0.1:0", connConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer service.Close()

	release := make(chan struct{})
	drained := make(chan int, 1)
	go func() {
		conn, err := service.Accept()
		if err != nil {
			return
		}
		<-release // hold deliveries in the queue, shrinking the advertised window
		total := 0
		buffer := make([]byte, 64)
		for {
			n, err := conn.Read(buffer)
			if err != nil {
				drained <- total
				return
			}
			total += n
		}
	}()

	conn, err := testCore.Dial("", service.Addr().String(), connConfig)
	if err != nil {
		t.Fatal(err)
	}

	// with the receiver stalled, the sender must hit a window limit well
	// before all writes go through
	sawWindowFull := false
	written := 0
	for i := 0; i < 50 && !sawWindowFull; i++ {
		_, err := conn.Write([]byte("x"))
		if err == ErrWindowFull {
			sawWindowFull = true
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		written++
		SleepForMs(10)
	}
	if !sawWindowFull {
		t.Fatal("sender never saw ErrWindowFull against a stalled receiver")
	}

	// once the receiver drains, the window opens again
	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := conn.Write([]byte("y"))
		if err == nil {
			written++
			break
		}
		if err != ErrWindowFull || time.Now().After(deadline) {
			t.Fatalf("window never reopened: %v", err)
		}
		SleepForMs(10)
	}

	conn.Close()
	select {
	case total := <-drained:
		if total != written {
			t.Errorf("receiver drained %d bytes, want %d", total, written)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never drained")
	}
}

func TestLossyTransferDeliversInOrder(t *testing.T) {
	connConfig := &ConnectionConfig{
		WindowSize:       5,
		ResendTimeout:    80 * time.Millisecond,
		HandshakeRetries: 10,
		MaxResendCount:   100,
	}

	service, err := testCore.Listen("127.0.0.1:0", connConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer service.Close()

	received := make(chan string, 64)
	go func() {
		conn, err := service.Accept()
		if err != nil {
			close(received)
			return
		}
		buffer := make([]byte, 256)
		for {
			n, err := conn.Read(buffer)
			if err != nil {
				close(received)
				return
			}
			received <- string(buffer[:n])
		}
	}()

	conn, err := testCore.Dial("", service.Addr().String(), connConfig)
	if err != nil {
		t.Fatal(err)
	}

	// with the handshake done, drop roughly one packet in eight on both
	// endpoints; the seeds keep the drop pattern reproducible
	if err := service.endpoint.lossSim.setProfile(LossProfileRandom, 0.12, 0, 1234); err != nil {
		t.Fatal(err)
	}
	testCore.mu.Lock()
	clientEndpoint := testCore.endpointMap["client:"+service.Addr().String()+"-"]
	testCore.mu.Unlock()
	if clientEndpoint == nil {
		t.Fatal("client endpoint not found in core map")
	}
	if err := clientEndpoint.lossSim.setProfile(LossProfileRandom, 0.12, 0, 5678); err != nil {
		t.Fatal(err)
	}

	const messages = 30
	for i := 0; i < messages; i++ {
		message := fmt.Sprintf("payload %d", i)
		for {
			_, err = conn.Write([]byte(message))
			if err == ErrWindowFull {
				SleepForMs(5)
				continue
			}
			break
		}
		if err != nil {
			t.Fatalf("write %d failed: %s", i, err)
		}
	}
	conn.Close()

	// every payload arrives exactly once and in the order sent
	count := 0
	for got := range received {
		want := fmt.Sprintf("payload %d", count)
		if got != want {
			t.Fatalf("delivery %d = %q, want %q", count, got, want)
		}
		count++
	}
	if count != messages {
		t.Fatalf("received %d payloads, want %d", count, messages)
	}

	if snap := conn.Metrics(); snap.Retransmissions == 0 {
		t.Error("no retransmissions recorded despite the lossy profile")
	}
}

func TestConcurrentConnectionsAreIsolated(t *testing.T) {
	service := startEchoService(t, nil)

	const clients = 4
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(id int) {
			conn, err := testCore.Dial("", service.Addr().String(), nil)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()

			buffer := make([]byte, 64)
			for j := 0; j < 10; j++ {
				message := fmt.Sprintf("client %d message %d", id, j)
				for {
					_, err = conn.Write([]byte(message))
					if err == ErrWindowFull {
						SleepForMs(5)
						continue
					}
					break
				}
				if err != nil {
					errs <- fmt.Errorf("client %d write: %w", id, err)
					return
				}
				n, err := conn.Read(buffer)
				if err != nil {
					errs <- fmt.Errorf("client %d read: %w", id, err)
					return
				}
				if got := string(buffer[:n]); got != message {
					errs <- fmt.Errorf("client %d got %q, want %q", id, got, message)
					return
				}
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < clients; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}
