package chat

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/kestrelnet/rdtp/lib"
)

const (
	// writeRetryInterval paces retries while a client's send window is full
	writeRetryInterval = 20 * time.Millisecond
	// writeGiveUp bounds how long a broadcast waits on one slow client
	writeGiveUp = 5 * time.Second
)

// Server runs the chat service: one goroutine per client connection reading
// commands, with fan-out writes going directly to member connections.
type Server struct {
	registry *Registry

	mu       sync.Mutex
	sessions map[string]*lib.Connection

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func NewServer() *Server {
	return &Server{
		registry: NewRegistry(),
		sessions: make(map[string]*lib.Connection),
		shutdown: make(chan struct{}),
	}
}

// Serve accepts connections until the service closes or a client issues
// SHUTDOWN.
func (s *Server) Serve(service *lib.Service) error {
	acceptErr := make(chan error, 1)

	go func() {
		for {
			conn, err := service.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			log.Printf("New chat client from %s (conn %d)\n", conn.RemoteAddr(), conn.ConnID())
			go s.handleClient(conn)
		}
	}()

	select {
	case <-s.shutdown:
		service.Close()
		<-acceptErr // accept loop exits once the service closes
		return nil
	case err := <-acceptErr:
		return err
	}
}

// Shutdown stops Serve. Also triggered by the SHUTDOWN command.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

// sessionKey identifies a client by remote address plus connection ID, since
// connection IDs alone are only unique per peer.
func sessionKey(conn *lib.Connection) string {
	return fmt.Sprintf("%s#%d", conn.RemoteAddr(), conn.ConnID())
}

func (s *Server) handleClient(conn *lib.Connection) {
	id := sessionKey(conn)

	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.registry.Drop(id)
		conn.Close()
		log.Printf("Chat client %s disconnected\n", id)
	}()

	buffer := make([]byte, 4096)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			if err != io.EOF {
				log.Println("Read error:", err)
			}
			return
		}
		s.dispatch(conn, string(buffer[:n]))
	}
}

// dispatch executes one client command.
func (s *Server) dispatch(conn *lib.Connection, line string) {
	id := sessionKey(conn)
	name := s.registry.Name(id, conn.RemoteAddr().String())
	log.Printf("[%s] %s\n", name, line)

	cmd := ParseCommand(line)
	switch cmd.Kind {
	case CmdJoin:
		s.registry.Join(cmd.Room, id)
		notice := fmt.Sprintf("[presence] %s joined %s", name, cmd.Room)
		log.Println(notice)
		s.broadcast(cmd.Room, notice)

	case CmdLeave:
		s.registry.Leave(cmd.Room, id)
		notice := fmt.Sprintf("[presence] %s left %s", name, cmd.Room)
		log.Println(notice)
		s.broadcast(cmd.Room, notice)

	case CmdMsg:
		if s.registry.IsMember(cmd.Room, id) {
			s.broadcast(cmd.Room, fmt.Sprintf("[%s] %s: %s", cmd.Room, name, cmd.Text))
		} else {
			s.reply(conn, fmt.Sprintf("You are not in %s. Use JOIN %s first.", cmd.Room, cmd.Room))
		}

	case CmdName:
		s.registry.SetName(id, cmd.Name)
		s.reply(conn, fmt.Sprintf("Name set to: %s", cmd.Name))

	case CmdShutdown:
		log.Println("Server shutdown command received.")
		s.reply(conn, "Server shutting down...")
		s.Shutdown()

	default:
		s.reply(conn, UsageText)
	}
}

// broadcast fans a message out to every member of a room.
func (s *Server) broadcast(room, message string) {
	for _, id := range s.registry.Members(room) {
		s.mu.Lock()
		conn, ok := s.sessions[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.reply(conn, message); err != nil {
			log.Printf("Failed to send to client %s: %s\n", id, err)
		}
	}
}

// reply writes one message, backing off while the client's send window is
// full.
func (s *Server) reply(conn *lib.Connection, message string) error {
	deadline := time.Now().Add(writeGiveUp)
	for {
		_, err := conn.Write([]byte(message))
		if err != lib.ErrWindowFull {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(writeRetryInterval)
	}
}
