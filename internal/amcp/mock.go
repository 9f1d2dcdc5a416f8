package amcp

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"
)

// MockServer is an in-process playout server for tests. It records every
// command line it receives and answers commands registered with SetResponse.
type MockServer struct {
	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	received []string

	responses  map[string]string
	chunkSize  int
	chunkDelay time.Duration
	ackControl bool
}

// NewMockServer listens on a random loopback port.
func NewMockServer() (*MockServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	m := &MockServer{
		listener:  ln,
		responses: make(map[string]string),
	}
	go m.serve()
	return m, nil
}

// Addr returns the host:port the server listens on.
func (m *MockServer) Addr() string {
	return m.listener.Addr().String()
}

// Close stops accepting and drops all sessions.
func (m *MockServer) Close() error {
	err := m.listener.Close()
	m.DropConnections()
	return err
}

// DropConnections closes every open session but keeps listening.
func (m *MockServer) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

// ConnectionCount returns the number of sessions currently open.
func (m *MockServer) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// SetResponse registers the raw reply for a command line.
func (m *MockServer) SetResponse(command, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[command] = raw
}

// SetChunking splits replies into pieces of size bytes sent delay apart, to
// exercise response accumulation. size 0 sends replies whole.
func (m *MockServer) SetChunking(size int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkSize, m.chunkDelay = size, delay
}

// SetAckControl makes the server answer unknown commands with
// "202 <VERB> OK", as a real server does for control commands.
func (m *MockServer) SetAckControl(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackControl = on
}

// Received returns a copy of the command lines seen so far, without CRLF.
func (m *MockServer) Received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

func (m *MockServer) serve() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		go m.handleConn(conn)
	}
}

func (m *MockServer) handleConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		m.mu.Lock()
		m.received = append(m.received, line)
		reply, ok := m.responses[line]
		if !ok && m.ackControl {
			reply = "202 " + strings.Fields(line)[0] + " OK\r\n"
			ok = true
		}
		chunk, delay := m.chunkSize, m.chunkDelay
		m.mu.Unlock()

		if ok {
			writeChunked(conn, reply, chunk, delay)
		}
	}
}

func writeChunked(conn net.Conn, reply string, size int, delay time.Duration) {
	if size <= 0 {
		conn.Write([]byte(reply))
		return
	}
	for len(reply) > 0 {
		n := min(size, len(reply))
		if _, err := conn.Write([]byte(reply[:n])); err != nil {
			return
		}
		reply = reply[n:]
		if delay > 0 {
			time.Sleep(delay)
		}
	}
}
