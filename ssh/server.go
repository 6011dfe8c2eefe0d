// Package ssh exposes an ADS connection's facade operations as a small
// line-oriented console over SSH, for operators without browser access.
package ssh

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"adslink/ads"
	"adslink/logging"
)

// Config holds SSH server configuration.
type Config struct {
	Port           int
	Password       string
	AuthorizedKeys string
}

// Server accepts SSH connections and serves a command console over each
// session, dispatching to a shared ADS connection.
type Server struct {
	config    *Config
	conn      *ads.Connection
	sshConfig *gossh.ServerConfig
	listener  net.Listener

	mu         sync.Mutex
	running    bool
	stopChan   chan struct{}
	sessions   map[*session]struct{}
	sessionsMu sync.RWMutex
}

// NewServer creates an SSH console server fronting conn.
func NewServer(config *Config, conn *ads.Connection) *Server {
	return &Server{
		config:   config,
		conn:     conn,
		sessions: make(map[*session]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start starts the SSH server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("ssh: server already running")
	}

	hostKey, err := GetOrCreateHostKey()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ssh: host key: %w", err)
	}

	sshConfig := &gossh.ServerConfig{
		PasswordCallback:  PasswordCallback(s.config.Password),
		PublicKeyCallback: PublicKeyCallback(s.config.AuthorizedKeys),
	}
	sshConfig.AddHostKey(hostKey)

	if sshConfig.PasswordCallback == nil && sshConfig.PublicKeyCallback == nil {
		s.mu.Unlock()
		return fmt.Errorf("ssh: no authentication method configured")
	}
	s.sshConfig = sshConfig

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ssh: listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	logging.DebugLog("ssh", "server started on port %d", s.config.Port)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				logging.DebugLog("ssh", "accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		logging.DebugLog("ssh", "handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	logging.DebugLog("ssh", "connection from %s", sshConn.RemoteAddr())
	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			logging.DebugLog("ssh", "could not accept channel: %v", err)
			continue
		}
		go s.handleChannel(sshConn, channel, requests)
	}
}

// session is one accepted SSH channel running the command console.
type session struct {
	channel gossh.Channel
	conn    *gossh.ServerConn
}

func (s *Server) handleChannel(conn *gossh.ServerConn, channel gossh.Channel, requests <-chan *gossh.Request) {
	sess := &session{channel: channel, conn: conn}
	shellRequested := make(chan struct{}, 1)

	go func() {
		for req := range requests {
			switch req.Type {
			case "shell", "pty-req", "env":
				if req.WantReply {
					req.Reply(true, nil)
				}
				if req.Type == "shell" {
					select {
					case shellRequested <- struct{}{}:
					default:
					}
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	<-shellRequested

	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess)
		s.sessionsMu.Unlock()
		channel.Close()
	}()

	s.runConsole(sess)
}

// runConsole reads one command per line from the channel and writes its
// result back, until the channel closes or "exit" is entered.
func (s *Server) runConsole(sess *session) {
	fmt.Fprintf(sess.channel, "adslink console. Commands: device, state, topology, symbols, get <name>, set <name> <value>, frames, exit\r\n> ")
	scanner := bufio.NewScanner(sess.channel)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			return
		}
		if line != "" {
			s.runCommand(sess.channel, line)
		}
		fmt.Fprint(sess.channel, "\r\n> ")
	}
}

func (s *Server) runCommand(w io.Writer, line string) {
	fields := strings.Fields(line)
	ctx := context.Background()

	var result interface{}
	var err error
	switch fields[0] {
	case "device":
		result, err = s.conn.Query(ctx, "device_info")
	case "state":
		result, err = s.conn.Query(ctx, "state")
	case "topology":
		result, err = s.conn.Query(ctx, "topology")
	case "symbols":
		var cat *ads.Catalog
		cat, err = s.conn.Catalog(ctx, s.conn.Client().RemoteEndpoint().Port)
		if err == nil {
			result = cat.Symbols
		}
	case "get":
		if len(fields) < 2 {
			err = fmt.Errorf("usage: get <name>")
			break
		}
		result, err = s.conn.Query(ctx, "value", fields[1])
	case "set":
		if len(fields) < 3 {
			err = fmt.Errorf("usage: set <name> <value>")
			break
		}
		err = s.conn.Command(ctx, "value", fields[1], parseArg(fields[2]))
		if err == nil {
			result = "ok"
		}
	case "frames":
		result = formatFrames(s.conn.Frames(time.Time{}))
	default:
		err = fmt.Errorf("unknown command %q", fields[0])
	}

	if err != nil {
		fmt.Fprintf(w, "error: %v", err)
		return
	}
	fmt.Fprintf(w, "%v", result)
}

// formatFrames renders captured wire frames one hex-encoded line per frame,
// oldest first, for the console's "frames" command.
func formatFrames(frames [][]byte) string {
	if len(frames) == 0 {
		return "(no frames captured yet)"
	}
	var b strings.Builder
	for i, f := range frames {
		if i > 0 {
			b.WriteString("\r\n")
		}
		fmt.Fprintf(&b, "%4d  %s", i, hex.EncodeToString(f))
	}
	return b.String()
}

func parseArg(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// Stop stops the SSH server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.mu.Unlock()

	s.sessionsMu.RLock()
	for sess := range s.sessions {
		go sess.channel.Close()
	}
	s.sessionsMu.RUnlock()

	if s.listener != nil {
		s.listener.Close()
	}
	return nil
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of active console sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}
