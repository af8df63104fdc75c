// Package ipc is the desktop control channel: a unix socket speaking
// one JSON request/response pair per connection. chorus-ctl is its
// client; window-manager keybindings can talk to it with nothing more
// than a shell one-liner.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"sync"
	"time"

	"chorus/internal/chorus"
	"chorus/internal/convo"
)

// Request is one control command.
type Request struct {
	Cmd  string `json:"cmd"`            // status | token | say | mode | reload
	Arg  string `json:"arg,omitempty"`  // token, message text, or mode name
	User string `json:"user,omitempty"` // say: identity override
}

type Response struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Reply  string         `json:"reply,omitempty"`
	Mode   string         `json:"mode,omitempty"`
	Status *chorus.Status `json:"status,omitempty"`
}

type ServerOptions struct {
	Socket string
	// Reload re-reads the config file and applies it. Nil disables the
	// reload command.
	Reload func() error
}

// Server is registered with the orchestrator like any other adapter.
type Server struct {
	opts   ServerOptions
	events chorus.Events

	ln     net.Listener
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	return &Server{opts: opts}
}

func (s *Server) Name() string { return "ipc" }

func (s *Server) Start(ctx context.Context, events chorus.Events) error {
	// A stale socket from a crashed run blocks the bind.
	os.Remove(s.opts.Socket)

	ln, err := net.Listen("unix", s.opts.Socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Socket, err)
	}

	s.events = events
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	log.Info("IPC listening", "socket", s.opts.Socket)
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	os.Remove(s.opts.Socket)
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("IPC accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(60 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	resp := s.serve(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Warn("IPC write failed", "err", err)
	}
}

func (s *Server) serve(req Request) Response {
	switch req.Cmd {
	case "status":
		st := s.events.Status()
		return Response{OK: true, Mode: st.Mode, Status: &st}

	case "token":
		handled := s.events.OnToken("ipc", req.Arg)
		resp := Response{OK: handled}
		if m := s.events.Mode(); m != nil {
			resp.Mode = m.Name
		}
		if !handled {
			resp.Error = "token did nothing"
		}
		return resp

	case "say":
		reply, err := s.events.OnText(s.ctx, "ipc", s.sayKey(req), req.Arg)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Reply: reply}

	case "mode":
		if req.Arg == "" {
			resp := Response{OK: true}
			if m := s.events.Mode(); m != nil {
				resp.Mode = m.Name
			}
			return resp
		}
		// Mode switching by name rides the same directive path the
		// advisor uses, confirmation reply included.
		reply, err := s.events.OnText(s.ctx, "ipc", s.sayKey(req), "SWITCH_MODE:"+req.Arg)
		if err != nil {
			return Response{Error: err.Error()}
		}
		resp := Response{OK: true, Reply: reply}
		if m := s.events.Mode(); m != nil {
			resp.Mode = m.Name
		}
		return resp

	case "reload":
		if s.opts.Reload == nil {
			return Response{Error: "reload not available"}
		}
		if err := s.opts.Reload(); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) sayKey(req Request) convo.Key {
	user := req.User
	if user == "" {
		user = "desk"
	}
	return convo.Key{Platform: "ipc", Channel: "local", User: user}
}

// Send dials the daemon socket, sends one request and reads the
// response. The deadline leaves room for say to wait out a slow
// advisor.
func Send(socket string, req Request) (Response, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return Response{}, fmt.Errorf("dial %s: %w", socket, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(60 * time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("send: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
