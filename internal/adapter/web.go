package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"chorus/internal/chorus"
	"chorus/internal/convo"
	"chorus/internal/mode"
)

type WebOptions struct {
	Addr string
}

// Web serves the browser UI surface: a small JSON API plus a websocket
// per open page. Each websocket session is its own conversational
// identity; the plain API shares one keyed by the caller-supplied user.
type Web struct {
	opts   WebOptions
	events chorus.Events

	srv *http.Server
	ln  net.Listener
	g   *errgroup.Group

	mu       sync.Mutex
	sessions map[*webSession]struct{}
	wg       sync.WaitGroup
}

// wsFrame is what the page sends: a trigger token or a chat message.
type wsFrame struct {
	Type string `json:"type"` // "token" | "text"
	Body string `json:"body"`
}

// wsReply is what the page receives. Type "mode" is an unsolicited
// push on every mode change.
type wsReply struct {
	Type string `json:"type"` // "reply" | "ack" | "nack" | "error" | "mode"
	Body string `json:"body,omitempty"`
	Mode string `json:"mode,omitempty"`
}

type webSession struct {
	conn *ws.Conn
	out  chan wsReply
	key  convo.Key
}

var upgrader = ws.Upgrader{
	// The daemon fronts a local UI; origin policy is the reverse
	// proxy's job when one exists.
	CheckOrigin: func(*http.Request) bool { return true },
}

func NewWeb(opts WebOptions) *Web {
	return &Web{opts: opts}
}

func (w *Web) Name() string { return "web" }

// Addr is the bound listen address, useful when the configured one
// carries port 0.
func (w *Web) Addr() string {
	if w.ln == nil {
		return w.opts.Addr
	}
	return w.ln.Addr().String()
}

func (w *Web) Start(ctx context.Context, events chorus.Events) error {
	ln, err := net.Listen("tcp", w.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.opts.Addr, err)
	}

	w.events = events
	w.ln = ln
	w.sessions = make(map[*webSession]struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", w.handleToken)
	mux.HandleFunc("/api/say", w.handleSay)
	mux.HandleFunc("/api/status", w.handleStatus)
	mux.HandleFunc("/ws", w.handleWS)
	w.srv = &http.Server{Handler: mux}

	w.g, _ = errgroup.WithContext(ctx)
	w.g.Go(func() error {
		if err := w.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	log.Info("Web adapter listening", "addr", ln.Addr().String())
	return nil
}

func (w *Web) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.srv.Shutdown(ctx)

	// Shutdown does not touch hijacked connections; closing them
	// unblocks the session read loops.
	w.mu.Lock()
	for s := range w.sessions {
		s.conn.Close()
	}
	w.mu.Unlock()

	w.wg.Wait()
	if gerr := w.g.Wait(); gerr != nil && err == nil {
		err = gerr
	}
	return err
}

// ModeChanged pushes the new mode to every open page. Non-blocking: a
// session that cannot keep up just misses the push.
func (w *Web) ModeChanged(m *mode.Mode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for s := range w.sessions {
		select {
		case s.out <- wsReply{Type: "mode", Mode: m.Name}:
		default:
		}
	}
}

func (w *Web) handleToken(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "expected {\"token\": \"...\"}"})
		return
	}

	handled := w.events.OnToken("web", req.Token)
	resp := map[string]any{"handled": handled}
	if m := w.events.Mode(); m != nil {
		resp["mode"] = m.Name
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (w *Web) handleSay(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	var req struct {
		User string `json:"user"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "expected {\"text\": \"...\"}"})
		return
	}
	if req.User == "" {
		req.User = "browser"
	}

	key := convo.Key{Platform: "web", Channel: "api", User: req.User}
	reply, err := w.events.OnText(r.Context(), "web", key, req.Text)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"reply": reply})
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "GET only"})
		return
	}
	writeJSON(rw, http.StatusOK, w.events.Status())
}

func (w *Web) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "err", err)
		return
	}

	s := &webSession{
		conn: conn,
		out:  make(chan wsReply, 8),
		key:  convo.Key{Platform: "web", Channel: uuid.NewString(), User: "browser"},
	}
	w.mu.Lock()
	w.sessions[s] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(2)
	go w.writeLoop(s)
	w.readLoop(s)
}

func (w *Web) readLoop(s *webSession) {
	defer func() {
		// Unregister before closing out: ModeChanged sends under the
		// same lock, so after the delete nothing can hit the channel.
		w.mu.Lock()
		delete(w.sessions, s)
		w.mu.Unlock()
		close(s.out)
		s.conn.Close()
		w.wg.Done()
	}()

	for {
		var frame wsFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "token":
			reply := wsReply{Type: "nack", Body: frame.Body}
			if w.events.OnToken("web", frame.Body) {
				reply.Type = "ack"
			}
			if m := w.events.Mode(); m != nil {
				reply.Mode = m.Name
			}
			s.out <- reply

		case "text":
			reply, err := w.events.OnText(context.Background(), "web", s.key, frame.Body)
			if err != nil {
				s.out <- wsReply{Type: "error", Body: err.Error()}
				continue
			}
			if reply != "" {
				s.out <- wsReply{Type: "reply", Body: reply}
			}

		default:
			s.out <- wsReply{Type: "error", Body: "unknown frame type"}
		}
	}
}

func (w *Web) writeLoop(s *webSession) {
	defer w.wg.Done()
	for reply := range s.out {
		if err := s.conn.WriteJSON(reply); err != nil {
			// Keep draining so the read side never blocks on send.
			for range s.out {
			}
			return
		}
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
