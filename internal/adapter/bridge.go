package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"chorus/internal/chorus"
	"chorus/internal/convo"
	"chorus/pkg/wire"
)

type BridgeOptions struct {
	Addr        string
	CallbackURL string        // replies are POSTed here
	Secret      string        // shared secret, required
	DedupTTL    time.Duration // how long delivered event ids are remembered
}

// Bridge is the chat-platform channel. Platform processes POST events
// in, get an immediate accept, and receive the generated reply later
// on their callback URL. Redeliveries of the same event id inside the
// TTL window are acknowledged and dropped.
type Bridge struct {
	opts   BridgeOptions
	events chorus.Events
	seen   *cache.Cache
	client *http.Client

	srv *http.Server
	ln  net.Listener
	g   *errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(opts BridgeOptions) *Bridge {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	return &Bridge{
		opts:   opts,
		seen:   cache.New(opts.DedupTTL, opts.DedupTTL),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *Bridge) Name() string { return "bridge" }

func (b *Bridge) Addr() string {
	if b.ln == nil {
		return b.opts.Addr
	}
	return b.ln.Addr().String()
}

func (b *Bridge) Start(ctx context.Context, events chorus.Events) error {
	if b.opts.Secret == "" {
		return errors.New("bridge secret not set")
	}

	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.opts.Addr, err)
	}

	b.events = events
	b.ln = ln
	b.ctx, b.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/event", b.handleEvent)
	b.srv = &http.Server{Handler: mux}

	b.g, _ = errgroup.WithContext(ctx)
	b.g.Go(func() error {
		if err := b.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	log.Info("Bridge adapter listening", "addr", ln.Addr().String())
	return nil
}

func (b *Bridge) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.srv.Shutdown(ctx)

	// Abort in-flight generations; a canceled one still posts the
	// fallback reply so the platform user is not left hanging.
	b.cancel()
	b.wg.Wait()

	if gerr := b.g.Wait(); gerr != nil && err == nil {
		err = gerr
	}
	return err
}

func (b *Bridge) handleEvent(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	if r.Header.Get(wire.SecretHeader) != b.opts.Secret {
		log.Warn("Bridge event with bad secret", "remote", r.RemoteAddr)
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "bad secret"})
		return
	}

	var ev wire.BridgeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	if err := ev.Validate(); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if _, dup := b.seen.Get(ev.EventID); dup {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	b.seen.Set(ev.EventID, struct{}{}, cache.DefaultExpiration)

	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted"})

	b.wg.Add(1)
	go b.respond(ev)
}

// respond generates the reply off the webhook request and posts it to
// the callback URL. Best-effort: a failed delivery is logged, the
// platform redelivers the event if it cares.
func (b *Bridge) respond(ev wire.BridgeEvent) {
	defer b.wg.Done()

	key := convo.Key{Platform: ev.Platform, Channel: ev.Channel, User: ev.User}
	reply, err := b.events.OnText(b.ctx, "bridge", key, ev.Text)
	if err != nil {
		log.Error("Bridge text rejected", "key", key.String(), "err", err)
		return
	}
	if reply == "" {
		return
	}

	b.deliver(wire.BridgeReply{Platform: ev.Platform, Channel: ev.Channel, Text: reply})
}

func (b *Bridge) deliver(reply wire.BridgeReply) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := json.Marshal(reply)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.CallbackURL, bytes.NewReader(body))
	if err != nil {
		log.Warn("Bridge callback request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wire.SecretHeader, b.opts.Secret)

	resp, err := b.client.Do(req)
	if err != nil {
		log.Warn("Bridge callback failed", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("Bridge callback rejected", "status", resp.StatusCode)
	}
}
