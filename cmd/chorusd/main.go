package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	log "log/slog"

	"chorus/internal/action"
	"chorus/internal/adapter"
	"chorus/internal/chorus"
	"chorus/internal/config"
	"chorus/internal/convo"
	"chorus/internal/ipc"
	"chorus/internal/logging"
	"chorus/internal/mode"
)

func main() {
	configPath := cli.StringP("config", "c", "chorus.yaml", "Config table path")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	logging.Setup(logging.Options{Level: *logLevel})

	log.Info("Booting up")

	godotenv.Load(*envFile)

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Error("Failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		log.Warn("Config warning", "warning", w)
	}
	if cfg.LogFile != "" {
		logging.Setup(logging.Options{Level: *logLevel, File: cfg.LogFile})
	}

	log.Debug("Loaded config", "path", *configPath)

	table, _, err := mode.NewTable(cfg.Modes, cfg.DefaultMode, cfg.ToggleOrder)
	if err != nil {
		log.Error("Failed to build mode table", "err", err)
		os.Exit(1)
	}

	log.Debug("Loaded mode table", "modes", len(cfg.Modes))

	store, err := convo.Open(convo.Options{
		Path:       cfg.Store.Path,
		HistoryCap: cfg.Store.HistoryCap,
		Personas:   cfg.PersonaTable(),
	})
	if err != nil {
		log.Error("Failed to open context store", "path", cfg.Store.Path, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	log.Debug("Loaded context store", "path", cfg.Store.Path)

	advisor, err := chorus.NewOpenAIAdvisor(cfg.Advisor.Model, cfg.Advisor.Proxy)
	if err != nil {
		log.Error("Failed to build advisor", "err", err)
		os.Exit(1)
	}

	log.Debug("Loaded advisor", "model", cfg.Advisor.Model)

	orch := chorus.New(chorus.Options{
		TableSet: tableSet(cfg, table),
		Store:    store,
		Executor: action.NewExecutor(action.Config{Tapper: action.NewTapper()}),
		Advisor:  advisor,
	})

	// Reload plumbing. The watcher and the ipc reload command both land
	// in apply; doReload re-reads the file for callers that bypass the
	// watcher (SIGHUP, chorus-ctl reload).
	var reloadMu sync.Mutex
	prev := cfg
	var doReload func() error

	apply := func(next *config.Config, warns []string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		for _, w := range warns {
			log.Warn("Config warning", "warning", w)
		}

		nextTable, _, err := mode.NewTable(next.Modes, next.DefaultMode, next.ToggleOrder)
		if err != nil {
			log.Warn("Reload rejected, keeping previous config", "err", err)
			return
		}
		orch.Apply(tableSet(next, nextTable))

		for _, name := range config.ChangedAdapters(prev, next) {
			// The control socket cannot replace itself: a reload command
			// arriving through it would wait on its own connection.
			if name == "ipc" {
				log.Warn("IPC socket change requires a restart")
				continue
			}
			a, enabled := buildAdapter(name, next, doReload)
			if !enabled {
				if err := orch.Remove(name); err != nil {
					log.Error("Failed to remove adapter", "adapter", name, "err", err)
				}
				continue
			}
			if err := orch.Replace(name, a); err != nil {
				log.Error("Failed to restart adapter", "adapter", name, "err", err)
			}
		}
		prev = next
	}

	doReload = func() error {
		next, warns, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		apply(next, warns)
		return nil
	}

	for _, name := range []string{"voice", "textline", "web", "bridge", "ipc"} {
		a, enabled := buildAdapter(name, cfg, doReload)
		if !enabled {
			continue
		}
		if err := orch.Register(a); err != nil {
			log.Error("Failed to register adapter", "adapter", name, "err", err)
			os.Exit(1)
		}
	}

	if err := orch.Start(context.Background()); err != nil {
		log.Error("Failed to start orchestrator", "err", err)
		os.Exit(1)
	}

	watcher, err := config.Watch(*configPath, apply)
	if err != nil {
		log.Warn("Config watch unavailable", "err", err)
	} else {
		defer watcher.Close()
	}

	log.Info("Boot up - successful", "mode", orch.Mode().Name)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			log.Info("Reloading config", "signal", "SIGHUP")
			if err := doReload(); err != nil {
				log.Warn("Reload rejected, keeping previous config", "err", err)
			}
			continue
		}
		log.Info("Shutting down", "signal", s.String())
		break
	}

	if err := orch.Stop(); err != nil {
		log.Error("Failed to stop cleanly", "err", err)
	}
}

func tableSet(cfg *config.Config, table *mode.Table) chorus.TableSet {
	return chorus.TableSet{
		Table:        table,
		Commands:     cfg.Commands,
		Personas:     cfg.PersonaTable(),
		Fallback:     cfg.Advisor.FallbackReply(),
		ReplyTimeout: cfg.Advisor.ReplyTimeout(),
	}
}

// buildAdapter constructs the adapter for one config section. The
// second return is false when the section is disabled.
func buildAdapter(name string, cfg *config.Config, reload func() error) (chorus.Adapter, bool) {
	switch name {
	case "voice":
		if !cfg.Adapters.Voice.Enabled {
			return nil, false
		}
		return adapter.NewVoice(adapter.VoiceOptions{
			URL:           cfg.Adapters.Voice.RecognizerURL,
			MinConfidence: cfg.Adapters.Voice.MinConfidence,
			Earcon:        cfg.Adapters.Voice.Earcon,
		}), true

	case "textline":
		if !cfg.Adapters.TextLine.Enabled {
			return nil, false
		}
		return adapter.NewTextLine(nil, nil), true

	case "web":
		if !cfg.Adapters.Web.Enabled {
			return nil, false
		}
		return adapter.NewWeb(adapter.WebOptions{Addr: cfg.Adapters.Web.Addr}), true

	case "bridge":
		if !cfg.Adapters.Bridge.Enabled {
			return nil, false
		}
		return adapter.NewBridge(adapter.BridgeOptions{
			Addr:        cfg.Adapters.Bridge.Addr,
			CallbackURL: cfg.Adapters.Bridge.CallbackURL,
			Secret:      os.Getenv("CHORUS_BRIDGE_SECRET"),
			DedupTTL:    cfg.Adapters.Bridge.DedupWindow(),
		}), true

	case "ipc":
		return ipc.NewServer(ipc.ServerOptions{
			Socket: cfg.Adapters.IPC.Socket,
			Reload: reload,
		}), true
	}
	return nil, false
}
