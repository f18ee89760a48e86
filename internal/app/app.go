package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"privacyroute/pkg/config"
	plog "privacyroute/pkg/logging"
	"privacyroute/pkg/overlay"
	"privacyroute/pkg/routing"
	"privacyroute/pkg/store"
	"privacyroute/services/bridge"
	"privacyroute/services/selector"
)

type Roles struct {
	Selector bool
	Bridge   bool
}

func (r Roles) Any() bool {
	return r.Selector || r.Bridge
}

type Config struct {
	ConfigPath string
	Roles      Roles
}

// node holds the components shared by every role. They are built once so
// the selector and the bridge see the same catalog and overlay counters.
type node struct {
	cfg     *config.Config
	backend *plog.Backend
	log     *logging.Logger
	engine  *routing.Engine
	overlay *overlay.PrivacyOverlay
	store   *store.Store
}

func newNode(ctx context.Context, cfg *config.Config) (*node, error) {
	backend, err := plog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	n := &node{cfg: cfg, backend: backend, log: backend.GetLogger("node")}

	var opts []routing.Option
	opts = append(opts, routing.WithLogger(backend.GetLogger("routing")))
	if cfg.Redis.Enabled() {
		st, err := store.New(cfg.Redis)
		if err != nil {
			n.close()
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = st.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = st.Close()
			n.close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		n.store = st
		opts = append(opts, routing.WithHistorySink(st))
	}

	discoverer := routing.NewDiscoverer(routing.StaticPeers{Discovery: &cfg.Discovery}, cfg.Routing.PerformanceWeight, nil)
	n.engine = routing.NewEngine(cfg.Routing, discoverer, opts...)

	n.overlay, err = overlay.NewPrivacyOverlay(cfg, overlay.WithLogger(backend.GetLogger("overlay")))
	if err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) close() {
	if n.overlay != nil {
		n.overlay.Close()
	}
	if n.store != nil {
		_ = n.store.Close()
	}
	_ = n.backend.Close()
}

func Run(ctx context.Context, cfg Config) error {
	nodeCfg, err := config.LoadFile(cfg.ConfigPath)
	if err != nil {
		return err
	}
	return runWith(ctx, nodeCfg, cfg.Roles)
}

func runWith(ctx context.Context, nodeCfg *config.Config, roles Roles) error {
	if !roles.Any() {
		return errors.New("no services enabled")
	}
	n, err := newNode(ctx, nodeCfg)
	if err != nil {
		return err
	}
	defer n.close()

	var runners []func(context.Context) error
	if roles.Selector {
		svc := selector.New(nodeCfg, n.engine, n.overlay, n.store, n.backend)
		runners = append(runners, svc.Run)
	}
	if roles.Bridge {
		svc := bridge.New(nodeCfg, n.engine, n.overlay, n.backend)
		runners = append(runners, svc.Run)
	}
	n.log.Noticef("node starting selector=%t bridge=%t mode=%s redis=%t", roles.Selector, roles.Bridge, nodeCfg.Routing.Mode, n.store != nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(runCtx)
		}(runner)
	}

	// Every runner must return before the shared components are closed.
	var firstErr error
	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		if firstErr == nil {
			firstErr = err
			n.log.Errorf("node role failed, stopping remaining roles err=%v", err)
			cancel()
		}
	}
	if firstErr != nil {
		return fmt.Errorf("node stopped: %w", firstErr)
	}

	n.log.Notice("node stopped")
	return nil
}
