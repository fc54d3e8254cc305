// Command pfd is the TCP port-forwarder daemon (§9): server mode accepts
// session requests and serves the backends listed in services[]/users[];
// client mode opens one session to a configured peer and forwards local
// TCP ports onto its named services.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/carrierproto/carrier/internal/carrier"
	"github.com/carrierproto/carrier/internal/config"
	"github.com/carrierproto/carrier/internal/identity"
	"github.com/carrierproto/carrier/internal/portforward"
	"github.com/carrierproto/carrier/internal/session"
	"github.com/carrierproto/carrier/internal/sessionmgr"
	"github.com/carrierproto/carrier/internal/stream"
)

// liveConfig is a mutex-guarded view of the running process's config,
// kept current by watchConfig so every consumer (session handler,
// port-forwarding registry, friend table) sees a reload's services[]/
// users[] instead of the one-time snapshot taken at startup.
type liveConfig struct {
	mu  sync.RWMutex
	cfg config.Config
}

func newLiveConfig(cfg config.Config) *liveConfig {
	return &liveConfig{cfg: cfg}
}

func (l *liveConfig) snapshot() config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *liveConfig) set(cfg config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// forward is one parsed -L flag: listen on LocalPort and forward to
// ServiceName on the remote peer.
type forward struct {
	LocalPort   int
	ServiceName string
}

type forwardList []forward

func (f *forwardList) String() string {
	var parts []string
	for _, fw := range *f {
		parts = append(parts, fmt.Sprintf("%d:%s", fw.LocalPort, fw.ServiceName))
	}
	return strings.Join(parts, ",")
}

func (f *forwardList) Set(value string) error {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("forward %q must be local_port:service_name", value)
	}
	port, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("forward %q: bad port: %w", value, err)
	}
	*f = append(*f, forward{LocalPort: port, ServiceName: parts[1]})
	return nil
}

var (
	dataDir  = flag.String("c", "data", "data directory containing config.json")
	debug    = flag.Bool("debug", false, "enable debug logging")
	showHelp = flag.Bool("h", false, "show help")
	listen   = flag.Int("listen", 4001, "overlay listen port")
	forwards forwardList
)

func init() {
	flag.Var(&forwards, "L", "client mode: local_port:service_name (repeatable)")
}

func main() {
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfgPath := filepath.Join(*dataDir, "config.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config to %s", cfgPath)
	}

	printBanner(cfg, cfgPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	live := newLiveConfig(cfg)

	if err := run(ctx, cfgPath, live); err != nil {
		log.Fatalf("pfd: %v", err)
	}
}

func run(ctx context.Context, cfgPath string, live *liveConfig) error {
	cfg := live.snapshot()

	kp, _, err := identity.LoadOrCreate(cfg.KeyFile())
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	friends := identity.NewFriendTable()
	syncFriends(friends, cfg.Users, cfg.ServerID)

	prefs := identity.Preferences{
		DataLocation: cfg.DataDir,
		UDPEnabled:   cfg.UDPEnabled,
		STUN:         identity.STUNConfig{Server: cfg.STUN.Server, Port: uint16(cfg.STUN.Port)},
		TURN: identity.TURNConfig{
			Server: cfg.TURN.Server, Port: uint16(cfg.TURN.Port),
			Username: cfg.TURN.Username, Password: cfg.TURN.Password,
			Realm: cfg.TURN.Realm, Fingerprint: cfg.TURN.Fingerprint,
		},
	}
	for _, b := range cfg.Bootstraps {
		prefs.Bootstraps = append(prefs.Bootstraps, identity.BootstrapNode{
			IPv4: b.IPv4, IPv6: b.IPv6, Port: uint16(b.Port), PublicKey: b.PublicKey,
		})
	}

	car, err := carrier.New(ctx, *listen, kp, prefs, friends)
	if err != nil {
		return fmt.Errorf("start carrier: %w", err)
	}
	defer car.Close()

	log.Printf("overlay id: %s", car.ID())
	car.ConnectBootstraps(ctx, prefs.Bootstraps)
	car.RunPresenceLoop(ctx, nil)
	if err := car.Publish(ctx, "online"); err != nil {
		log.Printf("presence publish failed: %v", err)
	}

	mgr := sessionmgr.New(car, prefs, friends)

	switch cfg.Mode {
	case config.ModeServer:
		registry := portforward.NewRegistry()
		for _, svc := range cfg.Services {
			if err := registry.Add(portforward.Backend{Name: svc.Name, Host: svc.Host, Port: svc.Port}); err != nil {
				return fmt.Errorf("register service %q: %w", svc.Name, err)
			}
		}

		watchConfig(ctx, cfgPath, func(reloaded config.Config) {
			live.set(reloaded)
			backends := make([]portforward.Backend, 0, len(reloaded.Services))
			for _, svc := range reloaded.Services {
				backends = append(backends, portforward.Backend{Name: svc.Name, Host: svc.Host, Port: svc.Port})
			}
			registry.Replace(backends)
			syncFriends(friends, reloaded.Users, reloaded.ServerID)
			log.Printf("config reloaded: %d services, %d users", len(reloaded.Services), len(reloaded.Users))
		})

		if err := mgr.Init(serverHandler(live, registry)); err != nil {
			return fmt.Errorf("init session manager: %w", err)
		}
		<-ctx.Done()
		mgr.Close()
		return nil

	case config.ModeClient:
		watchConfig(ctx, cfgPath, func(reloaded config.Config) {
			live.set(reloaded)
			syncFriends(friends, reloaded.Users, reloaded.ServerID)
			log.Printf("config reloaded: %d services, %d users", len(reloaded.Services), len(reloaded.Users))
		})

		if err := mgr.Init(func(string, []session.StreamDesc) (bool, func(*session.Session) error) {
			return false, nil
		}); err != nil {
			return fmt.Errorf("init session manager: %w", err)
		}
		return runClient(ctx, mgr, cfg)
	}
	return fmt.Errorf("unknown mode %q", cfg.Mode)
}

// syncFriends reconciles the friend table with users[] from a (possibly
// reloaded) config: newly listed users are added, users no longer listed
// are dropped, and the configured server peer is always kept.
func syncFriends(friends *identity.FriendTable, users []config.User, serverID string) {
	want := make(map[string]bool, len(users)+1)
	if serverID != "" {
		want[serverID] = true
		friends.Add(serverID)
	}
	for _, u := range users {
		want[u.UserID] = true
		friends.Add(u.UserID)
	}
	for _, id := range friends.IDs() {
		if !want[id] {
			friends.Remove(id)
		}
	}
}

// serverHandler accepts a session request only if the peer is a permitted
// user under the current (possibly reloaded) config, adding one reliable
// multiplexing port-forwarding stream and wiring it to registry once the
// session starts (§4.6 inbound).
func serverHandler(live *liveConfig, registry *portforward.Registry) sessionmgr.RequestHandler {
	return func(remoteUserID string, offered []session.StreamDesc) (bool, func(*session.Session) error) {
		if _, allowed := live.snapshot().ServicesFor(remoteUserID); !allowed {
			return false, nil
		}
		return true, func(sess *session.Session) error {
			st, err := sess.AddStream(stream.TypeApplication, stream.Options{
				Reliable: true, Multiplexing: true, PortForwarding: true,
			}, stream.Callbacks{})
			if err != nil {
				return err
			}
			registry.ServeInbound(st)
			return nil
		}
	}
}

func runClient(ctx context.Context, mgr *sessionmgr.Manager, cfg config.Config) error {
	if cfg.ServerID == "" {
		return fmt.Errorf("client mode requires serverid")
	}

	var pfStream *stream.Stream
	addStreams := func(sess *session.Session) error {
		st, err := sess.AddStream(stream.TypeApplication, stream.Options{
			Reliable: true, Multiplexing: true, PortForwarding: true,
		}, stream.Callbacks{})
		if err != nil {
			return err
		}
		pfStream = st
		return nil
	}

	sess, err := mgr.Request(ctx, cfg.ServerID, addStreams)
	if err != nil {
		return fmt.Errorf("session request to %s: %w", cfg.ServerID, err)
	}
	defer sess.Close()

	var listeners []*portforward.Listener
	for _, fw := range forwards {
		ln, err := portforward.OpenOutbound(pfStream, fw.ServiceName, "127.0.0.1", fw.LocalPort)
		if err != nil {
			return fmt.Errorf("forward %s on :%d: %w", fw.ServiceName, fw.LocalPort, err)
		}
		log.Printf("forwarding 127.0.0.1:%d -> %s", fw.LocalPort, fw.ServiceName)
		listeners = append(listeners, ln)
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	return nil
}

// watchConfig hot-reloads cfgPath on write events, without restarting the
// process (§5's ambient-stack wiring of fsnotify), invoking onReload with
// the freshly parsed config so the caller can push services[]/users[]
// changes into whatever is actually serving them.
func watchConfig(ctx context.Context, cfgPath string, onReload func(config.Config)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config watch disabled: %v", err)
		return
	}
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		log.Printf("config watch disabled: %v", err)
		_ = watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != cfgPath || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := config.Load(cfgPath)
				if err != nil {
					log.Printf("config reload failed: %v", err)
					continue
				}
				onReload(reloaded)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watch error: %v", err)
			}
		}
	}()
}

func printBanner(cfg config.Config, cfgPath string) {
	fmt.Println("pfd - carrier port-forwarder daemon")
	fmt.Printf("config:  %s\n", cfgPath)
	fmt.Printf("mode:    %s\n", cfg.Mode)
	fmt.Printf("datadir: %s\n", cfg.DataDir)
	if cfg.Mode == config.ModeServer {
		fmt.Printf("services: %d registered\n", len(cfg.Services))
	} else {
		fmt.Printf("server:  %s\n", cfg.ServerID)
	}
	fmt.Println("press Ctrl+C to stop")
	fmt.Println()
}
