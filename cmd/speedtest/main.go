// Command speedtest drives one multiplexing stream end to end (§8 S2):
// the client opens a channel, writes a fixed amount of data in fixed-size
// packets, and reports the throughput of its own writes; the server logs
// the total bytes it received when the channel closes.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/carrierproto/carrier/internal/carrier"
	"github.com/carrierproto/carrier/internal/config"
	"github.com/carrierproto/carrier/internal/fmp"
	"github.com/carrierproto/carrier/internal/identity"
	"github.com/carrierproto/carrier/internal/session"
	"github.com/carrierproto/carrier/internal/sessionmgr"
	"github.com/carrierproto/carrier/internal/stream"
)

const (
	packetSize = 1024
	totalBytes = 1 << 20 // 1 MiB, matching §8 S2
)

var (
	dataDir  = flag.String("c", "data", "data directory containing config.json")
	debug    = flag.Bool("debug", false, "enable debug logging")
	showHelp = flag.Bool("h", false, "show help")
	listen   = flag.Int("listen", 4101, "overlay listen port")
)

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

	fmt.Println("speedtest - carrier multiplexing throughput test")
	fmt.Printf("config: %s\n", cfgPath)
	fmt.Printf("mode:   %s\n", cfg.Mode)
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("speedtest: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	kp, _, err := identity.LoadOrCreate(cfg.KeyFile())
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	friends := identity.NewFriendTable()
	if cfg.ServerID != "" {
		friends.Add(cfg.ServerID)
	}
	for _, u := range cfg.Users {
		friends.Add(u.UserID)
	}

	prefs := identity.Preferences{DataLocation: cfg.DataDir, UDPEnabled: cfg.UDPEnabled}

	car, err := carrier.New(ctx, *listen, kp, prefs, friends)
	if err != nil {
		return fmt.Errorf("start carrier: %w", err)
	}
	defer car.Close()
	log.Printf("overlay id: %s", car.ID())
	car.RunPresenceLoop(ctx, nil)
	if err := car.Publish(ctx, "online"); err != nil {
		log.Printf("presence publish failed: %v", err)
	}

	mgr := sessionmgr.New(car, prefs, friends)

	if cfg.Mode == config.ModeServer {
		return runServer(ctx, mgr)
	}
	return runClient(ctx, mgr, cfg)
}

func runServer(ctx context.Context, mgr *sessionmgr.Manager) error {
	var received int64
	done := make(chan struct{})

	handler := func(remoteUserID string, offered []session.StreamDesc) (bool, func(*session.Session) error) {
		return true, func(sess *session.Session) error {
			_, err := sess.AddStream(stream.TypeApplication, stream.Options{Reliable: true, Multiplexing: true}, stream.Callbacks{
				OnChannelOpen: func(channelID uint16, cookie []byte) bool {
					log.Printf("channel %d opened by %s, cookie %q", channelID, remoteUserID, cookie)
					return true
				},
				OnChannelData: func(channelID uint16, data []byte) {
					atomic.AddInt64(&received, int64(len(data)))
				},
				OnChannelClose: func(channelID uint16, reason fmp.CloseReason) {
					log.Printf("channel %d closed: %v, total received %d bytes", channelID, reason, atomic.LoadInt64(&received))
					close(done)
				},
			})
			return err
		}
	}
	if err := mgr.Init(handler); err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}

	fmt.Println("waiting for an incoming speedtest session...")
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func runClient(ctx context.Context, mgr *sessionmgr.Manager, cfg config.Config) error {
	if cfg.ServerID == "" {
		return fmt.Errorf("client mode requires serverid")
	}
	if err := mgr.Init(func(string, []session.StreamDesc) (bool, func(*session.Session) error) {
		return false, nil
	}); err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}

	var st *stream.Stream
	opened := make(chan struct{})
	addStreams := func(sess *session.Session) error {
		s, err := sess.AddStream(stream.TypeApplication, stream.Options{Reliable: true, Multiplexing: true}, stream.Callbacks{
			OnChannelOpened: func(uint16) { close(opened) },
		})
		if err != nil {
			return err
		}
		st = s
		return nil
	}

	sess, err := mgr.Request(ctx, cfg.ServerID, addStreams)
	if err != nil {
		return fmt.Errorf("session request to %s: %w", cfg.ServerID, err)
	}
	defer sess.Close()

	cookie := []byte("speedtest")
	channelID, err := st.OpenChannel(cookie)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for channel %d to open", channelID)
	}

	payload := make([]byte, totalBytes)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("generate payload: %w", err)
	}

	start := time.Now()
	for offset := 0; offset < len(payload); offset += packetSize {
		end := offset + packetSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := st.WriteChannel(channelID, payload[offset:end]); err != nil {
			return fmt.Errorf("write channel: %w", err)
		}
	}
	elapsed := time.Since(start)

	if err := st.CloseChannel(channelID); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}

	throughputKBs := float64(totalBytes) / 1024 / elapsed.Seconds()
	fmt.Printf("sent %d bytes in %s (%.1f KiB/s)\n", totalBytes, elapsed, throughputKBs)
	return nil
}
