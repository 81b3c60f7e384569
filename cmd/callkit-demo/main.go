// Command callkit-demo connects the call layer to a relay deployment and
// either places a call or waits for one. It exists to exercise the library
// end to end from a terminal; real consumers embed the packages directly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sangamlabs/callkit/internal/call"
	"github.com/sangamlabs/callkit/internal/config"
	"github.com/sangamlabs/callkit/internal/credentials"
	"github.com/sangamlabs/callkit/internal/metrics"
	"github.com/sangamlabs/callkit/internal/relaycfg"
	"github.com/sangamlabs/callkit/internal/signaling"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run(args []string) error {
	var callPeer int64
	var autoAccept bool
	var audioOnly bool

	// Demo-only flags ride in front of the config flags.
	rest := args
	fs := flag.NewFlagSet("callkit-demo", flag.ContinueOnError)
	fs.Int64Var(&callPeer, "call", 0, "peer user id to call once connected (0 = wait for incoming)")
	fs.BoolVar(&autoAccept, "auto-accept", false, "answer incoming calls immediately")
	fs.BoolVar(&audioOnly, "audio-only", false, "skip the local video track")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg, err := config.Load(fs.Args())
	if err != nil {
		return err
	}
	if cfg.RelayBaseURL == "" {
		return errors.New("relay base URL required (-relay-base-url or CALLKIT_RELAY_BASE_URL)")
	}
	if cfg.UserID == 0 {
		return errors.New("user id required (-user-id or CALLKIT_USER_ID)")
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var coll metrics.Collector = metrics.Nop{}
	if cfg.MetricsListenAddr != "" {
		prom := metrics.NewPrometheusCollector()
		coll = prom
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", prom.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				logger.Error("metrics server exited", "err", err)
			}
		}()
	}

	var fetcher relaycfg.Fetcher
	if cfg.ICEServersJSON != "" {
		servers, err := config.ParseICEServersJSON(cfg.ICEServersJSON)
		if err != nil {
			return fmt.Errorf("ice servers override: %w", err)
		}
		fetcher = relaycfg.StaticFetcher(servers)
	} else {
		fetcher = relaycfg.NewHTTPFetcher(cfg.RelayBaseURL, &http.Client{Timeout: cfg.ICEFetchTimeout}, logger)
	}

	var provider credentials.Provider = credentials.NewStatic(cfg.Token)
	if _, err := credentials.TokenExpiry(cfg.Token); err == nil {
		// JWT-shaped token: refresh ahead of expiry instead of waiting for
		// the relay to reject the dial.
		provider = credentials.NewExpiring(provider, 30*time.Second)
	}

	// The session sends through the channel and the channel dispatches to
	// the session; a late-bound sender breaks the construction cycle.
	sender := &lateSender{}
	session, err := call.NewSession(call.SessionConfig{
		Signals:   sender,
		Relay:     fetcher,
		Media:     call.SampleSource{},
		AudioOnly: audioOnly,
		Logger:    logger,
		Metrics:   coll,
	})
	if err != nil {
		return err
	}

	channel, err := signaling.NewChannel(signaling.ChannelConfig{
		RelayBaseURL:         cfg.RelayBaseURL,
		UserID:               cfg.UserID,
		Credentials:          provider,
		Handler:              session.HandleMessage,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		DialTimeout:          cfg.DialTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		Logger:               logger,
		Metrics:              coll,
	})
	if err != nil {
		return err
	}
	sender.set(channel)

	logger.Info("connecting", "relay", cfg.RelayBaseURL, "user_id", cfg.UserID)
	channel.Connect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if callPeer != 0 {
		go func() {
			if err := session.Start(ctx, callPeer); err != nil {
				logger.Error("call failed to start", "peer_id", callPeer, "err", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			session.Close()
			channel.Disconnect()
			return nil

		case ev, ok := <-session.Events():
			if !ok {
				channel.Disconnect()
				return nil
			}
			logger.Info("call event",
				"kind", eventKindName(ev.Kind),
				"call_id", ev.CallID,
				"peer_id", ev.PeerID,
				"phase", ev.Phase.String(),
				"status", ev.Status,
				"reason", ev.Reason,
			)
			if ev.Kind == call.EventIncomingCall && autoAccept {
				go func() {
					if err := session.Accept(ctx); err != nil {
						logger.Error("accept failed", "err", err)
					}
				}()
			}
		}
	}
}

// lateSender defers the channel reference so the session and channel can be
// constructed in either order.
type lateSender struct {
	ch *signaling.Channel
}

func (l *lateSender) set(ch *signaling.Channel) { l.ch = ch }

func (l *lateSender) Send(env signaling.Envelope) error {
	if l.ch == nil {
		return signaling.ErrNotOpen
	}
	return l.ch.Send(env)
}

func eventKindName(k call.EventKind) string {
	switch k {
	case call.EventPhase:
		return "phase"
	case call.EventIncomingCall:
		return "incoming"
	case call.EventRemoteStream:
		return "remote-stream"
	case call.EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}
