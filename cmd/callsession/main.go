package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

type flags struct {
	local         string
	remote        string
	configPath    string
	store         string
	media         string
	initiate      bool
	accept        bool
	statsInterval time.Duration
	logLevel      string
}

func parseFlags(args []string) (flags, error) {
	var f flags

	fs := flag.NewFlagSet("callsession", flag.ContinueOnError)
	fs.StringVar(&f.local, "local", "", "local participant id")
	fs.StringVar(&f.remote, "remote", "", "remote participant id")
	fs.StringVar(&f.configPath, "config", "", "path to a JSON config file")
	fs.StringVar(&f.store, "store", "firestore", "signaling store: firestore or memory (in-process loopback peer)")
	fs.StringVar(&f.media, "media", "static", "local media: static or devices")
	fs.BoolVar(&f.initiate, "initiate", false, "start the call")
	fs.BoolVar(&f.accept, "accept", false, "accept the incoming call as soon as it rings")
	fs.DurationVar(&f.statsInterval, "stats", 5*time.Second, "connection stats log interval, 0 disables")
	fs.StringVar(&f.logLevel, "log-level", "info", "zerolog level")

	if err := fs.Parse(args); err != nil {
		return f, err
	}

	if f.local == "" || f.remote == "" {
		return f, errors.New("-local and -remote are required")
	}
	if f.initiate && f.accept {
		return f, errors.New("-initiate and -accept are mutually exclusive")
	}
	if !f.initiate && !f.accept {
		return f, errors.New("one of -initiate or -accept is required")
	}
	if f.store != "firestore" && f.store != "memory" {
		return f, fmt.Errorf("unknown store %q", f.store)
	}
	if f.media != "static" && f.media != "devices" {
		return f, fmt.Errorf("unknown media %q", f.media)
	}

	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, l); err != nil {
		l.Error().Err(err).Msg("call failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, l zerolog.Logger) error {
	config, err := call.LoadConfig(f.configPath)
	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, config, f.media, l)
	if err != nil {
		return err
	}

	var store signaling.Store
	switch f.store {
	case "memory":
		store = signaling.NewMemoryStore()

		peer, err := startLoopbackPeer(ctx, f, store, config, l)
		if err != nil {
			return err
		}
		defer func() {
			_ = peer.Hangup(context.Background())
		}()
	default:
		firebaseStore, err := call.NewFirebaseStore(ctx, config.Collection, config.Firebase, l)
		if err != nil {
			return err
		}
		defer func() {
			if err := firebaseStore.Close(); err != nil {
				l.Warn().Err(err).Msg("failed to close firestore client")
			}
		}()
		store = firebaseStore
	}

	ringing := make(chan struct{}, 1)
	options := append(config.SessionOptions(),
		call.WithLogger(l),
		call.WithStateChangeHandler(func(state call.State) {
			l.Info().Str("state", state.String()).Msg("call state")
			if state == call.StateIncomingRingPending {
				select {
				case ringing <- struct{}{}:
				default:
				}
			}
		}),
		call.WithLocalStreamHandler(func(stream call.LocalStream) {
			l.Info().Str("stream", stream.ID()).Int("tracks", len(stream.Tracks())).Msg("local media ready")
		}),
		call.WithRemoteStreamHandler(newRemoteReader(ctx, l).onStream),
	)

	session, err := call.NewSession(ctx, f.local, f.remote, store, engine, options...)
	if err != nil {
		return err
	}

	if f.initiate {
		if err := session.InitiateCall(ctx); err != nil {
			_ = session.Hangup(context.Background())
			return err
		}
	} else {
		l.Info().Str("from", f.remote).Msg("waiting for incoming call")
		select {
		case <-ringing:
		case <-ctx.Done():
			return session.Hangup(context.Background())
		case <-session.Done():
			return nil
		}
		if err := session.AcceptCall(ctx); err != nil {
			_ = session.Hangup(context.Background())
			return err
		}
	}

	go logStats(ctx, session, f.statsInterval, l)

	select {
	case <-ctx.Done():
		l.Info().Msg("hanging up")
		return session.Hangup(context.Background())
	case <-session.Done():
		l.Info().Msg("call ended by peer")
		return nil
	}
}

// startLoopbackPeer plays the remote participant in-process, answering or
// initiating opposite to the local side. It always sends static media so that
// capture devices are opened by the local side only.
func startLoopbackPeer(ctx context.Context, f flags, store signaling.Store, config *call.Config, l zerolog.Logger) (*call.Session, error) {
	peerLogger := l.With().Str("peer", "loopback").Logger()

	engine, err := newEngine(ctx, config, "static", peerLogger)
	if err != nil {
		return nil, err
	}

	var peer *call.Session
	options := append(config.SessionOptions(),
		call.WithLogger(peerLogger),
		call.WithStateChangeHandler(func(state call.State) {
			if state == call.StateIncomingRingPending && !f.accept {
				go func() {
					if err := peer.AcceptCall(ctx); err != nil {
						peerLogger.Error().Err(err).Msg("loopback accept failed")
					}
				}()
			}
		}),
	)

	peer, err = call.NewSession(ctx, f.remote, f.local, store, engine, options...)
	if err != nil {
		return nil, err
	}

	if f.accept {
		go func() {
			if err := peer.InitiateCall(ctx); err != nil {
				peerLogger.Error().Err(err).Msg("loopback initiate failed")
			}
		}()
	}

	return peer, nil
}

type remoteReader struct {
	ctx     context.Context
	started map[string]struct{}
	logger  zerolog.Logger
}

func newRemoteReader(ctx context.Context, l zerolog.Logger) *remoteReader {
	return &remoteReader{ctx: ctx, started: make(map[string]struct{}), logger: l}
}

// onStream runs on the session's notification goroutine, one call at a time.
func (r *remoteReader) onStream(stream *mediasink.Stream) {
	for id, sink := range stream.Sinks() {
		if _, exists := r.started[id]; exists {
			continue
		}
		r.started[id] = struct{}{}

		r.logger.Info().Str("track", id).Str("codec", sink.Codec().MimeType).Msg("receiving remote track")
		go r.drain(sink)
	}
}

func (r *remoteReader) drain(sink *mediasink.Sink) {
	var packets int
	for {
		if _, _, err := sink.ReadRTP(r.ctx); err != nil {
			r.logger.Debug().Err(err).Str("track", sink.ID()).Int("packets", packets).Msg("remote track finished")
			return
		}
		packets++
	}
}

func logStats(ctx context.Context, session *call.Session, interval time.Duration, l zerolog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-ticker.C:
			if !session.Connected() {
				continue
			}
			pc, ok := session.Connection().(*call.PeerConnection)
			if !ok {
				continue
			}
			l.Info().Object("stats", pc.Stats()).Msg("connection stats")
		}
	}
}
