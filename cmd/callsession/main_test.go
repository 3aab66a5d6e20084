package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

func TestParseFlags(t *testing.T) {
	for _, tc := range []struct {
		args []string
		ok   bool
	}{
		{args: []string{"-local", "u1", "-remote", "u2", "-initiate"}, ok: true},
		{args: []string{"-local", "u1", "-remote", "u2", "-accept", "-store", "memory", "-media", "devices"}, ok: true},
		{args: []string{"-local", "u1", "-initiate"}},
		{args: []string{"-local", "u1", "-remote", "u2"}},
		{args: []string{"-local", "u1", "-remote", "u2", "-initiate", "-accept"}},
		{args: []string{"-local", "u1", "-remote", "u2", "-initiate", "-store", "redis"}},
		{args: []string{"-local", "u1", "-remote", "u2", "-initiate", "-media", "screen"}},
	} {
		if _, err := parseFlags(tc.args); (err == nil) != tc.ok {
			t.Fatalf("parseFlags(%v): %v", tc.args, err)
		}
	}
}

func TestLoopbackPeerSendsStaticMedia(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	config, err := call.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	store := signaling.NewMemoryStore()
	f := flags{local: "u1", remote: "u2", accept: true, media: "devices", store: "memory"}

	peer, err := startLoopbackPeer(ctx, f, store, config, zerolog.Nop())
	if err != nil {
		t.Fatalf("startLoopbackPeer: %v", err)
	}
	t.Cleanup(func() { _ = peer.Hangup(context.Background()) })

	// The peer only publishes its offer once local media has been acquired.
	deadline := time.Now().Add(5 * time.Second)
	for store.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("loopback peer never published an offer (state %s)", peer.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if peer.State() != call.StateNegotiating || peer.Role() != call.RoleCaller {
		t.Fatalf("loopback peer in %s as %q", peer.State(), peer.Role())
	}
}
