package call

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

type failingCloseConnection struct {
	*fakeConnection
}

func (c failingCloseConnection) Close() error {
	_ = c.fakeConnection.Close()
	return errors.New("transport already closed")
}

// eventLog records release steps across fakes in the order they happen.
type eventLog struct {
	mux    sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mux.Lock()
	defer l.mux.Unlock()

	l.events = append(l.events, event)
}

func (l *eventLog) index(t *testing.T, event string) int {
	t.Helper()
	l.mux.Lock()
	defer l.mux.Unlock()

	i := slices.Index(l.events, event)
	if i < 0 {
		t.Fatalf("%s never happened: %v", event, l.events)
	}
	return i
}

type loggedStream struct {
	*fakeStream
	log *eventLog
}

func (s loggedStream) Close() error {
	s.log.add("local-close")
	return s.fakeStream.Close()
}

type loggedConnection struct {
	*fakeConnection
	log *eventLog
}

func (c loggedConnection) Close() error {
	c.log.add("conn-close")
	return c.fakeConnection.Close()
}

type loggedStore struct {
	signaling.Store
	log *eventLog
}

func (s loggedStore) Delete(ctx context.Context, key string) error {
	s.log.add("delete-document")
	return s.Store.Delete(ctx, key)
}

func (s loggedStore) Collection(key, name string) signaling.Collection {
	return loggedCollection{Collection: s.Store.Collection(key, name), name: name, log: s.log}
}

type loggedCollection struct {
	signaling.Collection
	name string
	log  *eventLog
}

func (c loggedCollection) DeleteAll(ctx context.Context) error {
	c.log.add("delete-" + c.name)
	return c.Collection.DeleteAll(ctx)
}

func seedCall(t *testing.T, store signaling.Store, key string) {
	t.Helper()
	ctx := context.Background()

	if err := store.Set(ctx, key, CallDocument{CallerOffer: &webrtcOffer, SenderID: "u1", ReceiverID: "u2"}.Fields()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for _, role := range []Role{RoleCaller, RoleCallee} {
		for range 3 {
			if _, err := store.Collection(key, string(role)).Add(ctx, remoteCandidate("candidate:x")); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}
	}
}

func TestTeardownReleasesEverything(t *testing.T) {
	store := signaling.NewMemoryStore()
	seedCall(t, store, "u1_u2")

	local := &fakeStream{id: "local"}
	conn := &fakeConnection{id: "pc"}
	remote, err := mediasink.CreateStream(context.Background(), "remote")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	unsubscribed := false
	td := teardown{store: store, key: "u1_u2", logger: zerolog.Nop()}
	err = td.run(context.Background(), releasable{
		unsubscribe: func() { unsubscribed = true },
		local:       local,
		remote:      remote,
		conn:        conn,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !unsubscribed || local.closed.Load() != 1 || !remote.Closed() || conn.closeCount() != 1 {
		t.Fatalf("resources not released: unsubscribed=%v local=%d remote=%v conn=%d",
			unsubscribed, local.closed.Load(), remote.Closed(), conn.closeCount())
	}
	if store.Len() != 0 {
		t.Fatalf("call document survived teardown")
	}
	for _, role := range []Role{RoleCaller, RoleCallee} {
		if records := listRecords(t, store, "u1_u2", role); len(records) != 0 {
			t.Fatalf("%d %s candidates survived teardown", len(records), role)
		}
	}

	// Nothing left to release; a repeat run must still succeed.
	if err := td.run(context.Background(), releasable{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestTeardownCleansStoreWhenConnectionCloseFails(t *testing.T) {
	store := signaling.NewMemoryStore()
	seedCall(t, store, "u1_u2")

	conn := failingCloseConnection{&fakeConnection{id: "pc"}}
	td := teardown{store: store, key: "u1_u2", logger: zerolog.Nop()}

	if err := td.run(context.Background(), releasable{conn: conn}); err == nil {
		t.Fatalf("expected the close error to be reported")
	}
	if store.Len() != 0 {
		t.Fatalf("call document survived teardown")
	}
	if records := listRecords(t, store, "u1_u2", RoleCaller); len(records) != 0 {
		t.Fatalf("caller candidates survived teardown")
	}
}

func TestTeardownOrder(t *testing.T) {
	store := signaling.NewMemoryStore()
	seedCall(t, store, "u1_u2")

	var log eventLog
	td := teardown{store: loggedStore{Store: store, log: &log}, key: "u1_u2", logger: zerolog.Nop()}

	err := td.run(context.Background(), releasable{
		unsubscribe: func() { log.add("unsubscribe") },
		local:       loggedStream{fakeStream: &fakeStream{id: "local"}, log: &log},
		conn:        loggedConnection{fakeConnection: &fakeConnection{id: "pc"}, log: &log},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	unsubscribe := log.index(t, "unsubscribe")
	media := log.index(t, "local-close")
	callerRecords := log.index(t, "delete-"+string(RoleCaller))
	calleeRecords := log.index(t, "delete-"+string(RoleCallee))
	document := log.index(t, "delete-document")
	conn := log.index(t, "conn-close")

	if unsubscribe > media {
		t.Fatalf("media released before unsubscribing: %v", log.events)
	}
	if media > min(callerRecords, calleeRecords) {
		t.Fatalf("candidates deleted before media release: %v", log.events)
	}
	if max(callerRecords, calleeRecords) > document {
		t.Fatalf("document deleted before candidates: %v", log.events)
	}
	if document > conn {
		t.Fatalf("connection closed before document deletion: %v", log.events)
	}
}
