package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

// FirebaseStore is a signaling.Store over one Firestore collection. Call
// documents live at <collection>/<key>; candidate records live in
// sub-collections of those documents.
type FirebaseStore struct {
	app        *firebase.App
	client     *firestore.Client
	collection *firestore.CollectionRef
	logger     zerolog.Logger
}

func NewFirebaseStore(ctx context.Context, collection string, config FirebaseConfig, logger zerolog.Logger) (*FirebaseStore, error) {
	if collection == "" {
		collection = DefaultCollection
	}

	options, err := config.clientOptions()
	if err != nil {
		return nil, fmt.Errorf("error while reading firebase credentials: %w", err)
	}

	var appConfig *firebase.Config
	if config.ProjectID != "" {
		appConfig = &firebase.Config{ProjectID: config.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appConfig, options...)
	if err != nil {
		return nil, fmt.Errorf("error while creating firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error while creating firestore client: %w", err)
	}

	return &FirebaseStore{
		app:        app,
		client:     client,
		collection: client.Collection(collection),
		logger:     logger.With().Str("collection", collection).Logger(),
	}, nil
}

func (s *FirebaseStore) doc(key string) *firestore.DocumentRef {
	return s.collection.Doc(key)
}

func (s *FirebaseStore) Get(ctx context.Context, key string) (signaling.Fields, error) {
	snapshot, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, signaling.ErrNotFound
		}
		return nil, err
	}

	return snapshot.Data(), nil
}

func (s *FirebaseStore) Set(ctx context.Context, key string, fields signaling.Fields) error {
	if _, err := s.doc(key).Set(ctx, fields); err != nil {
		return fmt.Errorf("error while setting data to firestore: %w", err)
	}
	return nil
}

func (s *FirebaseStore) Update(ctx context.Context, key string, fields signaling.Fields) error {
	updates := make([]firestore.Update, 0, len(fields))
	for path, value := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}

	if _, err := s.doc(key).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return signaling.ErrNotFound
		}
		return fmt.Errorf("error while updating firestore document: %w", err)
	}
	return nil
}

func (s *FirebaseStore) Delete(ctx context.Context, key string) error {
	if _, err := s.doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("error while deleting firestore document: %w", err)
	}
	return nil
}

func (s *FirebaseStore) Subscribe(ctx context.Context, key string, onSnapshot signaling.OnSnapshot, onError signaling.OnError) (signaling.Unsubscribe, error) {
	ctx2, cancel2 := context.WithCancel(ctx)
	it := s.doc(key).Snapshots(ctx2)

	s.logger.Debug().Str("key", key).Msg("watching call document")

	go func() {
		defer it.Stop()

		for {
			snapshot, err := it.Next()
			if err != nil {
				if ctx2.Err() == nil && !stoppedIterator(err) {
					onError(err)
				}
				return
			}

			if !snapshot.Exists() {
				onSnapshot(nil, false)
				continue
			}
			onSnapshot(snapshot.Data(), true)
		}
	}()

	return unsubscriber(cancel2), nil
}

func (s *FirebaseStore) Collection(key, name string) signaling.Collection {
	return &firebaseCollection{
		client: s.client,
		ref:    s.doc(key).Collection(name),
		logger: s.logger,
	}
}

func (s *FirebaseStore) Close() error {
	return s.client.Close()
}

type firebaseCollection struct {
	client *firestore.Client
	ref    *firestore.CollectionRef
	logger zerolog.Logger
}

func (c *firebaseCollection) Add(ctx context.Context, record signaling.Fields) (string, error) {
	doc, _, err := c.ref.Add(ctx, record)
	if err != nil {
		return "", fmt.Errorf("error while adding record to firestore: %w", err)
	}
	return doc.ID, nil
}

func (c *firebaseCollection) ListAll(ctx context.Context) ([]signaling.Record, error) {
	snapshots, err := c.ref.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("error while listing firestore records: %w", err)
	}

	records := make([]signaling.Record, 0, len(snapshots))
	for _, snapshot := range snapshots {
		records = append(records, signaling.Record{ID: snapshot.Ref.ID, Fields: snapshot.Data()})
	}
	return records, nil
}

// DeleteAll batches the deletes through a BulkWriter. Firestore has no
// collection delete; every record is removed individually.
func (c *firebaseCollection) DeleteAll(ctx context.Context) error {
	refs := c.ref.DocumentRefs(ctx)

	writer := c.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		ref, err := refs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			writer.End()
			return fmt.Errorf("error while listing firestore records: %w", err)
		}

		job, err := writer.Delete(ref)
		if err != nil {
			writer.End()
			return fmt.Errorf("error while queueing firestore delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	writer.End()

	c.logger.Debug().Str("records", c.ref.Path).Int("deleted", len(jobs)).Msg("cleared records")

	var failed error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			failed = err
		}
	}
	if failed != nil {
		return fmt.Errorf("error while deleting firestore records: %w", failed)
	}

	return nil
}

func (c *firebaseCollection) Subscribe(ctx context.Context, onChange signaling.OnChange, onError signaling.OnError) (signaling.Unsubscribe, error) {
	ctx2, cancel2 := context.WithCancel(ctx)
	it := c.ref.Snapshots(ctx2)

	go func() {
		defer it.Stop()

		for {
			snapshot, err := it.Next()
			if err != nil {
				if ctx2.Err() == nil && !stoppedIterator(err) {
					onError(err)
				}
				return
			}

			var added, removed []signaling.Record
			for _, change := range snapshot.Changes {
				record := signaling.Record{ID: change.Doc.Ref.ID, Fields: change.Doc.Data()}
				switch change.Kind {
				case firestore.DocumentAdded:
					added = append(added, record)
				case firestore.DocumentRemoved:
					removed = append(removed, record)
				}
			}

			if len(added) > 0 || len(removed) > 0 || snapshot.Size == 0 {
				onChange(added, removed)
			}
		}
	}()

	return unsubscriber(cancel2), nil
}

func stoppedIterator(err error) bool {
	return errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled
}

// unsubscriber cancels the watch; the watching goroutine stops its iterator
// on the way out, since Stop must not race Next.
func unsubscriber(cancel context.CancelFunc) signaling.Unsubscribe {
	var once sync.Once

	return func() {
		once.Do(cancel)
	}
}
