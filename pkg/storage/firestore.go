package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sunledger/sunledger/pkg/log"
	"github.com/sunledger/sunledger/pkg/types"
)

const credentialsCollection = "api_credentials"

// FirestoreProvider implements Database on Google Cloud Firestore. Telemetry
// rows are documents keyed by device and timestamp, created only if absent.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID may be empty and detected from the environment.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ListCredentials reads every document of the credentials collection.
func (f *FirestoreProvider) ListCredentials(ctx context.Context) ([]types.Credential, error) {
	iter := f.client.Collection(credentialsCollection).Documents(ctx)
	defer iter.Stop()

	var creds []types.Credential
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate credentials: %w", err)
		}
		var c types.Credential
		if err := doc.DataTo(&c); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping unreadable credential doc", slog.String("id", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		c.ID = doc.Ref.ID
		c.Provider = types.Provider(strings.ToLower(strings.TrimSpace(string(c.Provider))))
		creds = append(creds, c)
	}
	return creds, nil
}

// PutCredential writes cred under its id, or a new id when empty.
func (f *FirestoreProvider) PutCredential(ctx context.Context, cred types.Credential) (string, error) {
	coll := f.client.Collection(credentialsCollection)
	ref := coll.NewDoc()
	if cred.ID != "" {
		ref = coll.Doc(cred.ID)
	}
	if _, err := ref.Set(ctx, cred); err != nil {
		return "", fmt.Errorf("failed to save credential: %w", err)
	}
	return ref.ID, nil
}

// dataPointDocID is unique per (device_sn, timestamp). Firestore ids may not
// contain '/'.
func dataPointDocID(sn, ts string) string {
	r := strings.NewReplacer("/", "_", " ", "T")
	return r.Replace(sn) + "_" + r.Replace(ts)
}

func dataPointDoc(tags Tags, dp types.DataPoint) (map[string]any, error) {
	ts, err := dp.Time()
	if err != nil {
		return nil, &types.DataFormatError{Field: "timestamp", Value: dp.Timestamp, Err: err}
	}
	faults := dp.Faults
	if faults == nil {
		faults = []types.Fault{}
	}
	doc := map[string]any{
		"device_sn":    tags.DeviceSN,
		"customer_id":  tags.CustomerID,
		"api_provider": string(tags.Provider),
		"timestamp":    ts,
		"state":        dp.State,
		"faults":       faults,
	}
	values := dp.Values()
	for i, name := range types.NumericFields() {
		doc[name] = values[i]
	}
	return doc, nil
}

// InsertDataPoints creates one document per row. Firestore has no savepoints,
// so each row commits on its own; an existing document counts as skipped.
func (f *FirestoreProvider) InsertDataPoints(ctx context.Context, mode types.Mode, tags Tags, batch []types.DataPoint) (LoadResult, error) {
	var res LoadResult
	name, err := TableName(mode)
	if err != nil {
		return res, err
	}
	coll := f.client.Collection(name)
	for _, dp := range batch {
		doc, err := dataPointDoc(tags, dp)
		if err == nil {
			_, err = coll.Doc(dataPointDocID(tags.DeviceSN, dp.Timestamp)).Create(ctx, doc)
		}
		switch {
		case err == nil:
			res.Inserted++
		case status.Code(err) == codes.AlreadyExists:
			res.Skipped++
		default:
			res.Failed++
			log.Ctx(ctx).ErrorContext(ctx, "document create failed",
				slog.String("collection", name),
				slog.Any("error", &types.RowError{DeviceSN: tags.DeviceSN, Timestamp: dp.Timestamp, Err: err}),
			)
		}
	}
	return res, nil
}
