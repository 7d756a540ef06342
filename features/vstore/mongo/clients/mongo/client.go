// Package mongo hosts the MongoDB client used by the vector store backend.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

type (
	// Document is the persisted row shape. Fields stays raw BSON; the store
	// layer owns the typed encoding and decoding.
	Document struct {
		ID      string               `bson:"_id"`
		Fields  bson.Raw             `bson:"fields,omitempty"`
		Vectors map[string][]float64 `bson:"vectors,omitempty"`
	}

	// Client exposes the Mongo operations the vector store needs.
	Client interface {
		health.Pinger

		// Upsert inserts or replaces the document in the named table.
		Upsert(ctx context.Context, table string, doc Document) error
		// Load returns the document with the given ID, or
		// mongo.ErrNoDocuments.
		Load(ctx context.Context, table, id string) (Document, error)
		// List returns every document in the table, in _id order.
		List(ctx context.Context, table string) ([]Document, error)
	}

	// Options configures the client.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds individual operations (default 5s).
		Timeout time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

const (
	defaultOpTimeout = 5 * time.Second
	clientName       = "vstore-mongo"
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Upsert(ctx context.Context, table string, doc Document) error {
	if doc.ID == "" {
		return errors.New("document id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.db.Collection(table).ReplaceOne(ctx,
		bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) Load(ctx context.Context, table, id string) (Document, error) {
	if id == "" {
		return Document{}, errors.New("document id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc Document
	err := c.db.Collection(table).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	return doc, err
}

func (c *client) List(ctx context.Context, table string) ([]Document, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.db.Collection(table).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}
