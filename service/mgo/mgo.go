// Package mgo owns the shared MongoDB handle and index bootstrap.
package mgo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"IMRelay/logger"
)

type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

func (c *Config) norm() {
	if c.URI == "" {
		c.URI = "mongodb://127.0.0.1:27017"
	}
	if c.Database == "" {
		c.Database = "imrelay"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

var (
	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
)

// Init connects and pings. Call once from main before any GetDB use.
func Init(ctx context.Context, cfg Config) error {
	cfg.norm()
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cl, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return errors.Wrap(err, "mongo connect")
	}
	if err := cl.Ping(cctx, nil); err != nil {
		return errors.Wrap(err, "mongo ping")
	}

	mu.Lock()
	client = cl
	db = cl.Database(cfg.Database)
	mu.Unlock()

	logger.Infof("[mgo] connected uri=%s db=%s", cfg.URI, cfg.Database)
	return EnsureIndexes(ctx)
}

func GetDB() *mongo.Database {
	mu.RLock()
	defer mu.RUnlock()
	return db
}

func Close(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Disconnect(ctx)
	client, db = nil, nil
	return err
}

// EnsureIndexes creates the unique indexes the write paths rely on:
// direct-pair key, per-conversation seq, and client message id.
func EnsureIndexes(ctx context.Context) error {
	d := GetDB()
	if d == nil {
		return errors.New("mgo not initialized")
	}

	_, err := d.Collection("conversation").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "direct_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"direct_key": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, "conversation indexes")
	}

	_, err = d.Collection("message").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "seq", Value: -1}}},
	})
	if err != nil {
		return errors.Wrap(err, "message indexes")
	}

	_, err = d.Collection("sync_cursor").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "sync_cursor index")
}
