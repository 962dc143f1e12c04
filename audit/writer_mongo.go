// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoDefaultDatabase = "modgate"
	mongoCollection      = "moderation_audit"
	mongoConnectTimeout  = 10 * time.Second
)

// MongoWriter persists audit batches with unordered InsertMany calls.
type MongoWriter struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoWriter connects to MongoDB and verifies the connection with a
// primary ping. The database comes from the DSN path, defaulting to
// "modgate"; the collection is always moderation_audit.
func NewMongoWriter(ctx context.Context, dsn string) (*MongoWriter, error) {
	clientOpts := options.Client().
		ApplyURI(dsn).
		SetMaxPoolSize(20).
		SetMinPoolSize(2).
		SetConnectTimeout(mongoConnectTimeout).
		SetAppName("modgate-audit").
		SetRetryWrites(true)

	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := mongoDatabaseFromDSN(dsn)
	return &MongoWriter{
		client: client,
		coll:   client.Database(dbName).Collection(mongoCollection),
	}, nil
}

// WriteBatch inserts the records unordered so one bad document does not
// abort the rest of the batch.
func (w *MongoWriter) WriteBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	docs := make([]interface{}, len(recs))
	for i, rec := range recs {
		docs[i] = mongoDoc(rec)
	}
	opts := options.InsertMany().SetOrdered(false)
	if _, err := w.coll.InsertMany(ctx, docs, opts); err != nil {
		return fmt.Errorf("failed to insert audit batch: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (w *MongoWriter) Close(ctx context.Context) error {
	return w.client.Disconnect(ctx)
}

// mongoDoc keeps the document field names aligned with the SQL columns so
// cross-backend queries stay uniform.
func mongoDoc(rec Record) bson.M {
	doc := bson.M{
		"request_id":     rec.RequestID,
		"ts":             rec.Timestamp,
		"region":         string(rec.Region),
		"user_message":   rec.UserMessage,
		"bot_response":   rec.BotResponse,
		"final_response": rec.FinalResponse,
		"is_flagged":     rec.IsFlagged,
		"is_blocked":     rec.IsBlocked,
		"latency_ms":     rec.LatencyMS,
		"tag":            rec.Tag,
	}
	if rec.SessionID != "" {
		doc["session_id"] = rec.SessionID
	}
	if len(rec.Triggered) > 0 {
		triggered := make([]bson.M, len(rec.Triggered))
		for i, out := range rec.Triggered {
			entry := bson.M{
				"rule_id":      out.RuleID,
				"rule_name":    out.RuleName,
				"rule_type":    string(out.Kind),
				"triggered":    out.Triggered,
				"should_block": out.ShouldBlock,
			}
			if out.Score != nil {
				entry["score"] = *out.Score
			}
			if len(out.Matches) > 0 {
				entry["matches"] = out.Matches
			}
			triggered[i] = entry
		}
		doc["triggered_rules"] = triggered
	}
	if len(rec.Scores) > 0 {
		doc["scores"] = rec.Scores
	}
	return doc
}

func mongoDatabaseFromDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return mongoDefaultDatabase
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return mongoDefaultDatabase
	}
	return name
}
