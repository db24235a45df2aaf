package poolconfig

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.dispatchrouter.dev/internal/repository"
)

// poolDoc is the on-disk shape of a pool_definitions document.
type poolDoc struct {
	Code            string `bson:"code"`
	Concurrency     int    `bson:"concurrency"`
	QueueCapacity   int    `bson:"queueCapacity"`
	RateLimitPerMin *int   `bson:"rateLimitPerMin,omitempty"`
	Enabled         bool   `bson:"enabled"`
}

// MongoRepository resolves pool definitions from a MongoDB collection,
// refreshed on every call (no caching) so a running control-plane edit is
// visible on the next reconcile tick.
type MongoRepository struct {
	pools *mongo.Collection
}

// NewMongoRepository wires a MongoRepository to the "pool_definitions"
// collection of db.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{pools: db.Collection("pool_definitions")}
}

// FindAllEnabled returns every enabled pool definition, ordered by code.
// The round trip is instrumented the same way every other database access
// in this service is, so a slow or failing control-plane read surfaces in
// the same Prometheus metrics as the rest of the repository layer.
func (r *MongoRepository) FindAllEnabled(ctx context.Context) ([]*Definition, error) {
	return repository.Instrument(ctx, "pool_definitions", "find_all_enabled", func() ([]*Definition, error) {
		opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})

		cursor, err := r.pools.Find(ctx, bson.M{"enabled": true}, opts)
		if err != nil {
			return nil, err
		}
		defer cursor.Close(ctx)

		var docs []poolDoc
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, err
		}

		defs := make([]*Definition, 0, len(docs))
		for _, d := range docs {
			defs = append(defs, &Definition{
				Code:            d.Code,
				Concurrency:     d.Concurrency,
				QueueCapacity:   d.QueueCapacity,
				RateLimitPerMin: d.RateLimitPerMin,
				Enabled:         d.Enabled,
			})
		}
		return defs, nil
	})
}

// EnsureIndexes creates the indexes pool_definitions lookups rely on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	return repository.InstrumentVoid(ctx, "pool_definitions", "ensure_indexes", func() error {
		_, err := db.Collection("pool_definitions").Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "code", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "enabled", Value: 1}}},
		})
		return err
	})
}
