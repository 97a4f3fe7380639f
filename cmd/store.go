package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"

	"github.com/dgduncan/go-fetch-data/caches"
	"github.com/dgduncan/go-fetch-data/caches/dynamodb"
	"github.com/dgduncan/go-fetch-data/caches/local"
	"github.com/dgduncan/go-fetch-data/caches/postgres"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeDynamoDB = "dynamodb"
)

// openStore builds the store named by --store. The returned func releases it.
func openStore(ctx context.Context, o *getOptions, logger *slog.Logger) (caches.Store, func(), error) {
	switch o.store {
	case storeMemory:
		return local.NewBasicCache(), func() {}, nil

	case storePostgres:
		if o.dsn == "" {
			return nil, nil, errors.New("--dsn is required with --store postgres")
		}

		db, err := sql.Open("postgres", o.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}

		c, err := postgres.New(ctx, db, &postgres.Config{
			DeleteExpiredItems: true,
			Logger:             logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return c, func() { _ = db.Close() }, nil

	case storeDynamoDB:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("loading aws config: %w", err)
		}

		c, err := dynamodb.New(ctx, awsdynamodb.NewFromConfig(cfg), &dynamodb.Config{
			DeleteExpiredItems: true,
			Table:              o.table,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown store %q", o.store)
}
