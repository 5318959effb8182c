package directory

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	mongoOnce sync.Once
	mongoDB   *mongo.Database
	mongoCli  *mongo.Client
)

type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// Init connects the shared mongo client (singleton) and pings it.
func Init(ctx context.Context, c Config) error {
	var initErr error
	mongoOnce.Do(func() {
		if c.MaxPoolSize == 0 {
			c.MaxPoolSize = 20
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		cli, err := mongo.Connect(cctx, options.Client().
			ApplyURI(c.URI).
			SetMaxPoolSize(c.MaxPoolSize))
		if err != nil {
			initErr = err
			return
		}
		if err := cli.Ping(cctx, readpref.Primary()); err != nil {
			initErr = err
			return
		}
		mongoCli = cli
		mongoDB = cli.Database(c.Database)
	})
	return initErr
}

// DB returns the shared database handle; Init must have been called.
func DB() *mongo.Database {
	if mongoDB == nil {
		panic("mongo not initialized, call directory.Init first")
	}
	return mongoDB
}

func Close(ctx context.Context) error {
	if mongoCli != nil {
		return mongoCli.Disconnect(ctx)
	}
	return nil
}
