package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/queuerunner"
	"github.com/hydrogen-ci/hydrogen/server/store"
	"github.com/hydrogen-ci/hydrogen/server/store/migrations"
)

// App wires up the queue runner daemon.
type App struct {
	Config     *Config
	DB         *store.DB
	LocalStore *nix.LocalStore
	DestStore  nix.Store
	State      *queuerunner.State

	cleanup func()
}

func New(ctx context.Context, config *Config, logFactory logger.LogFactory) (*App, error) {
	migrationRunner := migrations.NewQueueRunnerMigrateRunner(logFactory)
	db, dbCleanup, err := store.NewDatabase(ctx, config.Database, migrationRunner)
	if err != nil {
		return nil, err
	}

	localStore, err := nix.OpenLocalStore(config.StoreDir, config.StateDir)
	if err != nil {
		dbCleanup()
		return nil, err
	}

	destStore, err := OpenDestStore(config, localStore, logFactory)
	if err != nil {
		dbCleanup()
		return nil, err
	}

	state := queuerunner.NewState(config.Runner, db, localStore, destStore, clock.New(), logFactory)

	return &App{
		Config:     config,
		DB:         db,
		LocalStore: localStore,
		DestStore:  destStore,
		State:      state,
		cleanup:    dbCleanup,
	}, nil
}

func (a *App) Close() {
	a.cleanup()
}

// OpenDestStore resolves store_uri into the destination store. An empty URI
// means results land in the local store itself.
func OpenDestStore(config *Config, localStore *nix.LocalStore, logFactory logger.LogFactory) (nix.Store, error) {
	uri := config.StoreURI
	if uri == "" {
		return localStore, nil
	}
	switch {
	case strings.HasPrefix(uri, "file://"):
		blobs, err := nix.NewDirBlobStore(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			return nil, err
		}
		return nix.NewBinaryCacheStore(localStore.StoreDir(), blobs)
	case strings.HasPrefix(uri, "s3://"):
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("error parsing store URI %q: %w", uri, err)
		}
		blobs, err := nix.NewS3BlobStore(nix.S3BlobStoreConfig{
			BucketName: parsed.Host,
			Region:     parsed.Query().Get("region"),
		}, logFactory)
		if err != nil {
			return nil, err
		}
		return nix.NewBinaryCacheStore(localStore.StoreDir(), blobs)
	default:
		return nil, fmt.Errorf("unsupported store URI %q", uri)
	}
}
