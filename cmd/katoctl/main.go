package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/filter"
	"github.com/sevakavakians/kato/internal/patternstore"
	"github.com/sevakavakians/kato/internal/processor"
	"github.com/sevakavakians/kato/internal/session"
)

// Build-time variables (set via ldflags).
var version = "dev"

func init() {
	_ = godotenv.Load()
}

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}

	store, sessions, closeStore, err := openStores(settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	bloom := filter.NewBloomIndex(settings.DefaultSessionConfig().BloomFalsePositiveRate)
	pipeline := filter.New(store, bloom)
	proc := processor.New(sessions, store, pipeline, bloom)

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("katoctl"),
		kong.Description("Local CLI for the memory-and-prediction engine"),
		kong.UsageOnError(),
		kongVars(),
	)

	err = kctx.Run(&Context{
		Ctx:       context.Background(),
		Processor: proc,
		Sessions:  sessions,
	})
	kctx.FatalIfErrorf(err)
}

// openStores wires the embedded, file-backed production stack (SQLite +
// bleve for patterns, SQLite for sessions) under settings.StoragePath,
// so state survives between katoctl invocations.
func openStores(settings *config.Settings) (patternstore.Store, *session.Manager, func(), error) {
	if err := os.MkdirAll(settings.StoragePath, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("katoctl: create storage dir: %w", err)
	}

	bleveStore, err := patternstore.NewBleveStore(filepath.Join(settings.StoragePath, "patterns.bleve"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("katoctl: open pattern index: %w", err)
	}
	metadataStore, err := patternstore.NewSQLiteMetadataStore(filepath.Join(settings.StoragePath, "metadata.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("katoctl: open metadata store: %w", err)
	}
	store := patternstore.NewCombinedStore(bleveStore, metadataStore)

	sessionStore, err := session.NewSQLiteStore(filepath.Join(settings.StoragePath, "sessions.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("katoctl: open session store: %w", err)
	}
	sessions := session.NewManager(settings, sessionStore)

	closeFn := func() {
		_ = sessionStore.Close()
		_ = metadataStore.Close()
	}
	return store, sessions, closeFn, nil
}
