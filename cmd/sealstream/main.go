package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kk-code-lab/sealstream/internal/api"
	"github.com/kk-code-lab/sealstream/internal/app"
	"github.com/kk-code-lab/sealstream/internal/meta"
	"github.com/kk-code-lab/sealstream/internal/prefetch"
	"github.com/kk-code-lab/sealstream/internal/storage/bundle"
	"github.com/kk-code-lab/sealstream/internal/storage/engine"
	"github.com/kk-code-lab/sealstream/internal/storage/fs"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	showVersionShort := flag.Bool("v", false, "Print version and exit (shorthand)")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	chunkSize := flag.Int64("chunk-size", 4<<20, "Chunk size in bytes")
	maxAssetSize := flag.Int64("max-asset-size", engine.DefaultMaxAssetSize, "Maximum asset size in bytes")
	prefetchWindow := flag.Int("prefetch-window", 16, "Maximum readahead depth in chunks")
	prefetchWorkers := flag.Int("prefetch-workers", 4, "Concurrent speculative chunk fetches")
	prefetchBudget := flag.Int64("prefetch-budget", 64<<20, "Decrypted readahead cache budget per session, in bytes")
	prefetchOff := flag.Bool("prefetch-off", false, "Disable readahead")
	idleTimeout := flag.Duration("idle-timeout", 2*time.Minute, "Readahead session idle timeout")
	mode := flag.String("mode", "server", "Mode: server|sweep|verify|identity-add|identity-list")
	identity := flag.String("identity", "", "Identity id (identity-add)")
	publicKey := flag.String("public-key", "", "Age public key (identity-add)")
	label := flag.String("label", "", "Identity label (identity-add)")
	jsonOut := flag.Bool("json", false, "Output ops report as JSON")
	flag.Parse()

	if *showVersion || *showVersionShort {
		fmt.Printf("sealstream %s (commit %s)\n", app.Version, app.BuildCommit)
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "unknown arguments:", flag.Args())
		os.Exit(2)
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "data dir error: %v\n", err)
		os.Exit(1)
	}

	metaStore, err := meta.Open(filepath.Join(*dataDir, "meta.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "meta open error: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	layout := fs.NewLayout(filepath.Join(*dataDir, "store"))
	store, err := bundle.New(layout, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store init error: %v\n", err)
		os.Exit(1)
	}

	if *mode != "server" {
		if err := runOps(opsConfig{
			mode:      *mode,
			layout:    layout,
			store:     store,
			meta:      metaStore,
			identity:  *identity,
			publicKey: *publicKey,
			label:     *label,
			jsonOut:   *jsonOut,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "ops error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	eng, err := engine.New(store, metaStore, engine.Options{
		ChunkSize:    *chunkSize,
		MaxAssetSize: *maxAssetSize,
		Prefetch: prefetch.Options{
			MaxWindow:      *prefetchWindow,
			Workers:        *prefetchWorkers,
			MaxCachedBytes: *prefetchBudget,
			IdleTimeout:    *idleTimeout,
			Disabled:       *prefetchOff,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine init error: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	fmt.Printf("sealstream %s (commit %s)\n", app.Version, app.BuildCommit)
	handler := api.LoggingMiddleware(&api.Handler{Engine: eng})
	if err := http.ListenAndServe(*addr, handler); err != nil {
		fmt.Fprintf(os.Stderr, "listen error: %v\n", err)
		os.Exit(1)
	}
}
