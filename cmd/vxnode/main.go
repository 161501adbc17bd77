package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vxchat/vxnode/pkg/auth"
	"github.com/vxchat/vxnode/pkg/cli"
	"github.com/vxchat/vxnode/pkg/config"
	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/server"
	"github.com/vxchat/vxnode/pkg/storage"
)

func main() {
	root := flag.String("root", ".", "server root directory (config, database, plugins)")
	noConsole := flag.Bool("no-console", false, "run without the admin console, stop on SIGINT/SIGTERM")
	flag.Parse()

	cfg, err := config.Load(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewStorage(storageConfig(*root, cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init storage: %v\n", err)
		os.Exit(1)
	}

	provider := auth.NewClient(cfg.AuthURL, cfg.ServerKey)

	srv, err := server.NewServer(*root, cfg, store, provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !*noConsole {
		console, err := cli.New(srv)
		if err != nil {
			fmt.Fprintf(os.Stderr, "init console: %v\n", err)
			os.Exit(1)
		}
		go console.Run()
	}

	if err := srv.Run(ctx); err != nil {
		logger.ErrorCF("main", "Server failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

// storageConfig maps the file configuration onto the storage layer,
// anchoring a relative sqlite path at the server root.
func storageConfig(root string, cfg *config.Config) storage.Config {
	path := cfg.Storage.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		Path:         path,
		DatabaseURL:  cfg.Storage.DatabaseURL,
		MaxIdleConns: cfg.Storage.MaxIdleConns,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}
}
