package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/viewsctl/internal/observability"
	"github.com/danmuck/viewsctl/internal/views"
)

func main() {
	configPath := flag.String("config", "", "path to viewsctl config.toml")
	flag.Parse()

	logger := observability.InitLogger("viewsctl")

	cfg, query, err := loadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "viewsctl: %v\n", err)
		os.Exit(1)
	}
	cfg.Logger = &logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := views.WithSession(ctx, cfg, func(ctx context.Context, s *views.Session) error {
		return smoke(ctx, s, query)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "viewsctl: %v\n", err)
		os.Exit(1)
	}
}

// smoke walks the read-only surface top-down and prints what it finds,
// stopping early when a level of the catalog is empty.
func smoke(ctx context.Context, s *views.Session, query queryConfig) error {
	fmt.Printf("connected, cci=%d\n", s.CCI())
	if banner := s.Banner(); banner != "" {
		fmt.Printf("banner: %s\n", banner)
	}

	msg, err := s.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("ping: %s\n", msg)

	version, err := s.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("version: %s\n", version)

	viewNames, err := s.ListViews(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("views (%d): %v\n", len(viewNames), viewNames)
	if len(viewNames) == 0 {
		fmt.Println("no views available, stopping")
		return nil
	}

	view := viewNames[0]
	datasets, err := s.ListDatasets(ctx, view, query.IncludeHidden)
	if err != nil {
		return err
	}
	fmt.Printf("datasets in %q (%d): %v\n", view, len(datasets), datasets)
	if len(datasets) == 0 {
		fmt.Println("no datasets available, stopping")
		return nil
	}

	dataset := datasets[0]
	tags, err := s.ListTags(ctx, view, dataset, query.StartingOffset, query.MaxCount)
	if err != nil {
		return err
	}
	fmt.Printf("tags in %q/%q (%d): %v\n", view, dataset, len(tags), tags)
	return nil
}
