package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/viewsctl/internal/historian"
	"github.com/danmuck/viewsctl/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to historian config.toml")
	flag.Parse()

	logger := observability.InitLogger("historianctl")

	cfg := historian.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "historianctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := historian.NewService(cfg, logger)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "historianctl: %v\n", err)
		os.Exit(1)
	}
}
