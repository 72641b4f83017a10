package main

import (
	"fmt"
	"os"

	"github.com/bdobrica/fumiko/common/environment"
	"github.com/bdobrica/fumiko/common/version"
	"github.com/bdobrica/fumiko/internal/fumiko/app"
	"github.com/bdobrica/fumiko/internal/fumiko/config"
)

func main() {
	fmt.Printf("Fumiko File Assistant\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// Load configuration: optional YAML file overlaid with environment
	cfgPath := environment.StringOr("FUMIKO_CONFIG", "./fumiko.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Create application
	fumiko, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Fumiko: %v\n", err)
		os.Exit(1)
	}
	defer fumiko.Stop()

	// Run application
	if err := fumiko.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Fumiko: %v\n", err)
		os.Exit(1)
	}
}
