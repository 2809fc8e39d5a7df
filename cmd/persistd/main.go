package main

import (
	"context"
	"log"
	"net/http"

	"github.com/pysugar/settings-vault/internal/api"
	"github.com/pysugar/settings-vault/internal/cloudsync"
	"github.com/pysugar/settings-vault/internal/config"
	"github.com/pysugar/settings-vault/internal/persist"
	"github.com/pysugar/settings-vault/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	defaults, err := config.LoadDefaults(cfg.DefaultsFile)
	if err != nil {
		log.Fatalf("Failed to load defaults: %v", err)
	}

	// Cloud restore runs here when DATASET_REPO_ID and HF_TOKEN are both set
	manager, err := persist.New(context.Background(), persist.Options{
		DBPath: cfg.DBPath,
		DBLog:  cfg.DBLog,
		Target: cfg.Target(),
		Syncer: cloudsync.NewClient(cloudsync.Options{
			Endpoint: cfg.HubEndpoint,
			Revision: cfg.Revision,
		}),
	})
	if err != nil {
		log.Fatalf("Failed to initialize settings store: %v", err)
	}

	if manager.CloudEnabled() {
		log.Printf("☁️ Cloud sync enabled: dataset %s (%s)", cfg.DatasetRepo, cfg.HubEndpoint)
	} else {
		log.Printf("💾 Cloud sync disabled: set DATASET_REPO_ID and HF_TOKEN to enable")
	}

	router := api.NewRouter(manager, defaults, cfg.AdminPassword)

	log.Printf("🚀 Settings vault %s (%s) starting on http://%s", version.Version, version.Commit, cfg.Addr())
	log.Printf("📦 Database: %s, %d default keys", cfg.DBPath, len(defaults))

	if err := http.ListenAndServe(cfg.Addr(), router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
