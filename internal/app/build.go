package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/admission"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/broker"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/config"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/httpapi"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/observability"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/relay"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/tasks"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Broker   broker.Broker
	Store    tasks.Store
	Manager  *tasks.Manager
	Registry *relay.Registry
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	b, err := broker.New(ctx, broker.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("broker init failed: %w", err)
	}

	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("task store init failed: %w", err)
	}

	if err := b.EnsureGroup(ctx, cfg.ManagerStreamName, cfg.ManagerGroupName); err != nil {
		_ = store.Close()
		_ = b.Close()
		return nil, fmt.Errorf("ensure consumer group %s/%s: %w", cfg.ManagerStreamName, cfg.ManagerGroupName, err)
	}

	// The capacity ceiling is authoritative in the shared store so workers
	// and any sibling API replicas see one value. The counter is only
	// seeded when absent, never reset on restart.
	if err := b.Set(ctx, admission.InstanceMaxKey, strconv.Itoa(cfg.MaxModelInstances)); err != nil {
		_ = store.Close()
		_ = b.Close()
		return nil, fmt.Errorf("seed instance ceiling: %w", err)
	}
	if _, err := b.SetNX(ctx, admission.InstanceCountKey, "0", 0); err != nil {
		_ = store.Close()
		_ = b.Close()
		return nil, fmt.Errorf("seed instance counter: %w", err)
	}

	adm := admission.NewController(b, cfg.AdmissionLockName, cfg.AdmissionLockTimeout)
	manager := tasks.NewManager(b, store, adm, metrics, cfg.ManagerStreamName)
	registry := relay.NewRegistry(cfg.SessionQueueSize, metrics)

	api := httpapi.New(cfg, manager, registry, b, metrics)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := b.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Broker:   b,
		Store:    store,
		Manager:  manager,
		Registry: registry,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
