package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/archive"
	"github.com/sells-group/supplier-cli/internal/cache"
	"github.com/sells-group/supplier-cli/internal/extract"
	"github.com/sells-group/supplier-cli/internal/gateway"
	"github.com/sells-group/supplier-cli/internal/listing"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/pipeline"
	"github.com/sells-group/supplier-cli/internal/store"
	"github.com/sells-group/supplier-cli/internal/tracker"
)

// appEnv holds the store, gateway and pipeline used by the acquire, extract,
// replay and serve commands.
type appEnv struct {
	Store     store.Store
	Gateway   *gateway.Gateway
	Tracker   *tracker.Tracker
	Extractor *extract.Extractor
	Archiver  *archive.Archiver
	Pipeline  *pipeline.Pipeline
	Cache     *cache.Backend // nil unless the cache was opened
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// envOptions selects the optional parts of the environment.
type envOptions struct {
	// Cache opens the bucket backend for cached persistence and replay.
	Cache  bool
	Events chan<- model.Event
}

// initEnv validates config for mode and wires the pipeline. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string, eo envOptions) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	env.Gateway = gateway.New(gateway.OptionsFromConfig(cfg.Gateway))
	env.Tracker = tracker.New(st, tracker.PolicyFromConfig(cfg.Extract))
	env.Extractor = extract.New(env.Gateway, st, env.Tracker, extract.OptionsFromConfig(cfg.Gateway, cfg.Extract))

	var arch extract.Archiver
	env.Archiver = archive.New(cfg.Archive.Dir, env.Gateway, st)
	if cfg.Extract.Archive {
		arch = env.Archiver
	}

	acq := listing.New(env.Gateway, listing.Options{
		Endpoints: listing.Endpoints{
			SearchURL:   cfg.Acquire.SearchURL,
			CategoryURL: cfg.Acquire.CategoryURL,
		},
		PauseMin:   time.Duration(cfg.Acquire.PauseMinMs) * time.Millisecond,
		PauseMax:   time.Duration(cfg.Acquire.PauseMaxMs) * time.Millisecond,
		MaxRetries: cfg.Gateway.MaxRetries,
		Timeout:    cfg.Gateway.Timeout(),
	})
	acq.OnPageFailure = func(ctx context.Context, f model.PageFailure) {
		if err := st.RecordPageFailure(context.WithoutCancel(ctx), f); err != nil {
			zap.L().Warn("record page failure", zap.Int("page", f.Page), zap.Error(err))
		}
	}

	var rec *cache.Reconciler
	if eo.Cache {
		backend, err := cache.Open(ctx, cfg.Cache)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Cache = backend
		rec = cache.NewReconciler(backend.Buckets, st, cache.ReconcilerOptions(cfg.Cache, backend.Locker))
	}

	opts := pipeline.OptionsFromConfig(cfg)
	opts.Events = eo.Events
	env.Pipeline = pipeline.New(pipeline.Deps{
		Store:      st,
		Acquirer:   acq,
		Runner:     extract.NewRunner(env.Extractor, st, arch),
		Reconciler: rec,
	}, opts)

	return env, nil
}
