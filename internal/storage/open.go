package storage

import (
	"context"

	"github.com/dharsanguruparan/CrashVault/internal/config"
	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/throttle"
)

// MemoryProject selects the in-process transport instead of Bigtable.
const MemoryProject = "memory"

// Transport builds the column-family transport named by the config.
func Transport(cfg *config.Config) crashstore.Transport {
	return TransportFactory(cfg)()
}

// TransportFactory returns a constructor yielding one independent connection
// per call. Sessions of the in-memory store share its tables.
func TransportFactory(cfg *config.Config) func() crashstore.Transport {
	if cfg.StoreProject == MemoryProject && cfg.StoreEmulator == "" {
		log.Warningf("using the in-memory store; reports do not outlive the process")
		root := crashstore.NewMemoryTransport()
		return func() crashstore.Transport { return root.Session() }
	}
	opts := crashstore.BigtableOptions{
		Project:  cfg.StoreProject,
		Instance: cfg.StoreInstance,
		Emulator: cfg.StoreEmulator,
		Timeout:  cfg.StoreTimeout,
	}
	return func() crashstore.Transport { return crashstore.NewBigtableTransport(opts) }
}

// OpenStore connects a store client over t with the config's retry policy.
func OpenStore(ctx context.Context, cfg *config.Config, t crashstore.Transport) (*crashstore.Client, error) {
	return crashstore.New(ctx, t, crashstore.Options{
		Retries:    cfg.StoreRetries,
		RetryDelay: cfg.StoreRetryDelay,
	})
}

// OpenFallback returns the filesystem fallback, or nil when none is
// configured.
func OpenFallback(cfg *config.Config) *FSStorage {
	if cfg.FallbackRoot == "" {
		return nil
	}
	return NewFSStorage(FSOptions{
		Root:       cfg.FallbackRoot,
		DirDepth:   cfg.FallbackDirDepth,
		JSONSuffix: cfg.JSONSuffix,
		DumpSuffix: cfg.DumpSuffix,
		CacheBytes: cfg.FallbackCacheBytes,
	})
}

// OpenThrottler loads the configured rule file, or the default rules.
func OpenThrottler(cfg *config.Config) (*throttle.Throttler, error) {
	rules := throttle.DefaultRules()
	if cfg.ThrottleRules != "" {
		var err error
		if rules, err = throttle.LoadRules(cfg.ThrottleRules); err != nil {
			return nil, err
		}
	}
	opts := rules.Options()
	opts.NeverDiscard = opts.NeverDiscard || cfg.NeverDiscard
	return throttle.New(rules.Rules, opts), nil
}

// NewStorePool returns a pool whose workers each connect their own store
// client over a fresh transport from newTransport.
func NewStorePool(cfg *config.Config, newTransport func() crashstore.Transport) *Pool {
	return NewPool(func(ctx context.Context) (CrashStorage, error) {
		client, err := OpenStore(ctx, cfg, newTransport())
		if err != nil {
			return nil, err
		}
		return NewStoreStorage(client), nil
	})
}

// OpenCollector wires the throttler, the store and the fallback. Failing to
// reach the store at startup is an error even when a fallback is configured.
func OpenCollector(ctx context.Context, cfg *config.Config, t crashstore.Transport) (*Collector, error) {
	throttler, err := OpenThrottler(cfg)
	if err != nil {
		return nil, err
	}
	client, err := OpenStore(ctx, cfg, t)
	if err != nil {
		return nil, err
	}
	var fallback CrashStorage
	if fs := OpenFallback(cfg); fs != nil {
		fallback = fs
	}
	return NewCollector(throttler, NewStoreStorage(client), fallback), nil
}
