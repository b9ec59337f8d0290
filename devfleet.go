// Package devfleet provides a top-level convenience entry point for assembling
// a fleet coordinator with minimal boilerplate.
//
// Usage:
//
//	import "github.com/devfleet/devfleet"
//
//	c, err := devfleet.New()
//	c, err := devfleet.New(devfleet.WithLogger(logger))
//	c, err := devfleet.New(devfleet.WithRedisTransport(client, messaging.RedisConfig{}))
//
// The zero-option form wires an in-memory transport, an in-memory availability
// registry and a shared worker pool. Use the accessors to reach the underlying
// services.
package devfleet

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devfleet/devfleet/availability"
	"github.com/devfleet/devfleet/internal/pool"
	"github.com/devfleet/devfleet/lifecycle"
	"github.com/devfleet/devfleet/messaging"
	"github.com/devfleet/devfleet/persistence"
	"github.com/devfleet/devfleet/router"
)

// Coordinator bundles the fleet lifecycle service, the message transport,
// the availability registry and the router behind a single handle.
type Coordinator struct {
	fleet     *lifecycle.Service
	registry  *availability.MemoryProvider
	provider  availability.Provider
	transport messaging.Transport
	router    *router.Router
	workers   *pool.WorkerPool
	logger    *zap.Logger
}

type redisOpt struct {
	client redis.UniversalClient
	cfg    messaging.RedisConfig
}

type options struct {
	logger    *zap.Logger
	transport messaging.Transport
	redis     *redisOpt
	provider  availability.Provider
	store     *persistence.Store
	poolCfg   pool.Config
}

// Option configures the coordinator created by [New].
type Option func(*options)

// WithLogger sets a custom zap logger. Defaults to a production logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransport sets a pre-built message transport. Defaults to the
// in-memory transport.
func WithTransport(t messaging.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRedisTransport wires a Redis Streams transport on the given client.
// The client stays caller-owned and is not closed by [Coordinator.Close].
func WithRedisTransport(client redis.UniversalClient, cfg messaging.RedisConfig) Option {
	return func(o *options) { o.transport = nil; o.redis = &redisOpt{client: client, cfg: cfg} }
}

// WithAvailabilityProvider overrides the read path for agent availability,
// e.g. with a cache-backed provider. Registration still goes through the
// in-memory registry.
func WithAvailabilityProvider(p availability.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithStore persists every state transition into the given store.
func WithStore(s *persistence.Store) Option {
	return func(o *options) { o.store = s }
}

// WithWorkerPool tunes the shared worker pool used for async lifecycle
// events and broadcast fan-out.
func WithWorkerPool(maxWorkers, queueSize int) Option {
	return func(o *options) {
		o.poolCfg.MaxWorkers = maxWorkers
		o.poolCfg.QueueSize = queueSize
	}
}

// New assembles a coordinator from the given options.
func New(opts ...Option) (*Coordinator, error) {
	o := &options{poolCfg: pool.DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
	}

	workers := pool.New(o.poolCfg)

	fleet := lifecycle.NewService(logger).WithDispatcher(workers)

	registry := availability.NewMemoryProvider(logger)
	provider := o.provider
	if provider == nil {
		provider = registry
	}

	transport := o.transport
	if transport == nil {
		if o.redis != nil {
			transport = messaging.NewRedisTransport(o.redis.client, o.redis.cfg, logger)
		} else {
			transport = messaging.NewMemoryTransport(logger)
		}
	}

	if o.store != nil {
		rec := persistence.NewRecorder(o.store, logger)
		fleet.OnEvent(lifecycle.EventPostTransition, rec.Handler())
	}

	return &Coordinator{
		fleet:     fleet,
		registry:  registry,
		provider:  provider,
		transport: transport,
		router:    router.New(transport, fleet, provider, workers, logger),
		workers:   workers,
		logger:    logger,
	}, nil
}

// Fleet returns the lifecycle service.
func (c *Coordinator) Fleet() *lifecycle.Service { return c.fleet }

// Registry returns the write side of the availability registry.
func (c *Coordinator) Registry() availability.Registry { return c.registry }

// Provider returns the read side of agent availability.
func (c *Coordinator) Provider() availability.Provider { return c.provider }

// Transport returns the message transport.
func (c *Coordinator) Transport() messaging.Transport { return c.transport }

// Router returns the capability router.
func (c *Coordinator) Router() *router.Router { return c.router }

// Close shuts down the transport and the worker pool.
func (c *Coordinator) Close(ctx context.Context) error {
	var errs []error
	if err := c.transport.Close(ctx); err != nil && !errors.Is(err, messaging.ErrQueueClosed) {
		errs = append(errs, err)
	}
	c.workers.Close()
	return errors.Join(errs...)
}
