package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/wasession/clock"
	"github.com/opd-ai/wasession/store"
)

// Defaults applied by NewResolver.
const (
	DefaultCacheSize     = 4096
	DefaultTTL           = 5 * time.Minute
	DefaultLookupTimeout = 10 * time.Second
)

var (
	// ErrResolutionTimeout is returned when a device lookup does not finish
	// within the lookup timeout.
	ErrResolutionTimeout = errors.New("device resolution timed out")
	// ErrInvalidUser is returned for an empty user.
	ErrInvalidUser = errors.New("invalid user")
)

// Querier looks up the current device list of a user. Implementations must
// return when ctx is done.
type Querier interface {
	QueryDevices(ctx context.Context, user string) ([]store.Address, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, user string) ([]store.Address, error)

// QueryDevices calls f.
func (f QuerierFunc) QueryDevices(ctx context.Context, user string) ([]store.Address, error) {
	return f(ctx, user)
}

// Config configures a Resolver.
type Config struct {
	CacheSize     int
	TTL           time.Duration
	LookupTimeout time.Duration
	Clock         clock.Clock
	Logger        logrus.FieldLogger
}

type entry struct {
	devices []store.Address
	expires time.Time
}

// Resolver resolves and caches device lists.
type Resolver struct {
	querier Querier
	cfg     Config
	clock   clock.Clock
	logger  logrus.FieldLogger
	cache   *lru.Cache
	group   singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64
}

// NewResolver returns a Resolver using q for cache misses.
func NewResolver(q Querier, cfg Config) (*Resolver, error) {
	if q == nil {
		return nil, errors.New("nil querier")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		querier: q,
		cfg:     cfg,
		clock:   clock.OrReal(cfg.Clock),
		logger:  cfg.Logger.WithField("package", "devices"),
		cache:   cache,
		gens:    make(map[string]uint64),
	}, nil
}

// Devices returns the devices of user ordered by device id.
func (r *Resolver) Devices(ctx context.Context, user string) ([]store.Address, error) {
	if user == "" {
		return nil, ErrInvalidUser
	}
	if devs, ok := r.cached(user); ok {
		return devs, nil
	}

	ch := r.group.DoChan(user, func() (interface{}, error) {
		return r.lookup(user)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]store.Address)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve returns the devices of every user, concatenated in input order.
// Users are looked up concurrently; duplicates are resolved once.
func (r *Resolver) Resolve(ctx context.Context, users ...string) ([]store.Address, error) {
	seen := make(map[string]bool, len(users))
	unique := make([]string, 0, len(users))
	for _, u := range users {
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}

	results := make([][]store.Address, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range unique {
		g.Go(func() error {
			devs, err := r.Devices(gctx, u)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", u, err)
			}
			results[i] = devs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []store.Address
	for _, devs := range results {
		out = append(out, devs...)
	}
	return out, nil
}

// Update replaces the cached device list of user, e.g. from a notification
// that carries the full list.
func (r *Resolver) Update(user string, devices []store.Address) {
	r.mu.Lock()
	r.gens[user]++
	r.mu.Unlock()
	r.add(user, devices)
}

// Invalidate drops the cached device list of user. A lookup already in
// flight does not repopulate the cache.
func (r *Resolver) Invalidate(user string) {
	r.mu.Lock()
	r.gens[user]++
	r.mu.Unlock()
	r.cache.Remove(user)
	r.logger.WithFields(logrus.Fields{
		"function": "Invalidate",
		"user":     user,
	}).Debug("Device list invalidated")
}

// Purge drops every cached device list.
func (r *Resolver) Purge() {
	r.mu.Lock()
	for u := range r.gens {
		r.gens[u]++
	}
	r.mu.Unlock()
	r.cache.Purge()
}

// Len returns the number of cached users.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) cached(user string) ([]store.Address, bool) {
	v, ok := r.cache.Get(user)
	if !ok {
		return nil, false
	}
	e := v.(entry)
	if !r.clock.Now().Before(e.expires) {
		r.cache.Remove(user)
		return nil, false
	}
	return clone(e.devices), true
}

func (r *Resolver) add(user string, devices []store.Address) {
	devs := clone(devices)
	sortDevices(devs)
	r.cache.Add(user, entry{devices: devs, expires: r.clock.Now().Add(r.cfg.TTL)})
}

func (r *Resolver) lookup(user string) ([]store.Address, error) {
	r.mu.Lock()
	gen := r.gens[user]
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	timer := r.clock.AfterFunc(r.cfg.LookupTimeout, cancel)
	defer timer.Stop()
	defer cancel()

	devs, err := r.querier.QueryDevices(ctx, user)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %s after %s", ErrResolutionTimeout, user, r.cfg.LookupTimeout)
		}
		r.logger.WithFields(logrus.Fields{
			"function": "lookup",
			"user":     user,
			"error":    err.Error(),
		}).Warn("Device lookup failed")
		return nil, err
	}
	devs = clone(devs)
	sortDevices(devs)

	r.mu.Lock()
	current := r.gens[user] == gen
	r.mu.Unlock()
	if current {
		r.add(user, devs)
	}

	r.logger.WithFields(logrus.Fields{
		"function": "lookup",
		"user":     user,
		"devices":  len(devs),
	}).Debug("Resolved devices")
	return devs, nil
}

func sortDevices(devs []store.Address) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].Device < devs[j].Device })
}

func clone(devs []store.Address) []store.Address {
	return append([]store.Address(nil), devs...)
}
