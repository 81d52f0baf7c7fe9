// Package prewarm keeps a bounded pool of ready-to-claim container
// instances so a launch can skip cold-start entirely when one is
// available for the requested fingerprint.
package prewarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/log"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/predictor"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

const (
	// DefaultMaxPrewarmed caps how many pool instances may exist across
	// every fingerprint at once.
	DefaultMaxPrewarmed = 8
	// DefaultCleanupInterval is how often the eviction/top-up loop runs.
	DefaultCleanupInterval = 60 * time.Second
	// DefaultTTL is how long an unclaimed instance sits before eviction.
	DefaultTTL = 600 * time.Second
	// DefaultLookahead is the prediction window consulted for top-up.
	DefaultLookahead = 120 * time.Second
	// DefaultThreshold is the minimum predicted probability that earns an
	// image a top-up instance.
	DefaultThreshold = 0.7
)

// ErrPoolClosing is returned by Claim and Create once Shutdown has begun.
var ErrPoolClosing = errors.New("prewarm pool is shutting down")

// Instance is one ready container, held just short of being handed to a
// caller: either a checkpoint restored and paused, or a cold-started
// container blocked on its entrypoint.
type Instance struct {
	ContainerId    types.ContainerId
	Fingerprint    string
	Image          string
	FromCheckpoint bool
	CreatedAt      time.Time
	// State is the fully-populated ContainerState the Creator built for
	// this instance (ports, cgroup, rootfs, netns already live). The pool
	// never reads it; it is opaque cargo the lifecycle coordinator attaches
	// on Create and reclaims on Claim.
	State *types.ContainerState
}

// Creator builds one new Instance for fingerprint, in the held-just-short
// state described above. Destroyer tears one down (stop + remove).
type Creator func(ctx context.Context, fingerprint, image string) (*Instance, error)
type Destroyer func(ctx context.Context, inst *Instance) error

// Pool is a per-fingerprint set of channel-backed queues sharing one
// global size cap, generalized from a single-image container pool to
// many fingerprints.
type Pool struct {
	mu       sync.Mutex
	queues   map[string]chan *Instance
	size     int
	maxSize  int
	closing  bool
	create   Creator
	destroy  Destroyer
	logger   zerolog.Logger
}

// NewPool returns an empty Pool capped at maxPrewarmed total instances.
func NewPool(maxPrewarmed int, create Creator, destroy Destroyer) *Pool {
	if maxPrewarmed <= 0 {
		maxPrewarmed = DefaultMaxPrewarmed
	}
	return &Pool{
		queues:  make(map[string]chan *Instance),
		maxSize: maxPrewarmed,
		create:  create,
		destroy: destroy,
		logger:  log.WithComponent("prewarm"),
	}
}

func (p *Pool) queueFor(fingerprint string) chan *Instance {
	q, ok := p.queues[fingerprint]
	if !ok {
		q = make(chan *Instance, p.maxSize)
		p.queues[fingerprint] = q
	}
	return q
}

// Claim atomically removes and returns a ready instance matching
// fingerprint, or (nil, false) if none is available. It never blocks.
func (p *Pool) Claim(fingerprint string) (*Instance, bool) {
	p.mu.Lock()
	q, ok := p.queues[fingerprint]
	p.mu.Unlock()
	if !ok {
		metrics.PrewarmMissesTotal.Inc()
		return nil, false
	}

	select {
	case inst := <-q:
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		metrics.PrewarmHitsTotal.Inc()
		p.reportSize()
		return inst, true
	default:
		metrics.PrewarmMissesTotal.Inc()
		return nil, false
	}
}

// Release returns an unused instance to the pool for reuse by a later
// claim. Callers must not use inst after calling Release.
func (p *Pool) Release(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.size >= p.maxSize {
		return
	}
	q := p.queueFor(inst.Fingerprint)
	select {
	case q <- inst:
		p.size++
	default:
		// Queue for this fingerprint is already at cap; drop silently,
		// the caller's container gets torn down by its own caller.
	}
	p.reportSizeLocked()
}

// Create builds and enqueues one new instance for fingerprint/image,
// subject to the global cap. Returns false without error if the pool is
// already full.
func (p *Pool) Create(ctx context.Context, fingerprint, image string) (bool, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return false, ErrPoolClosing
	}
	if p.size >= p.maxSize {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	inst, err := p.create(ctx, fingerprint, image)
	if err != nil {
		return false, hberrors.Wrap(hberrors.Internal, err, "create prewarm instance")
	}

	p.mu.Lock()
	if p.closing || p.size >= p.maxSize {
		p.mu.Unlock()
		go func() {
			if derr := p.destroy(context.Background(), inst); derr != nil {
				p.logger.Warn().Err(derr).Str("fingerprint", fingerprint).Msg("failed to tear down instance created past cap")
			}
		}()
		return false, nil
	}
	q := p.queueFor(fingerprint)
	q <- inst
	p.size++
	p.reportSizeLocked()
	p.mu.Unlock()
	return true, nil
}

// Size returns the current total number of pooled instances across every
// fingerprint.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) reportSize() {
	p.mu.Lock()
	p.reportSizeLocked()
	p.mu.Unlock()
}

func (p *Pool) reportSizeLocked() {
	for fp, q := range p.queues {
		metrics.PrewarmPoolSize.WithLabelValues(fp).Set(float64(len(q)))
	}
}

// Shutdown stops new claims/creates and tears down every pooled instance.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	queues := make([]chan *Instance, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	for _, q := range queues {
		for {
			select {
			case inst := <-q:
				if err := p.destroy(ctx, inst); err != nil {
					p.logger.Warn().Err(err).Str("fingerprint", inst.Fingerprint).Msg("failed to tear down instance during shutdown")
				}
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
			case <-ctx.Done():
				return ctx.Err()
			default:
				goto nextQueue
			}
		}
	nextQueue:
	}
	return nil
}

// Cleaner runs the periodic eviction + predictor-driven top-up loop.
type Cleaner struct {
	pool      *Pool
	pred      *predictor.Predictor
	images    func() map[string]string // fingerprint -> image, snapshot from the daemon's live specs
	ttl       time.Duration
	lookahead time.Duration
	threshold float64
	logger    zerolog.Logger
	stopCh    chan struct{}

	mu      sync.Mutex
	ages    map[*Instance]time.Time
}

// NewCleaner wires pool to predictions from pred. images returns, on each
// tick, the fingerprint->image mapping of specs eligible for top-up (e.g.
// every fingerprint the daemon has ever launched).
func NewCleaner(pool *Pool, pred *predictor.Predictor, images func() map[string]string, ttl, lookahead time.Duration, threshold float64) *Cleaner {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Cleaner{
		pool:      pool,
		pred:      pred,
		images:    images,
		ttl:       ttl,
		lookahead: lookahead,
		threshold: threshold,
		logger:    log.WithComponent("prewarm"),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the cleanup loop every interval until Stop is called.
func (c *Cleaner) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go c.loop(interval)
}

func (c *Cleaner) Stop() { close(c.stopCh) }

func (c *Cleaner) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tick(context.Background(), time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// tick evicts TTL-expired instances, then tops up any image the predictor
// considers likely enough within the next lookahead window.
func (c *Cleaner) tick(ctx context.Context, now time.Time) {
	c.evictExpired(ctx, now)

	preds := c.pred.Predictions(now, c.lookahead, len(c.images()))
	byImage := c.images()
	fpForImage := make(map[string]string, len(byImage))
	for fp, image := range byImage {
		fpForImage[image] = fp
	}

	for _, pred := range preds {
		if pred.Probability < c.threshold {
			continue
		}
		fp, ok := fpForImage[pred.Image]
		if !ok {
			continue
		}
		created, err := c.pool.Create(ctx, fp, pred.Image)
		if err != nil {
			c.logger.Warn().Err(err).Str("image", pred.Image).Msg("top-up create failed")
			continue
		}
		if created {
			c.logger.Info().Str("image", pred.Image).Float64("probability", pred.Probability).Msg("prewarm top-up")
		}
	}
}

func (c *Cleaner) evictExpired(ctx context.Context, now time.Time) {
	c.pool.mu.Lock()
	var expired []*Instance
	for fp, q := range c.pool.queues {
		remaining := make([]*Instance, 0, len(q))
		draining := true
		for draining {
			select {
			case inst := <-q:
				if now.Sub(inst.CreatedAt) > c.ttl {
					expired = append(expired, inst)
					c.pool.size--
				} else {
					remaining = append(remaining, inst)
				}
			default:
				draining = false
			}
		}
		for _, inst := range remaining {
			q <- inst
		}
		if len(remaining) == 0 && len(q) == 0 {
			metrics.PrewarmPoolSize.WithLabelValues(fp).Set(0)
			delete(c.pool.queues, fp)
		}
	}
	c.pool.reportSizeLocked()
	c.pool.mu.Unlock()

	for _, inst := range expired {
		if err := c.pool.destroy(ctx, inst); err != nil {
			c.logger.Warn().Err(err).Str("fingerprint", inst.Fingerprint).Msg("failed to tear down expired prewarm instance")
		}
	}
}
