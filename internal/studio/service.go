// Package studio holds the application services behind the HTTP API:
// sessions, one-shot generation, chat, long-running jobs and uploads.
package studio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/cache"
	"github.com/kiranshivaraju/gemstudio/internal/config"
	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/store"
)

// jobStateTTL bounds how long the last observed remote state stays cached.
const jobStateTTL = 30 * time.Minute

// Options tunes a Service. Zero values fall back to the config defaults.
type Options struct {
	DefaultModel      string
	DefaultVideoModel string
	PollInterval      time.Duration
	FilePollInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultModel == "" {
		o.DefaultModel = config.DefaultModel
	}
	if o.DefaultVideoModel == "" {
		o.DefaultVideoModel = config.DefaultVideoModel
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollInterval
	}
	if o.FilePollInterval <= 0 {
		o.FilePollInterval = config.DefaultFilePollInterval
	}
	return o
}

// Service orchestrates upstream calls and persists their effects.
type Service struct {
	api    gemini.API
	store  store.Store
	cache  cache.Cache
	locker Locker
	opts   Options
	now    func() time.Time

	// baseCtx parents every background poll; Close cancels it.
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]*pollRun
}

// New creates a Service. A nil locker means an in-process one.
func New(api gemini.API, st store.Store, c cache.Cache, locker Locker, opts Options) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		api:     api,
		store:   st,
		cache:   c,
		locker:  locker,
		opts:    opts.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		baseCtx: ctx,
		stop:    cancel,
		running: make(map[uuid.UUID]*pollRun),
	}
}

// Close cancels every background poll and waits for them to return. Jobs
// being polled stay pending and are picked up by ResumePending next start.
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}
