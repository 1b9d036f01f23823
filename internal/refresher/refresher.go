// Package refresher periodically pulls list contents through the API client
// into the snapshot cache.
package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/cache"
	"github.com/starford/anylist/internal/events"
	"github.com/starford/anylist/internal/listclient"
)

const (
	DefaultInterval    = 5 * time.Minute
	defaultConcurrency = 4
)

// Event types.
const (
	EventListUpdated   = "list.updated"
	EventRefreshFailed = "refresh.failed"
)

// ListUpdated is the payload of EventListUpdated.
type ListUpdated struct {
	List  string `json:"list"`
	Count int    `json:"count"`
}

// RefreshFailed is the payload of EventRefreshFailed.
type RefreshFailed struct {
	List    string `json:"list,omitempty"`
	Message string `json:"message"`
}

// Status describes the last completed refresh.
type Status struct {
	LastRun time.Time `json:"last_run"`
	Error   string    `json:"error,omitempty"`
}

// Refresher owns the refresh loop. Trigger may be called from any goroutine.
type Refresher struct {
	reader      listclient.ListReader
	store       cache.Store
	broker      *events.Broker
	logger      *slog.Logger
	lists       []string
	interval    time.Duration
	concurrency int
	now         func() time.Time

	trigger chan struct{}

	mu     sync.Mutex
	status Status
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLists fixes the lists to refresh. Without it the service is asked for
// every list on each run.
func WithLists(lists ...string) Option {
	return func(r *Refresher) { r.lists = append([]string(nil), lists...) }
}

// WithInterval sets the time between runs.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBroker publishes refresh events on b.
func WithBroker(b *events.Broker) Option {
	return func(r *Refresher) { r.broker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.logger = l }
}

// WithConcurrency bounds how many lists are fetched at once.
func WithConcurrency(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides the time source for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// New creates a Refresher.
func New(reader listclient.ListReader, store cache.Store, opts ...Option) *Refresher {
	r := &Refresher{
		reader:      reader,
		store:       store,
		logger:      slog.Default(),
		interval:    DefaultInterval,
		concurrency: defaultConcurrency,
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Interval returns the configured refresh interval.
func (r *Refresher) Interval() time.Duration {
	return r.interval
}

// Run refreshes immediately, then on every tick or Trigger, until ctx is
// cancelled. Failed runs are logged and do not stop the loop.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("refresher: started", slog.Duration("interval", r.interval))
	for {
		if err := r.RefreshAll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("refresher: run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("refresher: stopped")
			return nil
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}

// Trigger asks the loop for an immediate run. Requests made while one is
// already pending are coalesced.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Status reports the outcome of the last run.
func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RefreshAll refreshes every configured or discovered list. The returned
// error is the first list failure; other lists are still refreshed.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	err := r.refreshAll(ctx)

	r.mu.Lock()
	r.status = Status{LastRun: r.now()}
	if err != nil {
		r.status.Error = err.Error()
	}
	r.mu.Unlock()
	return err
}

func (r *Refresher) refreshAll(ctx context.Context) error {
	lists, err := r.targets(ctx)
	if err != nil {
		r.publishFailure("", err)
		return err
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, list := range lists {
		list := list
		g.Go(func() error {
			return r.RefreshList(ctx, list)
		})
	}
	return g.Wait()
}

func (r *Refresher) targets(ctx context.Context) ([]string, error) {
	if len(r.lists) > 0 {
		return r.lists, nil
	}
	status, lists, err := r.reader.GetLists(ctx)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperr.WithCode(apperr.KindServer, "list discovery failed", status)
	}
	return lists, nil
}

// RefreshList fetches one list and replaces its snapshot. A non-200 answer
// fails the refresh and leaves the previous snapshot in place.
func (r *Refresher) RefreshList(ctx context.Context, list string) error {
	status, items, err := r.reader.GetDetailedItems(ctx, list)
	if err == nil && status != http.StatusOK {
		err = apperr.WithCode(apperr.KindServer, "refresh "+list+" failed", status)
	}
	if err != nil {
		r.publishFailure(list, err)
		return err
	}

	if err := r.store.SaveItems(list, items, r.now()); err != nil {
		err = fmt.Errorf("refresher: save %s: %w", list, err)
		r.publishFailure(list, err)
		return err
	}

	r.logger.Debug("refresher: list updated", slog.String("list", list), slog.Int("items", len(items)))
	r.publish(events.Event{Type: EventListUpdated, Data: ListUpdated{List: list, Count: len(items)}})
	return nil
}

func (r *Refresher) publishFailure(list string, err error) {
	r.logger.Warn("refresher: refresh failed", slog.String("list", list), slog.String("error", err.Error()))
	r.publish(events.Event{Type: EventRefreshFailed, Data: RefreshFailed{List: list, Message: err.Error()}})
}

func (r *Refresher) publish(ev events.Event) {
	if r.broker != nil {
		r.broker.Publish(ev)
	}
}
