package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"claimdesk/api/internal/store"
	"claimdesk/api/internal/thread"
	"claimdesk/api/internal/util"
)

const (
	defaultWatchBackoff    = 100 * time.Millisecond
	defaultWatchMaxBackoff = 5 * time.Second
)

type WatchOptions struct {
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Retryable decides whether a failed reconcile is worth another attempt.
	// Nil retries everything.
	Retryable func(error) bool
	Logger    *slog.Logger
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.Backoff <= 0 {
		o.Backoff = defaultWatchBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultWatchMaxBackoff
	}
	if o.Retryable == nil {
		o.Retryable = func(error) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// ThreadFetch reads the authoritative claim and thread.
type ThreadFetch func(ctx context.Context) (store.Claim, []store.Message, error)

// BadgeFetch reads the viewer's whole badge.
type BadgeFetch func(ctx context.Context) (thread.Badge, error)

// UnreadFetch reads one claim's unread count for the viewer.
type UnreadFetch func(ctx context.Context, claimID string) (int, error)

// watcher runs the subscribe, reconcile, apply cycle shared by thread and
// badge watches. Updates carry whole snapshots; a slow reader only ever sees
// the latest.
type watcher[T any] struct {
	updates chan T
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newWatcher[T any](ctx context.Context) (*watcher[T], context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &watcher[T]{
		updates: make(chan T, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}, ctx
}

func (w *watcher[T]) emit(v T) {
	for {
		select {
		case w.updates <- v:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}

func (w *watcher[T]) finish(err error) {
	w.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		w.err = err
	}
	w.mu.Unlock()
	close(w.updates)
	close(w.done)
}

// Updates yields snapshots until the watch ends, then closes.
func (w *watcher[T]) Updates() <-chan T { return w.updates }

func (w *watcher[T]) Done() <-chan struct{} { return w.done }

// Err is the reason the watch stopped on its own, nil after Close.
func (w *watcher[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *watcher[T]) Close() {
	w.cancel()
	<-w.done
}

// session is one subscription's lifetime. It returns nil when the
// subscription was lost and should be re-established, or the error that
// ends the watch.
type session func(ctx context.Context, sub Subscription) error

func run(ctx context.Context, bus Bus, topics []string, opts WatchOptions, step session) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub, err := bus.Subscribe(ctx, topics...)
		if err == nil {
			err = step(ctx, sub)
			sub.Close()
			if err == nil {
				attempt = 0
				opts.Logger.Debug("watch resubscribing", "topics", topics)
				continue
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !opts.Retryable(err) {
			return err
		}
		delay := util.Backoff(attempt, opts.Backoff, opts.MaxBackoff)
		attempt++
		opts.Logger.Warn("watch retrying", "topics", topics, "attempt", attempt, "delay", delay, "error", err)
		if err := util.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

type ThreadWatch struct {
	*watcher[ThreadSnapshot]
	view *ThreadView
}

// WatchThread keeps view current. It subscribes before every reconcile so
// nothing committed after the read is missed, and reconciles again whenever
// the subscription drops or a position gap shows an event was lost.
func WatchThread(ctx context.Context, bus Bus, view *ThreadView, fetch ThreadFetch, opts WatchOptions) *ThreadWatch {
	opts = opts.withDefaults()
	w, ctx := newWatcher[ThreadSnapshot](ctx)
	tw := &ThreadWatch{watcher: w, view: view}

	reconcile := func(ctx context.Context) error {
		c, messages, err := fetch(ctx)
		if err != nil {
			return err
		}
		view.Reset(c, messages)
		w.emit(view.Snapshot())
		return nil
	}

	go func() {
		w.finish(run(ctx, bus, []string{ClaimTopic(view.ClaimID())}, opts, func(ctx context.Context, sub Subscription) error {
			if err := reconcile(ctx); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-sub.Done():
					if err := sub.Err(); err != nil {
						opts.Logger.Info("thread subscription lost", "claim_id", view.ClaimID(), "error", err)
					}
					return nil
				case e := <-sub.Events():
					if !view.Apply(e) {
						continue
					}
					if view.NeedsReconcile() {
						if err := reconcile(ctx); err != nil {
							return err
						}
						continue
					}
					w.emit(view.Snapshot())
				}
			}
		}))
	}()
	return tw
}

func (t *ThreadWatch) View() *ThreadView {
	return t.view
}

type BadgeWatch struct {
	*watcher[thread.Badge]
	view *BadgeView
}

// WatchBadge keeps view current from topic, the viewer's subject topic or
// the staff topic.
func WatchBadge(ctx context.Context, bus Bus, topic string, view *BadgeView, all BadgeFetch, one UnreadFetch, opts WatchOptions) *BadgeWatch {
	opts = opts.withDefaults()
	w, ctx := newWatcher[thread.Badge](ctx)
	bw := &BadgeWatch{watcher: w, view: view}

	go func() {
		w.finish(run(ctx, bus, []string{topic}, opts, func(ctx context.Context, sub Subscription) error {
			badge, err := all(ctx)
			if err != nil {
				return err
			}
			view.Reset(badge)
			w.emit(view.Snapshot())
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-sub.Done():
					return nil
				case e := <-sub.Events():
					if !view.Apply(e) {
						continue
					}
					for _, claimID := range view.Dirty() {
						n, err := one(ctx, claimID)
						if err != nil {
							return err
						}
						view.Refresh(claimID, n)
					}
					w.emit(view.Snapshot())
				}
			}
		}))
	}()
	return bw
}

func (b *BadgeWatch) View() *BadgeView {
	return b.view
}
