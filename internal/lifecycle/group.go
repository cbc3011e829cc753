package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type component struct {
	name string
	run  func(ctx context.Context) error
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Group runs long-running components side by side. The first component to
// fail cancels the others. Stop hooks run in reverse registration order
// once every component has returned.
type Group struct {
	lg zerolog.Logger

	components []component
	hooks      []hook

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewGroup(lg zerolog.Logger) *Group {
	return &Group{lg: lg.With().Str("component", "lifecycle").Logger()}
}

// Go registers a component. run must return when ctx is cancelled.
func (g *Group) Go(name string, run func(ctx context.Context) error) {
	g.components = append(g.components, component{name: name, run: run})
}

// OnStop registers a shutdown hook.
func (g *Group) OnStop(name string, fn func(ctx context.Context) error) {
	g.hooks = append(g.hooks, hook{name: name, fn: fn})
}

// Start blocks until ctx is cancelled, Stop is called or a component fails.
func (g *Group) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return errors.New("lifecycle: group already stopped")
	}
	g.cancel = cancel
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()
	defer close(done)

	eg, egctx := errgroup.WithContext(ctx)
	for _, c := range g.components {
		eg.Go(func() error {
			g.lg.Info().Str("name", c.name).Msg("component starting")
			err := c.run(egctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				g.lg.Error().Err(err).Str("name", c.name).Msg("component failed")
				return fmt.Errorf("%s: %w", c.name, err)
			}
			g.lg.Info().Str("name", c.name).Msg("component stopped")
			return nil
		})
	}
	return eg.Wait()
}

// Stop cancels the components, waits for them and then runs the hooks.
// It is safe to call more than once; only the first call runs the hooks.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for components: %w", ctx.Err()))
		}
	}

	for i := len(g.hooks) - 1; i >= 0; i-- {
		h := g.hooks[i]
		if err := h.fn(ctx); err != nil {
			g.lg.Warn().Err(err).Str("hook", h.name).Msg("stop hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}
