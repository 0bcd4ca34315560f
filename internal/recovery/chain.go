package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Chain dispatches a failure to the first strategy, by descending priority,
// that can handle it.
type Chain struct {
	mu         sync.RWMutex
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain creates a chain holding the given strategies.
func NewChain(strategies ...Strategy) *Chain {
	c := &Chain{logger: slog.Default()}
	for _, s := range strategies {
		c.Register(s)
	}
	return c
}

// SetLogger replaces the chain's logger.
func (c *Chain) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = l
}

// Register adds s, replacing any strategy with the same name. Strategies with
// equal priority keep registration order.
func (c *Chain) Register(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(s.Name())
	c.strategies = append(c.strategies, s)
	sort.SliceStable(c.strategies, func(i, j int) bool {
		return c.strategies[i].Priority() > c.strategies[j].Priority()
	})
}

// Remove deletes the named strategy. It reports whether one was removed.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(name)
}

func (c *Chain) removeLocked(name string) bool {
	for i, s := range c.strategies {
		if s.Name() == name {
			c.strategies = append(c.strategies[:i], c.strategies[i+1:]...)
			return true
		}
	}
	return false
}

// Strategies returns strategy names in dispatch order.
func (c *Chain) Strategies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Select returns the strategy that would handle f, if any.
func (c *Chain) Select(f *Failure) (Strategy, bool) {
	c.mu.RLock()
	strategies := append([]Strategy(nil), c.strategies...)
	logger := c.logger
	c.mu.RUnlock()

	for _, s := range strategies {
		if canHandle(logger, s, f) {
			return s, true
		}
	}
	return nil, false
}

func canHandle(logger *slog.Logger, s Strategy, f *Failure) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovery strategy CanHandle panicked", "strategy", s.Name(), "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return s.CanHandle(f)
}

// Execute runs the selected strategy. It never panics: strategy panics and
// errors are reported as failed results.
func (c *Chain) Execute(ctx context.Context, f *Failure) Result {
	s, ok := c.Select(f)
	if !ok {
		return Result{Action: ActionEscalated, Message: "no recovery strategy can handle this failure"}
	}

	res := c.run(ctx, s, f)
	res.Strategy = s.Name()
	return res
}

func (c *Chain) run(ctx context.Context, s Strategy, f *Failure) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.RLock()
			logger := c.logger
			c.mu.RUnlock()
			logger.Error("recovery strategy panicked", "strategy", s.Name(), "panic", fmt.Sprint(r))
			res = Result{Action: ActionEscalated, Message: fmt.Sprintf("strategy %s panicked: %v", s.Name(), r)}
		}
	}()

	res, err := s.Recover(ctx, f)
	if err != nil {
		res.Success = false
		if res.Action == "" {
			res.Action = ActionEscalated
		}
		res.Message = err.Error()
	}
	return res
}
