package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"uniqua/internal/bus"
	"uniqua/internal/domain"
)

const (
	defaultConcurrency    = 3
	defaultHandlerTimeout = 180 * time.Second
)

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Registry       *Registry
	Bus            domain.MessageBus
	Limiter        *RateLimiter  // optional
	Events         *bus.EventBus // optional
	Concurrency    int           // max messages handled in parallel (default 3)
	HandlerTimeout time.Duration // per handler (default 180s)
	Logger         *slog.Logger
}

// Dispatcher consumes inbound messages and runs the first matching action.
type Dispatcher struct {
	registry       *Registry
	bus            domain.MessageBus
	limiter        *RateLimiter
	events         *bus.EventBus
	concurrency    int
	handlerTimeout time.Duration
	logger         *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	return &Dispatcher{
		registry:       cfg.Registry,
		bus:            cfg.Bus,
		limiter:        cfg.Limiter,
		events:         cfg.Events,
		concurrency:    cfg.Concurrency,
		handlerTimeout: cfg.HandlerTimeout,
		logger:         cfg.Logger,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus closes, then waits for running handlers.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency, "actions", d.registry.Names())

	sem := make(chan struct{}, d.concurrency)
	inbound := d.bus.Subscribe()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(m domain.InboundMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				d.Dispatch(ctx, m)
			}(msg)
		}
	}
}

// Dispatch runs the matching action for msg synchronously. It reports
// whether an action handled the message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) bool {
	a := d.registry.Match(ctx, msg)
	if a == nil {
		d.logger.Debug("no action matched", "channel", msg.Channel, "sender", msg.SenderID)
		return false
	}

	if d.limiter != nil && !d.limiter.Allow() {
		d.logger.Warn("action rate limited, waiting", "action", a.Name(), "channel", msg.Channel)
		if d.events != nil {
			d.events.Emit(bus.Event{
				Type:    bus.EventRateLimited,
				Source:  msg.Channel,
				Payload: map[string]any{"action": a.Name()},
			})
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("dropping message while rate limited", "err", err)
			return false
		}
	}

	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	d.logger.Info("running action",
		"action", a.Name(),
		"channel", msg.Channel,
		"sender", msg.SenderID,
	)
	start := time.Now()
	err := d.safeHandle(hctx, a, msg)
	if err != nil {
		d.logger.Warn("action finished with error", "action", a.Name(), "err", err, "took", time.Since(start))
	} else {
		d.logger.Info("action finished", "action", a.Name(), "took", time.Since(start))
	}
	return true
}

func (d *Dispatcher) safeHandle(ctx context.Context, a domain.Action, msg domain.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", a.Name(), r)
		}
	}()
	return a.Handle(ctx, msg, d.callbackFor(msg))
}

// callbackFor returns a callback that replies in the originating chat.
func (d *Dispatcher) callbackFor(msg domain.InboundMessage) domain.Callback {
	return func(_ context.Context, resp domain.Response) error {
		d.bus.SendOutbound(domain.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			ReplyTo: msg.MessageID,
			Content: resp.Text,
			Action:  resp.Action,
			Error:   resp.Error,
			Media:   resp.Media,
		})
		return nil
	}
}
