package ledger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"execcore/internal/logger"
)

// ErrStopped is returned by Do once the ledger is shut down.
var ErrStopped = errors.New("ledger is stopped")

type actorCtxKey struct{}

// envelope is one unit of work for a symbol actor.
type envelope struct {
	ctx     context.Context
	fn      func(ctx context.Context) error
	replyCh chan error
	queued  time.Time
}

// symbolActor serializes every mutation of one symbol.
type symbolActor struct {
	symbol string
	msgCh  chan envelope
	slow   time.Duration
	idle   time.Duration

	// refs counts Do calls holding the actor; guarded by Ledger.actorsMu.
	refs int
}

// run serves the mailbox until stopCh closes or retire accepts an idle exit.
func (a *symbolActor) run(stopCh <-chan struct{}, retire func(*symbolActor) bool, done func()) {
	defer done()
	logger.Debugf("ledger actor %s started", a.symbol)
	idle := time.NewTimer(a.idle)
	defer idle.Stop()
	for {
		select {
		case env := <-a.msgCh:
			a.handle(env)
			idle.Reset(a.idle)
		case <-idle.C:
			if retire(a) {
				logger.Debugf("ledger actor %s retired after %v idle", a.symbol, a.idle)
				return
			}
			idle.Reset(a.idle)
		case <-stopCh:
			// Drain so no caller blocks forever on a reply.
			for {
				select {
				case env := <-a.msgCh:
					env.replyCh <- ErrStopped
					close(env.replyCh)
				default:
					logger.Debugf("ledger actor %s stopping", a.symbol)
					return
				}
			}
		}
	}
}

// handle runs one envelope with panic recovery and a slow-handler warning.
func (a *symbolActor) handle(env envelope) {
	var err error
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("ledger actor %s panic: %v", a.symbol, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
		}
		env.replyCh <- err
		close(env.replyCh)
		if dur := time.Since(start); dur > a.slow {
			logger.Warnf("ledger actor %s: slow operation took %v (queued %v)", a.symbol, dur, start.Sub(env.queued))
		}
	}()

	if cerr := env.ctx.Err(); cerr != nil {
		err = cerr
		return
	}
	err = env.fn(context.WithValue(env.ctx, actorCtxKey{}, a.symbol))
}

// Do runs fn on the single-writer actor of symbol and waits for it. Calls
// made from inside that actor (ctx carries the marker) run inline, so
// ledger operations compose inside a Do block.
func (l *Ledger) Do(ctx context.Context, symbol string, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(actorCtxKey{}).(string); ok && owner == symbol {
		return fn(ctx)
	}
	actor, err := l.actorFor(symbol)
	if err != nil {
		return err
	}
	defer l.release(actor)
	env := envelope{ctx: ctx, fn: fn, replyCh: make(chan error, 1), queued: time.Now()}
	select {
	case actor.msgCh <- env:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return ErrStopped
	}
	select {
	case err := <-env.replyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopCh:
		return ErrStopped
	}
}

// InActor reports whether ctx is executing on symbol's actor.
func InActor(ctx context.Context, symbol string) bool {
	owner, ok := ctx.Value(actorCtxKey{}).(string)
	return ok && owner == symbol
}

func (l *Ledger) actorFor(symbol string) (*symbolActor, error) {
	if symbol == "" {
		return nil, fmt.Errorf("ledger: symbol is required")
	}
	l.actorsMu.Lock()
	defer l.actorsMu.Unlock()
	if l.stopped {
		return nil, ErrStopped
	}
	if a, ok := l.actors[symbol]; ok {
		a.refs++
		return a, nil
	}
	a := &symbolActor{
		symbol: symbol,
		msgCh:  make(chan envelope, l.opts.MailboxSize),
		slow:   l.opts.SlowThreshold,
		idle:   l.opts.ActorIdleTimeout,
		refs:   1,
	}
	l.actors[symbol] = a
	l.wg.Add(1)
	go a.run(l.stopCh, l.retire, l.wg.Done)
	return a, nil
}

func (l *Ledger) release(a *symbolActor) {
	l.actorsMu.Lock()
	a.refs--
	l.actorsMu.Unlock()
}

// retire drops an idle actor from the registry. It refuses while a Do call
// holds the actor or work is queued; the next Do for the symbol starts a
// fresh actor.
func (l *Ledger) retire(a *symbolActor) bool {
	l.actorsMu.Lock()
	defer l.actorsMu.Unlock()
	if l.stopped || a.refs > 0 || len(a.msgCh) > 0 {
		return false
	}
	if l.actors[a.symbol] == a {
		delete(l.actors, a.symbol)
	}
	return true
}

// actorCount reports how many symbol actors are running.
func (l *Ledger) actorCount() int {
	l.actorsMu.Lock()
	defer l.actorsMu.Unlock()
	return len(l.actors)
}

// Stop terminates every actor. Pending Do calls return ErrStopped.
func (l *Ledger) Stop() {
	l.actorsMu.Lock()
	if l.stopped {
		l.actorsMu.Unlock()
		return
	}
	l.stopped = true
	close(l.stopCh)
	l.actorsMu.Unlock()
	l.wg.Wait()
}
