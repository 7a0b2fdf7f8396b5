package services

import (
	"context"
	"sync"
	"time"
)

// interrupter is a re-armable cancellation signal. Interrupt wakes every
// pending Sleep and raceInterrupt until Clear is called.
type interrupter struct {
	mu sync.Mutex
	ch chan struct{}
}

func newInterrupter() *interrupter {
	return &interrupter{ch: make(chan struct{})}
}

func (i *interrupter) Interrupt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.ch:
	default:
		close(i.ch)
	}
}

func (i *interrupter) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.ch:
		i.ch = make(chan struct{})
	default:
	}
}

func (i *interrupter) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ch
}

func (i *interrupter) Interrupted() bool {
	select {
	case <-i.Done():
		return true
	default:
		return false
	}
}

// Sleep waits for d. It returns false if interrupted or ctx ends first.
func (i *interrupter) Sleep(ctx context.Context, d time.Duration) bool {
	done := i.Done()
	if d <= 0 {
		select {
		case <-done:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
}

// raceInterrupt runs fn and stops waiting for it once interrupted. fn is not
// cancelled; its late result is dropped.
func raceInterrupt[T any](ctx context.Context, i *interrupter, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	done := i.Done()
	select {
	case <-done:
		return zero, ErrInterrupted
	default:
	}

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-done:
		return zero, ErrInterrupted
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
