package docstore

import (
	"context"
	"sync"
)

// Notifier broadcasts "something may have changed" to any number of waiters.
// Wait must be called before reading state so a concurrent Notify is never
// missed.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Wait returns a channel that is closed by the next Notify.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *Notifier) Notify() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// DocReader reads the current state of one document.
type DocReader func(ctx context.Context) (DocSnapshot, error)

// EntryReader returns the entries with Seq greater than after, in Seq order.
type EntryReader func(ctx context.Context, after int64) ([]Entry, error)

// StartDocSubscription runs RunDocSubscription on its own goroutine and
// returns the matching Unsubscribe. stop, if non-nil, runs once the loop has
// exited.
func StartDocSubscription(ctx context.Context, read DocReader, wake func() <-chan struct{}, fn func(DocSnapshot), onErr func(error), stop func()) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		if stop != nil {
			defer stop()
		}
		RunDocSubscription(ctx, read, wake, fn, onErr)
	}()
	return Unsubscribe(cancel)
}

// StartCollectionSubscription is the collection counterpart of
// StartDocSubscription.
func StartCollectionSubscription(ctx context.Context, read EntryReader, wake func() <-chan struct{}, fn func(Entry), onErr func(error), stop func()) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		if stop != nil {
			defer stop()
		}
		RunCollectionSubscription(ctx, read, wake, fn, onErr)
	}()
	return Unsubscribe(cancel)
}

// RunDocSubscription delivers the current snapshot, then every snapshot whose
// version differs from the last one delivered, until ctx is done or read
// fails.
func RunDocSubscription(ctx context.Context, read DocReader, wake func() <-chan struct{}, fn func(DocSnapshot), onErr func(error)) {
	first := true
	var last int64
	for {
		woken := wake()
		snap, err := read(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		if first || snap.Version > last {
			first = false
			last = snap.Version
			fn(snap)
		}
		select {
		case <-ctx.Done():
			return
		case <-woken:
		}
	}
}

// RunCollectionSubscription delivers each entry exactly once in Seq order,
// starting from the first entry of the collection. Readers may return a
// bounded batch: the loop keeps reading until a read yields nothing new and
// only then waits for a wakeup.
func RunCollectionSubscription(ctx context.Context, read EntryReader, wake func() <-chan struct{}, fn func(Entry), onErr func(error)) {
	var cursor int64
	for {
		woken := wake()
		entries, err := read(ctx, cursor)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		advanced := false
		for _, e := range entries {
			if e.Seq <= cursor {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			cursor = e.Seq
			advanced = true
			fn(e)
		}
		if advanced {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-woken:
		}
	}
}
