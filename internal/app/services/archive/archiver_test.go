package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore serves canned batch sizes and can block to hold a run open.
type fakeStore struct {
	mu      sync.Mutex
	batches []int
	err     error
	block   chan struct{}
	calls   int
}

func (f *fakeStore) ArchiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func TestRun_DrainsBatches(t *testing.T) {
	store := &fakeStore{batches: []int{1000, 1000, 250}}
	a := New(store, Options{BatchSize: 1000}, nil)

	moved, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if moved != 2250 {
		t.Fatalf("moved = %d, want 2250", moved)
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d, want 3", store.calls)
	}
}

func TestRun_StopsOnError(t *testing.T) {
	boom := errors.New("copy failed")
	store := &fakeStore{err: boom}
	a := New(store, Options{}, nil)

	if _, err := a.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped copy failure", err)
	}
}

func TestRun_RejectsOverlap(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	a := New(store, Options{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(context.Background())
	}()

	// Wait for the first run to enter the store.
	for {
		store.mu.Lock()
		started := store.calls > 0
		store.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := a.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	close(store.block)
	<-done

	// The guard releases once the run finishes.
	store.block = nil
	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	a := New(&fakeStore{}, Options{Schedule: "not a cron expression"}, nil)
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
