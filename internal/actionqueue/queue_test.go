package actionqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"chain-extnode/sync/internal/syncaction"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		mb := syncaction.Miniblock(syncaction.MiniblockParams{Number: uint64(i)})
		if err := q.Send(ctx, mb); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 4; i++ {
		a, err := q.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if a.Miniblock.Number != uint64(i) {
			t.Fatalf("out of order: want %d got %d", i, a.Miniblock.Number)
		}
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	must := syncaction.SealMiniblock()
	if err := q.Send(ctx, must); err != nil {
		t.Fatal(err)
	}
	if err := q.Send(ctx, must); err != nil {
		t.Fatal(err)
	}

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- q.Send(ctx, must)
	}()

	select {
	case <-sendDone:
		t.Fatal("third send should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Recv(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("send did not unblock after a slot freed")
	}
}

func TestQueueCloseSurfacesEndOfStream(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	if err := q.Send(ctx, syncaction.SealBatch()); err != nil {
		t.Fatal(err)
	}
	q.Close()

	if _, err := q.Recv(ctx); err != nil {
		t.Fatalf("expected the buffered action to still be delivered, got %v", err)
	}
	if _, err := q.Recv(ctx); err != ErrClosed {
		t.Fatalf("expected ErrClosed once drained, got %v", err)
	}
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := New(1)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Close()
		}()
	}
	wg.Wait()
}
