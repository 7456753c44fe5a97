package channel

import (
	"context"
	"testing"

	"barflow/models"
)

func TestSendValidated(t *testing.T) {
	c := NewChannels(2, 2)
	ctx := context.Background()

	if !c.SendValidated(ctx, models.ValidatedBatch{Symbol: "AAPL"}) {
		t.Fatal("send into empty buffer should succeed")
	}
	if !c.SendValidated(ctx, models.ValidatedBatch{Symbol: "MSFT"}) {
		t.Fatal("send into half-full buffer should succeed")
	}
	// Buffer full: the send must drop, not block.
	if c.SendValidated(ctx, models.ValidatedBatch{Symbol: "GOOGL"}) {
		t.Fatal("send into full buffer should drop")
	}

	stats := c.GetStats()
	if stats.ValidatedSent != 2 || stats.ValidatedDropped != 1 {
		t.Fatalf("stats = %+v, want 2 sent / 1 dropped", stats)
	}

	got := <-c.Validated
	if got.Symbol != "AAPL" {
		t.Fatalf("first received = %s, want AAPL", got.Symbol)
	}
}

func TestSendErrorDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendError(ctx, FailedRequest{Symbol: "AAPL", Reason: "quality gate"}) {
		t.Fatal("first error send should succeed")
	}
	if c.SendError(ctx, FailedRequest{Symbol: "MSFT", Reason: "fetch failed"}) {
		t.Fatal("send into full error buffer should drop")
	}

	stats := c.GetStats()
	if stats.ErrorsSent != 1 || stats.ErrorsDropped != 1 {
		t.Fatalf("stats = %+v, want 1 sent / 1 dropped", stats)
	}
}

func TestSendCancelledContext(t *testing.T) {
	c := NewChannels(1, 1)
	c.SendValidated(context.Background(), models.ValidatedBatch{Symbol: "AAPL"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Full buffer plus cancelled context: either path refuses the send.
	if c.SendValidated(ctx, models.ValidatedBatch{Symbol: "MSFT"}) {
		t.Fatal("send with cancelled context and full buffer should fail")
	}
}

func TestDefaultBuffers(t *testing.T) {
	c := NewChannels(0, -1)
	if cap(c.Validated) != 100 || cap(c.Errors) != 100 {
		t.Fatalf("default capacities = %d/%d, want 100/100", cap(c.Validated), cap(c.Errors))
	}
}
