package bus

import (
	"context"
	"testing"
	"time"

	"coindata-systemv1/internal/model"
)

func TestBatchFanOut_BroadcastsToAll(t *testing.T) {
	fo := NewBatch(10)
	out1 := fo.Subscribe()
	out2 := fo.Subscribe()

	input := make(chan model.CandleBatch, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	batch := model.CandleBatch{
		Product: "BTC-USD",
		Data:    []model.Candle{{T: 1707566400, Open: 100, High: 110, Low: 90, Close: 105, Volume: 2}},
	}
	input <- batch

	for i, out := range []<-chan model.CandleBatch{out1, out2} {
		select {
		case b := <-out:
			if b.Product != "BTC-USD" || len(b.Data) != 1 {
				t.Errorf("out%d: unexpected batch %+v", i+1, b)
			}
		case <-time.After(time.Second):
			t.Fatalf("out%d: timed out waiting for batch", i+1)
		}
	}
}

func TestBatchFanOut_ClosesOutputsWhenInputCloses(t *testing.T) {
	fo := NewBatch(10)
	out := fo.Subscribe()

	input := make(chan model.CandleBatch)
	go fo.Run(context.Background(), input)
	close(input)

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed output channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output close")
	}
}

func TestBatchFanOut_NeverDrops(t *testing.T) {
	// Buffer of 1 with a consumer that drains slowly: every batch must
	// still arrive, in order.
	fo := NewBatch(1)
	out := fo.Subscribe()

	input := make(chan model.CandleBatch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			input <- model.CandleBatch{
				Product: "BTC-USD",
				Data:    []model.Candle{{T: int64(i)}},
			}
		}
		close(input)
	}()

	var got []int64
	for b := range out {
		time.Sleep(time.Millisecond)
		got = append(got, b.Data[0].T)
	}
	if len(got) != n {
		t.Fatalf("received %d batches, want %d", len(got), n)
	}
	for i, ts := range got {
		if ts != int64(i) {
			t.Fatalf("batch %d has T=%d, want %d", i, ts, i)
		}
	}
}

func TestSnapshotFanOut_DropsWhenFull(t *testing.T) {
	fo := NewSnapshot(1)
	fo.Subscribe() // never drained

	dropped := make(chan int, 10)
	fo.OnDrop = func(idx int) { dropped <- idx }

	input := make(chan model.BookSnapshot, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- model.BookSnapshot{Timestamp: "2024-02-10T12:00:00Z"}
	input <- model.BookSnapshot{Timestamp: "2024-02-10T12:00:05Z"}

	select {
	case idx := <-dropped:
		if idx != 0 {
			t.Errorf("dropped subscriber idx = %d, want 0", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drop")
	}
}

func TestChannelStats(t *testing.T) {
	fo := NewSnapshot(4)
	fo.Subscribe()
	fo.Subscribe()

	stats := fo.ChannelStats()
	if len(stats) != 2 {
		t.Fatalf("stats len = %d, want 2", len(stats))
	}
	for i, s := range stats {
		if s.Cap != 4 || s.Len != 0 {
			t.Errorf("stats[%d] = %+v, want {Len:0 Cap:4}", i, s)
		}
	}
}
