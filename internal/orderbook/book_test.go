package orderbook

import (
	"testing"

	"coindata-systemv1/internal/model"
)

func TestBook_DeleteThenReinsert(t *testing.T) {
	b := NewBook("BTC-USD", 25)

	b.Apply("bid", 100.0, 5)
	if len(b.Bids) != 1 || b.Bids[0] != (model.PriceLevel{Price: 100.0, Quantity: 5}) {
		t.Fatalf("after insert, got %+v", b.Bids)
	}

	b.Apply("bid", 100.0, 0)
	if len(b.Bids) != 0 {
		t.Fatalf("after delete, got %+v", b.Bids)
	}

	b.Apply("bid", 100.0, 3)
	if len(b.Bids) != 1 || b.Bids[0] != (model.PriceLevel{Price: 100.0, Quantity: 3}) {
		t.Fatalf("after reinsert, got %+v", b.Bids)
	}
}

func TestBook_SidesStaySorted(t *testing.T) {
	b := NewBook("BTC-USD", 25)

	for _, p := range []float64{101, 99, 100, 98, 102} {
		b.Apply("bid", p, 1)
		b.Apply("ask", p+10, 1)
	}

	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price >= b.Bids[i-1].Price {
			t.Fatalf("bids not strictly descending: %+v", b.Bids)
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price <= b.Asks[i-1].Price {
			t.Fatalf("asks not strictly ascending: %+v", b.Asks)
		}
	}
	if b.Bids[0].Price != 102 {
		t.Errorf("expected best bid 102, got %v", b.Bids[0].Price)
	}
	if b.Asks[0].Price != 108 {
		t.Errorf("expected best ask 108, got %v", b.Asks[0].Price)
	}
}

func TestBook_TruncatesToDepth(t *testing.T) {
	b := NewBook("BTC-USD", 3)

	for _, p := range []float64{10, 20, 30, 40, 50} {
		b.Apply("bid", p, 1)
		b.Apply("ask", p, 1)
	}

	if len(b.Bids) != 3 {
		t.Fatalf("expected 3 bids, got %d", len(b.Bids))
	}
	if b.Bids[0].Price != 50 || b.Bids[2].Price != 30 {
		t.Errorf("expected highest 3 bids retained, got %+v", b.Bids)
	}

	if len(b.Asks) != 3 {
		t.Fatalf("expected 3 asks, got %d", len(b.Asks))
	}
	if b.Asks[0].Price != 10 || b.Asks[2].Price != 30 {
		t.Errorf("expected lowest 3 asks retained, got %+v", b.Asks)
	}

	// A level worse than everything retained on a full side is dropped.
	b.Apply("bid", 5, 1)
	if len(b.Bids) != 3 || b.Bids[2].Price != 30 {
		t.Errorf("expected worse bid discarded, got %+v", b.Bids)
	}

	// A better level pushes the worst one out.
	b.Apply("ask", 7, 1)
	if len(b.Asks) != 3 || b.Asks[0].Price != 7 || b.Asks[2].Price != 20 {
		t.Errorf("expected better ask to displace the worst, got %+v", b.Asks)
	}
}

func TestBook_OverwritesExistingQuantity(t *testing.T) {
	b := NewBook("BTC-USD", 25)
	b.Apply("bid", 100, 5)
	b.Apply("bid", 99, 4)

	b.Apply("bid", 100, 7)
	if len(b.Bids) != 2 {
		t.Fatalf("expected overwrite, not insert, got %+v", b.Bids)
	}
	if b.Bids[0].Quantity != 7 {
		t.Errorf("expected quantity 7 at 100, got %v", b.Bids[0].Quantity)
	}
}

func TestBook_DeleteAbsentPriceIsNoop(t *testing.T) {
	b := NewBook("BTC-USD", 25)
	b.Apply("ask", 100, 5)

	b.Apply("ask", 101, 0)
	if len(b.Asks) != 1 || b.Asks[0].Price != 100 {
		t.Fatalf("expected book untouched, got %+v", b.Asks)
	}
}

func TestBook_LevelsIsValueCopy(t *testing.T) {
	b := NewBook("BTC-USD", 25)
	b.Apply("bid", 100, 5)
	b.Apply("ask", 101, 2)

	snap := b.Levels()
	b.Apply("bid", 100, 9)
	b.Apply("ask", 101, 0)

	if snap.Bids[0].Quantity != 5 {
		t.Errorf("expected copied bid quantity 5, got %v", snap.Bids[0].Quantity)
	}
	if len(snap.Asks) != 1 {
		t.Errorf("expected copied asks untouched, got %+v", snap.Asks)
	}
}

func TestBook_ResetClearsBothSides(t *testing.T) {
	b := NewBook("BTC-USD", 25)
	b.Apply("bid", 100, 5)
	b.Apply("ask", 101, 2)

	b.Reset()
	if len(b.Bids) != 0 || len(b.Asks) != 0 {
		t.Fatalf("expected empty book, got bids=%+v asks=%+v", b.Bids, b.Asks)
	}
}
