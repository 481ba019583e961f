package cart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/tyemirov/templatemart/internal/storage"
	"go.uber.org/zap/zaptest"
)

var catalog = []Item{
	{ID: "t1", Title: "Blog Kit", UnitPrice: 20},
	{ID: "t2", Title: "Landing Page", UnitPrice: 14.99},
	{ID: "t3", Title: "Portfolio", UnitPrice: 0.1},
	{ID: "t4", Title: "Shop Starter", UnitPrice: 49.5},
}

func assertTotalsConsistent(t *testing.T, state State, step string) {
	t.Helper()
	expectedItems := 0
	expectedAmount := 0.0
	for _, item := range state.Items {
		expectedItems += item.Quantity
		expectedAmount += item.UnitPrice * float64(item.Quantity)
	}
	if state.TotalItems != expectedItems || state.TotalAmount != expectedAmount {
		t.Fatalf("%s: totals drifted: got %d/%v want %d/%v", step, state.TotalItems, state.TotalAmount, expectedItems, expectedAmount)
	}
}

func TestReduceKeepsTotalsConsistent(t *testing.T) {
	t.Parallel()
	random := rand.New(rand.NewSource(42))
	state := Empty()
	for step := 0; step < 500; step++ {
		item := catalog[random.Intn(len(catalog))]
		var action Action
		switch random.Intn(4) {
		case 0, 1:
			action = AddItem{Item: item}
		case 2:
			action = RemoveItem{ID: item.ID}
		default:
			action = UpdateQuantity{ID: item.ID, Quantity: random.Intn(5) - 1}
		}
		state = Reduce(state, action)
		assertTotalsConsistent(t, state, fmt.Sprintf("step %d (%T)", step, action))
	}
}

func TestReduceAddIncrementsAndPreservesOrder(t *testing.T) {
	t.Parallel()
	state := Reduce(Empty(), AddItem{Item: catalog[0]})
	state = Reduce(state, AddItem{Item: catalog[1]})
	state = Reduce(state, AddItem{Item: catalog[0]})

	if len(state.Items) != 2 || state.Items[0].ID != "t1" || state.Items[1].ID != "t2" {
		t.Fatalf("unexpected order: %#v", state.Items)
	}
	if state.Items[0].Quantity != 2 || state.TotalItems != 3 {
		t.Fatalf("expected t1 quantity 2 and 3 items total, got %#v", state)
	}
}

func TestReduceAddIgnoresIncomingQuantity(t *testing.T) {
	t.Parallel()
	item := catalog[0]
	item.Quantity = 7
	state := Reduce(Empty(), AddItem{Item: item})
	if state.Items[0].Quantity != 1 {
		t.Fatalf("expected new line to start at quantity 1, got %d", state.Items[0].Quantity)
	}
}

func TestReduceAddThenRemoveRestoresPriorState(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name  string
		prior State
	}{
		{name: "empty", prior: Empty()},
		{name: "populated", prior: Reduce(Reduce(Reduce(Empty(), AddItem{Item: catalog[0]}), AddItem{Item: catalog[1]}), AddItem{Item: catalog[1]})},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			added := Reduce(testCase.prior, AddItem{Item: catalog[3]})
			restored := Reduce(added, RemoveItem{ID: catalog[3].ID})
			if !reflect.DeepEqual(restored, testCase.prior) {
				t.Fatalf("round trip changed state:\n got %#v\nwant %#v", restored, testCase.prior)
			}
		})
	}
}

func TestReduceUpdateToZeroMatchesRemove(t *testing.T) {
	t.Parallel()
	state := Reduce(Reduce(Empty(), AddItem{Item: catalog[0]}), AddItem{Item: catalog[2]})
	for _, quantity := range []int{0, -3} {
		updated := Reduce(state, UpdateQuantity{ID: "t1", Quantity: quantity})
		removed := Reduce(state, RemoveItem{ID: "t1"})
		if !reflect.DeepEqual(updated, removed) {
			t.Fatalf("quantity %d: expected %#v, got %#v", quantity, removed, updated)
		}
	}
}

func TestReduceUnknownIdentifierIsNoOp(t *testing.T) {
	t.Parallel()
	state := Reduce(Empty(), AddItem{Item: catalog[0]})
	if got := Reduce(state, RemoveItem{ID: "missing"}); !reflect.DeepEqual(got, state) {
		t.Fatalf("remove of missing id changed state: %#v", got)
	}
	if got := Reduce(state, UpdateQuantity{ID: "missing", Quantity: 4}); !reflect.DeepEqual(got, state) {
		t.Fatalf("update of missing id changed state: %#v", got)
	}
}

func TestReduceAddIgnoresItemsThatCannotBeRestored(t *testing.T) {
	t.Parallel()
	start := Reduce(Empty(), AddItem{Item: catalog[0]})
	testCases := []struct {
		name string
		item Item
	}{
		{name: "empty id", item: Item{Title: "Nameless", UnitPrice: 5}},
		{name: "blank id", item: Item{ID: "  ", UnitPrice: 5}},
		{name: "negative price", item: Item{ID: "t2", UnitPrice: -5}},
		{name: "nan price", item: Item{ID: "t2", UnitPrice: math.NaN()}},
		{name: "infinite price", item: Item{ID: "t2", UnitPrice: math.Inf(1)}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if next := Reduce(start, AddItem{Item: testCase.item}); !reflect.DeepEqual(next, start) {
				t.Fatalf("expected basket unchanged, got %#v", next)
			}
		})
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	state := Reduce(Empty(), AddItem{Item: catalog[0]})
	_ = Reduce(state, AddItem{Item: catalog[0]})
	_ = Reduce(state, UpdateQuantity{ID: "t1", Quantity: 9})
	if state.Items[0].Quantity != 1 || state.TotalItems != 1 {
		t.Fatalf("input state was mutated: %#v", state)
	}
}

func TestReduceClear(t *testing.T) {
	t.Parallel()
	state := Reduce(Reduce(Empty(), AddItem{Item: catalog[0]}), Clear{})
	if !reflect.DeepEqual(state, Empty()) {
		t.Fatalf("expected empty basket, got %#v", state)
	}
}

func TestLoadRestoresSnapshot(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	snapshot := `{"items":[{"id":"t1","title":"Blog Kit","unitPrice":20,"quantity":2}],"totalItems":2,"totalAmount":40}`
	if err := store.Set(ctx, StorageKey, snapshot); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	state := Load(ctx, store, zaptest.NewLogger(t)).State()
	expected := State{Items: []Item{{ID: "t1", Title: "Blog Kit", UnitPrice: 20, Quantity: 2}}, TotalItems: 2, TotalAmount: 40}
	if !reflect.DeepEqual(state, expected) {
		t.Fatalf("unexpected restored state: %#v", state)
	}
}

func TestLoadFallsBackToEmpty(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		snapshot string
	}{
		{name: "not json", snapshot: "{broken"},
		{name: "zero quantity", snapshot: `{"items":[{"id":"t1","unitPrice":1,"quantity":0}]}`},
		{name: "duplicate id", snapshot: `{"items":[{"id":"t1","unitPrice":1,"quantity":1},{"id":"t1","unitPrice":1,"quantity":1}]}`},
		{name: "negative price", snapshot: `{"items":[{"id":"t1","unitPrice":-1,"quantity":1}]}`},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			store := storage.NewMemoryStorage()
			ctx := context.Background()
			if err := store.Set(ctx, StorageKey, testCase.snapshot); err != nil {
				t.Fatalf("seed failed: %v", err)
			}
			if state := Load(ctx, store, zaptest.NewLogger(t)).State(); !reflect.DeepEqual(state, Empty()) {
				t.Fatalf("expected empty basket, got %#v", state)
			}
		})
	}
}

func TestLoadRederivesInconsistentTotals(t *testing.T) {
	t.Parallel()
	state, err := Decode([]byte(`{"items":[{"id":"t1","title":"Blog Kit","unitPrice":20,"quantity":2}],"totalItems":9,"totalAmount":1}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if state.TotalItems != 2 || state.TotalAmount != 40 {
		t.Fatalf("expected re-derived totals, got %#v", state)
	}
}

func TestCartPersistsEveryTransition(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	basket := Load(ctx, store, zaptest.NewLogger(t))

	basket.Add(ctx, catalog[0])
	basket.Add(ctx, catalog[0])
	basket.Add(ctx, catalog[1])
	basket.UpdateQuantity(ctx, "t2", 3)
	basket.Remove(ctx, "t1")

	reloaded := Load(ctx, store, zaptest.NewLogger(t)).State()
	if !reflect.DeepEqual(reloaded, basket.State()) {
		t.Fatalf("reloaded basket differs:\n got %#v\nwant %#v", reloaded, basket.State())
	}

	basket.Clear(ctx)
	if reloaded := Load(ctx, store, zaptest.NewLogger(t)).State(); !reflect.DeepEqual(reloaded, Empty()) {
		t.Fatalf("expected cleared basket to persist, got %#v", reloaded)
	}
}

func TestCartRejectedAddKeepsStoredBasketLoadable(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	basket := Load(ctx, store, zaptest.NewLogger(t))

	basket.Add(ctx, catalog[0])
	basket.Add(ctx, Item{ID: "t2", Title: "Landing Page", UnitPrice: -5})
	basket.Add(ctx, Item{Title: "Nameless", UnitPrice: 3})

	expected := State{Items: []Item{{ID: "t1", Title: "Blog Kit", UnitPrice: 20, Quantity: 1}}, TotalItems: 1, TotalAmount: 20}
	if reloaded := Load(ctx, store, zaptest.NewLogger(t)).State(); !reflect.DeepEqual(reloaded, expected) {
		t.Fatalf("expected valid line to survive reload, got %#v", reloaded)
	}
}

type failingStorage struct {
	storage.Storage
}

func (failingStorage) Get(context.Context, string) (string, error) {
	return "", errors.New("disk unavailable")
}

func (failingStorage) Set(context.Context, string, string) error {
	return errors.New("disk unavailable")
}

func TestCartWorksInMemoryWhenStorageFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	basket := Load(ctx, failingStorage{}, zaptest.NewLogger(t))
	state := basket.Add(ctx, catalog[0])
	if state.TotalItems != 1 || basket.State().TotalAmount != 20 {
		t.Fatalf("expected in-memory basket to keep working, got %#v", state)
	}
}

func TestSnapshotUsesDurableFormat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	basket := Load(ctx, storage.NewMemoryStorage(), nil)
	basket.Add(ctx, catalog[0])
	basket.Add(ctx, catalog[0])

	encoded, err := basket.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	expected := `{"items":[{"id":"t1","title":"Blog Kit","unitPrice":20,"quantity":2}],"totalItems":2,"totalAmount":40}`
	if string(encoded) != expected {
		t.Fatalf("unexpected snapshot %s", encoded)
	}
}
