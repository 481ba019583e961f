package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tyemirov/templatemart/internal/storage"
	"go.uber.org/zap"
)

// StorageKey is the durable slot holding the serialized basket.
const StorageKey = "cart"

var (
	errInvalidItem   = errors.New("cart.snapshot.invalid_item")
	errDuplicateItem = errors.New("cart.snapshot.duplicate_item")
)

// Cart applies transitions and persists the resulting state. Persistence
// failures are logged; the in-memory basket stays authoritative.
type Cart struct {
	store  storage.Storage
	logger *zap.Logger

	mutex sync.Mutex
	state State
}

// Load restores the persisted basket, starting empty when the stored value is
// missing, unreadable or malformed.
func Load(ctx context.Context, store storage.Storage, logger *zap.Logger) *Cart {
	if store == nil {
		panic("cart storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cart := &Cart{store: store, logger: logger, state: Empty()}

	raw, getErr := store.Get(ctx, StorageKey)
	switch {
	case errors.Is(getErr, storage.ErrNotFound):
		return cart
	case getErr != nil:
		logger.Warn("cart storage unavailable; starting empty",
			zap.String("code", "cart.load.unavailable"),
			zap.Error(getErr))
		return cart
	}

	restored, decodeErr := Decode([]byte(raw))
	if decodeErr != nil {
		logger.Warn("discarding malformed cart snapshot",
			zap.String("code", "cart.load.malformed"),
			zap.Error(decodeErr))
		return cart
	}
	cart.state = restored
	return cart
}

// Decode parses a serialized basket. Totals are recomputed from the items.
func Decode(data []byte) (State, error) {
	var snapshot State
	if unmarshalErr := json.Unmarshal(data, &snapshot); unmarshalErr != nil {
		return State{}, fmt.Errorf("cart.decode: %w", unmarshalErr)
	}
	seen := make(map[string]struct{}, len(snapshot.Items))
	items := make([]Item, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if !validItem(item) {
			return State{}, fmt.Errorf("cart.decode: %w: %q", errInvalidItem, item.ID)
		}
		if _, duplicate := seen[item.ID]; duplicate {
			return State{}, fmt.Errorf("cart.decode: %w: %q", errDuplicateItem, item.ID)
		}
		seen[item.ID] = struct{}{}
		items = append(items, item)
	}
	return derive(items), nil
}

// State returns a copy of the current basket.
func (cart *Cart) State() State {
	cart.mutex.Lock()
	defer cart.mutex.Unlock()
	return copyState(cart.state)
}

// Snapshot returns the serialized basket in its durable format.
func (cart *Cart) Snapshot() ([]byte, error) {
	encoded, marshalErr := json.Marshal(cart.State())
	if marshalErr != nil {
		return nil, fmt.Errorf("cart.snapshot: %w", marshalErr)
	}
	return encoded, nil
}

// Add puts one unit of item in the basket.
func (cart *Cart) Add(ctx context.Context, item Item) State {
	return cart.dispatch(ctx, AddItem{Item: item})
}

// Remove deletes the line with identifier.
func (cart *Cart) Remove(ctx context.Context, identifier string) State {
	return cart.dispatch(ctx, RemoveItem{ID: identifier})
}

// UpdateQuantity sets the quantity of the line with identifier.
func (cart *Cart) UpdateQuantity(ctx context.Context, identifier string, quantity int) State {
	return cart.dispatch(ctx, UpdateQuantity{ID: identifier, Quantity: quantity})
}

// Clear empties the basket.
func (cart *Cart) Clear(ctx context.Context) State {
	return cart.dispatch(ctx, Clear{})
}

func (cart *Cart) dispatch(ctx context.Context, action Action) State {
	cart.mutex.Lock()
	defer cart.mutex.Unlock()
	cart.state = Reduce(cart.state, action)
	cart.persistLocked(ctx)
	return copyState(cart.state)
}

func (cart *Cart) persistLocked(ctx context.Context) {
	encoded, marshalErr := json.Marshal(cart.state)
	if marshalErr != nil {
		cart.logger.Warn("cart snapshot encoding failed",
			zap.String("code", "cart.persist.encode"),
			zap.Error(marshalErr))
		return
	}
	if setErr := cart.store.Set(ctx, StorageKey, string(encoded)); setErr != nil {
		cart.logger.Warn("cart persistence failed; continuing in memory",
			zap.String("code", "cart.persist.unavailable"),
			zap.Error(setErr))
	}
}

func copyState(state State) State {
	items := make([]Item, len(state.Items))
	copy(items, state.Items)
	state.Items = items
	return state
}
