package cart

import (
	"math"
	"strings"
)

// Item is one line of the basket. Items are unique by ID.
type Item struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	UnitPrice float64 `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
}

// State is the basket with its derived totals.
type State struct {
	Items       []Item  `json:"items"`
	TotalItems  int     `json:"totalItems"`
	TotalAmount float64 `json:"totalAmount"`
}

// Empty returns the initial basket.
func Empty() State {
	return State{Items: []Item{}}
}

// Action is a cart transition understood by Reduce.
type Action interface {
	apply(state State) State
}

// AddItem appends Item with quantity 1, or increments the quantity of the
// line with the same ID. Items without an ID or with a negative or
// non-finite price are ignored.
type AddItem struct {
	Item Item
}

// RemoveItem deletes the line with ID. Unknown IDs are a no-op.
type RemoveItem struct {
	ID string
}

// UpdateQuantity replaces the quantity of the line with ID. A quantity of
// zero or less removes the line.
type UpdateQuantity struct {
	ID       string
	Quantity int
}

// Clear empties the basket.
type Clear struct{}

// Reduce returns the state that results from applying action to state. It
// never mutates state and performs no I/O.
func Reduce(state State, action Action) State {
	if action == nil {
		return state
	}
	return action.apply(state)
}

func (action AddItem) apply(state State) State {
	candidate := action.Item
	candidate.Quantity = 1
	if !validItem(candidate) {
		return state
	}
	items := cloneItems(state.Items)
	index := indexOf(items, action.Item.ID)
	if index >= 0 {
		items[index].Quantity++
	} else {
		added := action.Item
		added.Quantity = 1
		items = append(items, added)
	}
	return derive(items)
}

func (action RemoveItem) apply(state State) State {
	index := indexOf(state.Items, action.ID)
	if index < 0 {
		return state
	}
	items := make([]Item, 0, len(state.Items)-1)
	items = append(items, state.Items[:index]...)
	items = append(items, state.Items[index+1:]...)
	return derive(items)
}

func (action UpdateQuantity) apply(state State) State {
	if action.Quantity <= 0 {
		return RemoveItem{ID: action.ID}.apply(state)
	}
	index := indexOf(state.Items, action.ID)
	if index < 0 {
		return state
	}
	items := cloneItems(state.Items)
	items[index].Quantity = action.Quantity
	return derive(items)
}

func (Clear) apply(State) State {
	return Empty()
}

// validItem reports whether item may be part of a basket. Reduce only
// produces baskets whose items pass it, and Decode only accepts such baskets.
func validItem(item Item) bool {
	if strings.TrimSpace(item.ID) == "" || item.Quantity < 1 {
		return false
	}
	return item.UnitPrice >= 0 && !math.IsInf(item.UnitPrice, 0)
}

// derive recomputes both totals from items so they never drift.
func derive(items []Item) State {
	state := State{Items: items}
	for _, item := range items {
		state.TotalItems += item.Quantity
		state.TotalAmount += item.UnitPrice * float64(item.Quantity)
	}
	return state
}

func indexOf(items []Item, identifier string) int {
	for index := range items {
		if items[index].ID == identifier {
			return index
		}
	}
	return -1
}

func cloneItems(items []Item) []Item {
	cloned := make([]Item, len(items), len(items)+1)
	copy(cloned, items)
	return cloned
}
