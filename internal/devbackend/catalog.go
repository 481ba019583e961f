package devbackend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/templatemart/internal/market"
)

// Order statuses.
const (
	OrderStatusPaid = "paid"
)

var (
	// ErrTemplateNotFound indicates an unknown template identifier.
	ErrTemplateNotFound = errors.New("catalog.template_not_found")
	// ErrInvalidQuantity indicates a checkout line with a quantity below one.
	ErrInvalidQuantity = errors.New("catalog.invalid_quantity")
	// ErrNotPurchased indicates a download of a template the account never bought.
	ErrNotPurchased = errors.New("catalog.not_purchased")
)

// DefaultTemplates seeds a development catalog.
func DefaultTemplates() []market.Template {
	return []market.Template{
		{ID: "t1", Title: "Blog Kit", Description: "Minimal blog with tag pages", Category: "blog", Price: 20},
		{ID: "t2", Title: "Landing Page", Description: "Single page product launch", Category: "marketing", Price: 14.99},
		{ID: "t3", Title: "Portfolio", Description: "Grid portfolio for designers", Category: "portfolio", Price: 29},
		{ID: "t4", Title: "Shop Starter", Description: "Storefront with product pages", Category: "ecommerce", Price: 49.5},
	}
}

// Catalog holds templates and completed orders in process memory.
type Catalog struct {
	mutex     sync.RWMutex
	clock     Clock
	templates map[string]market.Template
	ordering  []string
	orders    map[string][]market.Order
}

// NewCatalog creates a catalog offering templates.
func NewCatalog(templates []market.Template, clock Clock) *Catalog {
	if clock == nil {
		clock = NewSystemClock()
	}
	catalog := &Catalog{
		clock:     clock,
		templates: make(map[string]market.Template, len(templates)),
		orders:    make(map[string][]market.Order),
	}
	for _, template := range templates {
		if _, exists := catalog.templates[template.ID]; !exists {
			catalog.ordering = append(catalog.ordering, template.ID)
		}
		catalog.templates[template.ID] = template
	}
	return catalog
}

// List returns templates in catalog order filtered by category and a
// case-insensitive substring of title or description.
func (catalog *Catalog) List(category string, query string) []market.Template {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	category = strings.ToLower(strings.TrimSpace(category))
	query = strings.ToLower(strings.TrimSpace(query))
	matches := make([]market.Template, 0, len(catalog.ordering))
	for _, templateID := range catalog.ordering {
		template := catalog.templates[templateID]
		if category != "" && strings.ToLower(template.Category) != category {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(template.Title), query) &&
			!strings.Contains(strings.ToLower(template.Description), query) {
			continue
		}
		matches = append(matches, template)
	}
	return matches
}

// Template returns one template.
func (catalog *Catalog) Template(templateID string) (market.Template, error) {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	template, exists := catalog.templates[templateID]
	if !exists {
		return market.Template{}, fmt.Errorf("catalog.template: %w", ErrTemplateNotFound)
	}
	return template, nil
}

// CheckoutLine is one requested purchase.
type CheckoutLine struct {
	TemplateID string `json:"templateId"`
	Quantity   int    `json:"quantity"`
}

// Checkout prices lines against the catalog and records a paid order.
// Prices always come from the catalog, never from the client.
func (catalog *Catalog) Checkout(accountID string, lines []CheckoutLine) (market.Order, error) {
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	order := market.Order{
		ID:        uuid.NewString(),
		Status:    OrderStatusPaid,
		CreatedAt: catalog.clock.Now(),
		Items:     make([]market.OrderLine, 0, len(lines)),
	}
	for _, line := range lines {
		if line.Quantity < 1 {
			return market.Order{}, fmt.Errorf("catalog.checkout: %w: %s", ErrInvalidQuantity, line.TemplateID)
		}
		template, exists := catalog.templates[line.TemplateID]
		if !exists {
			return market.Order{}, fmt.Errorf("catalog.checkout: %w: %s", ErrTemplateNotFound, line.TemplateID)
		}
		order.Items = append(order.Items, market.OrderLine{
			TemplateID: template.ID,
			Title:      template.Title,
			UnitPrice:  template.Price,
			Quantity:   line.Quantity,
		})
		order.TotalAmount += template.Price * float64(line.Quantity)
	}
	catalog.orders[accountID] = append(catalog.orders[accountID], order)
	return order, nil
}

// Orders returns the account's orders, newest first.
func (catalog *Catalog) Orders(accountID string) []market.Order {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	history := make([]market.Order, len(catalog.orders[accountID]))
	copy(history, catalog.orders[accountID])
	sort.SliceStable(history, func(left, right int) bool {
		return history[left].CreatedAt.After(history[right].CreatedAt)
	})
	return history
}

// Purchased reports whether the account holds a paid order for templateID.
func (catalog *Catalog) Purchased(accountID string, templateID string) error {
	catalog.mutex.RLock()
	defer catalog.mutex.RUnlock()
	if _, exists := catalog.templates[templateID]; !exists {
		return fmt.Errorf("catalog.purchased: %w", ErrTemplateNotFound)
	}
	for _, order := range catalog.orders[accountID] {
		if order.Status != OrderStatusPaid {
			continue
		}
		for _, line := range order.Items {
			if line.TemplateID == templateID {
				return nil
			}
		}
	}
	return fmt.Errorf("catalog.purchased: %w", ErrNotPurchased)
}

func downloadExpiry(clock Clock) time.Time {
	return clock.Now().Add(15 * time.Minute)
}
