package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/templatemart/internal/apiclient"
	"github.com/tyemirov/templatemart/internal/cart"
	"go.uber.org/zap"
)

// Backend endpoints used by the marketplace services.
const (
	TemplatesPath = "/templates"
	CheckoutPath  = "/orders/checkout"
	OrdersPath    = "/orders"
)

var (
	// ErrEmptyCart indicates checkout was attempted without any line items.
	ErrEmptyCart = errors.New("market.checkout.empty_cart")
	// ErrMissingTemplateID indicates a template lookup without an identifier.
	ErrMissingTemplateID = errors.New("market.missing_template_id")
	// ErrMissingDownloadURL indicates the backend authorized a download but sent no location.
	ErrMissingDownloadURL = errors.New("market.download.missing_url")
)

// Template is a purchasable website template.
type Template struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	PreviewURL  string  `json:"previewUrl,omitempty"`
}

// CartItem converts the template into a basket line.
func (template Template) CartItem() cart.Item {
	return cart.Item{ID: template.ID, Title: template.Title, UnitPrice: template.Price}
}

// OrderLine is one purchased template within an Order.
type OrderLine struct {
	TemplateID string  `json:"templateId"`
	Title      string  `json:"title"`
	UnitPrice  float64 `json:"unitPrice"`
	Quantity   int     `json:"quantity"`
}

// Order is a completed checkout.
type Order struct {
	ID          string      `json:"id"`
	Items       []OrderLine `json:"items"`
	TotalAmount float64     `json:"totalAmount"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Filter narrows a catalog listing. Empty fields match everything.
type Filter struct {
	Category string
	Query    string
}

// API is the subset of the request client the services rely on.
type API interface {
	Do(ctx context.Context, request apiclient.Request, out any) error
}

// Basket is the subset of the cart the checkout flow relies on.
type Basket interface {
	State() cart.State
	Clear(ctx context.Context) cart.State
}

// Catalog reads the public template catalog.
type Catalog struct {
	api    API
	logger *zap.Logger
}

// NewCatalog constructs a Catalog.
func NewCatalog(api API, logger *zap.Logger) *Catalog {
	if api == nil {
		panic("api client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{api: api, logger: logger}
}

// List returns the templates matching filter.
func (catalog *Catalog) List(ctx context.Context, filter Filter) ([]Template, error) {
	query := url.Values{}
	if category := strings.TrimSpace(filter.Category); category != "" {
		query.Set("category", category)
	}
	if text := strings.TrimSpace(filter.Query); text != "" {
		query.Set("q", text)
	}
	var templates []Template
	if err := catalog.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: TemplatesPath, Query: query}, &templates); err != nil {
		return nil, fmt.Errorf("market.templates.list: %w", err)
	}
	return templates, nil
}

// Get returns a single template.
func (catalog *Catalog) Get(ctx context.Context, templateID string) (*Template, error) {
	trimmed := strings.TrimSpace(templateID)
	if trimmed == "" {
		return nil, fmt.Errorf("market.templates.get: %w", ErrMissingTemplateID)
	}
	var template Template
	if err := catalog.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: templatePath(trimmed)}, &template); err != nil {
		return nil, fmt.Errorf("market.templates.get: %w", err)
	}
	return &template, nil
}

// Orders covers checkout, order history and downloads. All calls require a
// session.
type Orders struct {
	api    API
	basket Basket
	logger *zap.Logger
}

type checkoutLine struct {
	TemplateID string `json:"templateId"`
	Quantity   int    `json:"quantity"`
}

type checkoutRequest struct {
	Items []checkoutLine `json:"items"`
}

type downloadResponse struct {
	URL string `json:"url"`
}

// NewOrders constructs an Orders service over basket.
func NewOrders(api API, basket Basket, logger *zap.Logger) *Orders {
	if api == nil {
		panic("api client is required")
	}
	if basket == nil {
		panic("basket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orders{api: api, basket: basket, logger: logger}
}

// Checkout submits the current basket and clears it once the backend accepts
// the order. A failed checkout leaves the basket untouched.
func (orders *Orders) Checkout(ctx context.Context) (*Order, error) {
	state := orders.basket.State()
	if len(state.Items) == 0 {
		return nil, fmt.Errorf("market.checkout: %w", ErrEmptyCart)
	}
	payload := checkoutRequest{Items: make([]checkoutLine, 0, len(state.Items))}
	for _, item := range state.Items {
		payload.Items = append(payload.Items, checkoutLine{TemplateID: item.ID, Quantity: item.Quantity})
	}

	var order Order
	if err := orders.api.Do(ctx, apiclient.Request{Method: http.MethodPost, Path: CheckoutPath, Body: payload}, &order); err != nil {
		orders.logger.Warn("checkout failed; basket kept",
			zap.String("code", "market.checkout.failed"),
			zap.Int("status", apiclient.StatusCode(err)),
			zap.Error(err))
		return nil, fmt.Errorf("market.checkout: %w", err)
	}
	orders.basket.Clear(ctx)
	orders.logger.Info("checkout completed",
		zap.String("code", "market.checkout.completed"),
		zap.String("order_id", order.ID),
		zap.Float64("total_amount", order.TotalAmount))
	return &order, nil
}

// List returns the caller's order history.
func (orders *Orders) List(ctx context.Context) ([]Order, error) {
	var history []Order
	if err := orders.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: OrdersPath}, &history); err != nil {
		return nil, fmt.Errorf("market.orders.list: %w", err)
	}
	return history, nil
}

// DownloadURL returns the location of a purchased template archive.
func (orders *Orders) DownloadURL(ctx context.Context, templateID string) (string, error) {
	trimmed := strings.TrimSpace(templateID)
	if trimmed == "" {
		return "", fmt.Errorf("market.download: %w", ErrMissingTemplateID)
	}
	var response downloadResponse
	if err := orders.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: templatePath(trimmed) + "/download"}, &response); err != nil {
		return "", fmt.Errorf("market.download: %w", err)
	}
	if strings.TrimSpace(response.URL) == "" {
		return "", fmt.Errorf("market.download: %w", ErrMissingDownloadURL)
	}
	return response.URL, nil
}

func templatePath(templateID string) string {
	return TemplatesPath + "/" + url.PathEscape(templateID)
}
