// Package producttk is the product-catalog toolkit: SKU search,
// detail lookup and branch stock over the catalog API.
package producttk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/implementos/agentd/internal/tool"
	"github.com/implementos/agentd/internal/toolkit"
)

// DefaultMaxResults bounds a catalog search when the model does not
// ask for a specific count.
const DefaultMaxResults = 10

// Product is the catalog view returned to the model.
type Product struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Brand    string `json:"brand,omitempty"`
	Category string `json:"category,omitempty"`
	PriceCLP int64  `json:"price_clp"`
}

// Detail extends Product with the long-form fields.
type Detail struct {
	Product
	Description   string   `json:"description,omitempty"`
	Compatibility []string `json:"compatibility,omitempty"`
}

// Stock is per-branch availability.
type Stock struct {
	Branch string `json:"branch"`
	Units  int    `json:"units"`
}

// Toolkit exposes the catalog API as tools.
type Toolkit struct {
	client *toolkit.Client
}

// New creates the product toolkit over the catalog API client.
func New(client *toolkit.Client) *Toolkit {
	return &Toolkit{client: client}
}

// Name implements toolkit.Toolkit.
func (t *Toolkit) Name() string { return "products" }

type searchInput struct {
	Query      string `json:"query" jsonschema_description:"Free-text search, e.g. part name or vehicle model"`
	Category   string `json:"category,omitempty" jsonschema_description:"Optional category filter"`
	MaxResults int    `json:"max_results,omitempty" jsonschema_description:"How many products to return, default 10"`
}

type detailInput struct {
	SKU string `json:"sku" jsonschema_description:"Exact product SKU"`
}

type stockInput struct {
	SKU    string `json:"sku" jsonschema_description:"Exact product SKU"`
	Branch string `json:"branch,omitempty" jsonschema_description:"Optional branch name; all branches when empty"`
}

// RegisterAll implements toolkit.Toolkit.
func (t *Toolkit) RegisterAll(reg *tool.Registry) error {
	search, err := tool.New("search_products",
		"Search the Implementos parts catalog by keywords.",
		tool.EffectRead, t.search)
	if err != nil {
		return err
	}
	detail, err := tool.New("product_detail",
		"Get the full description, price and compatibility list for one SKU.",
		tool.EffectRead, t.detail)
	if err != nil {
		return err
	}
	stock, err := tool.New("check_stock",
		"Check per-branch stock for one SKU.",
		tool.EffectRead, t.stock)
	if err != nil {
		return err
	}

	for _, s := range []*tool.Spec{search, detail, stock} {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolkit) search(ctx context.Context, _ *tool.Context, in searchInput) (string, error) {
	maxResults := in.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	q := url.Values{
		"q":     {in.Query},
		"limit": {strconv.Itoa(maxResults)},
	}
	if in.Category != "" {
		q.Set("category", in.Category)
	}

	var resp struct {
		Items []Product `json:"items"`
		Total int       `json:"total"`
	}
	if err := t.client.GetJSON(ctx, "/v1/products", q, &resp); err != nil {
		return "", fmt.Errorf("catalog search: %w", err)
	}
	return marshalOK(map[string]any{"items": resp.Items, "total": resp.Total})
}

func (t *Toolkit) detail(ctx context.Context, _ *tool.Context, in detailInput) (string, error) {
	var d Detail
	if err := t.client.GetJSON(ctx, "/v1/products/"+url.PathEscape(in.SKU), nil, &d); err != nil {
		return "", fmt.Errorf("product detail: %w", err)
	}
	return marshalOK(map[string]any{"product": d})
}

func (t *Toolkit) stock(ctx context.Context, _ *tool.Context, in stockInput) (string, error) {
	q := url.Values{}
	if in.Branch != "" {
		q.Set("branch", in.Branch)
	}
	var resp struct {
		Stock []Stock `json:"stock"`
	}
	if err := t.client.GetJSON(ctx, "/v1/products/"+url.PathEscape(in.SKU)+"/stock", q, &resp); err != nil {
		return "", fmt.Errorf("stock lookup: %w", err)
	}
	return marshalOK(map[string]any{"sku": in.SKU, "stock": resp.Stock})
}

func marshalOK(fields map[string]any) (string, error) {
	fields["ok"] = true
	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
