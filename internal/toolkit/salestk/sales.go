// Package salestk is the sales-analytics toolkit over the sales data
// API: totals by branch and period.
package salestk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/implementos/agentd/internal/tool"
	"github.com/implementos/agentd/internal/toolkit"
)

// BranchTotal is one aggregation row.
type BranchTotal struct {
	Branch   string `json:"branch"`
	Orders   int    `json:"orders"`
	TotalCLP int64  `json:"total_clp"`
}

// Toolkit exposes sales analytics as tools.
type Toolkit struct {
	client *toolkit.Client
}

// New creates the sales toolkit over the sales API client.
func New(client *toolkit.Client) *Toolkit {
	return &Toolkit{client: client}
}

// Name implements toolkit.Toolkit.
func (t *Toolkit) Name() string { return "sales" }

type summaryInput struct {
	From   string `json:"from" jsonschema_description:"Period start, YYYY-MM-DD, inclusive"`
	To     string `json:"to" jsonschema_description:"Period end, YYYY-MM-DD, exclusive"`
	Branch string `json:"branch,omitempty" jsonschema_description:"Optional branch filter; all branches when empty"`
}

type topInput struct {
	From  string `json:"from" jsonschema_description:"Period start, YYYY-MM-DD, inclusive"`
	To    string `json:"to" jsonschema_description:"Period end, YYYY-MM-DD, exclusive"`
	Limit int    `json:"limit,omitempty" jsonschema_description:"How many products, default 10"`
}

// RegisterAll implements toolkit.Toolkit.
func (t *Toolkit) RegisterAll(reg *tool.Registry) error {
	summary, err := tool.New("sales_summary",
		"Total sales by branch for a period.",
		tool.EffectRead, t.summary)
	if err != nil {
		return err
	}
	top, err := tool.New("top_products",
		"Best-selling products for a period.",
		tool.EffectRead, t.top)
	if err != nil {
		return err
	}

	for _, s := range []*tool.Spec{summary, top} {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolkit) summary(ctx context.Context, _ *tool.Context, in summaryInput) (string, error) {
	q := url.Values{"from": {in.From}, "to": {in.To}}
	if in.Branch != "" {
		q.Set("branch", in.Branch)
	}
	var resp struct {
		Branches []BranchTotal `json:"branches"`
	}
	if err := t.client.GetJSON(ctx, "/v1/sales/summary", q, &resp); err != nil {
		return "", fmt.Errorf("sales summary: %w", err)
	}
	out, err := json.Marshal(map[string]any{"ok": true, "branches": resp.Branches})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *Toolkit) top(ctx context.Context, _ *tool.Context, in topInput) (string, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{"from": {in.From}, "to": {in.To}, "limit": {fmt.Sprint(limit)}}
	var resp struct {
		Products []struct {
			SKU   string `json:"sku"`
			Name  string `json:"name"`
			Units int    `json:"units"`
		} `json:"products"`
	}
	if err := t.client.GetJSON(ctx, "/v1/sales/top-products", q, &resp); err != nil {
		return "", fmt.Errorf("top products: %w", err)
	}
	out, err := json.Marshal(map[string]any{"ok": true, "products": resp.Products})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
