// Package clienttk is the customer-lookup toolkit. Customers are
// identified by their Chilean RUT, validated locally before the
// directory API is called.
package clienttk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/implementos/agentd/internal/tool"
	"github.com/implementos/agentd/internal/toolkit"
)

// Customer is the directory view returned to the model.
type Customer struct {
	RUT      string `json:"rut"`
	Name     string `json:"name"`
	Company  string `json:"company,omitempty"`
	Segment  string `json:"segment,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// Toolkit exposes customer lookup as tools.
type Toolkit struct {
	client *toolkit.Client
}

// New creates the client toolkit over the customer directory API.
func New(client *toolkit.Client) *Toolkit {
	return &Toolkit{client: client}
}

// Name implements toolkit.Toolkit.
func (t *Toolkit) Name() string { return "clients" }

type lookupInput struct {
	RUT string `json:"rut" jsonschema_description:"Chilean RUT, e.g. 12.345.678-5 or 12345678-5"`
}

// RegisterAll implements toolkit.Toolkit.
func (t *Toolkit) RegisterAll(reg *tool.Registry) error {
	lookup, err := tool.New("lookup_client",
		"Find a registered customer by Chilean RUT.",
		tool.EffectRead, t.lookup)
	if err != nil {
		return err
	}
	return reg.Register(lookup)
}

func (t *Toolkit) lookup(ctx context.Context, _ *tool.Context, in lookupInput) (string, error) {
	rut, err := NormalizeRUT(in.RUT)
	if err != nil {
		return "", err
	}

	var c Customer
	if err := t.client.GetJSON(ctx, "/v1/clients/"+url.PathEscape(rut), nil, &c); err != nil {
		return "", fmt.Errorf("client lookup: %w", err)
	}
	out, err := json.Marshal(map[string]any{"ok": true, "client": c})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
