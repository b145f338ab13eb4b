// Package carttk is the shopping-cart toolkit. The cart lives in the
// session state under the "cart" key, so it survives across runs of
// the same session and is flushed with the session document.
//
// Cart mutations are write-class: the runtime serializes any tool
// batch containing them, so handlers may touch the state directly.
package carttk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/implementos/agentd/internal/tool"
)

// StateKey is where the cart lines live in the session state.
const StateKey = "cart"

// Line is one cart entry.
type Line struct {
	SKU      string `json:"sku"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

// Toolkit exposes cart operations as tools.
type Toolkit struct{}

// New creates the cart toolkit.
func New() *Toolkit { return &Toolkit{} }

// Name implements toolkit.Toolkit.
func (t *Toolkit) Name() string { return "cart" }

type addInput struct {
	SKU      string `json:"sku" jsonschema_description:"Product SKU to add"`
	Name     string `json:"name,omitempty" jsonschema_description:"Product name for display"`
	Quantity int    `json:"quantity" jsonschema_description:"Units to add, at least 1"`
}

type emptyInput struct{}

// RegisterAll implements toolkit.Toolkit.
func (t *Toolkit) RegisterAll(reg *tool.Registry) error {
	get, err := tool.New("get_cart",
		"List the items currently in the customer's cart.",
		tool.EffectRead, t.get)
	if err != nil {
		return err
	}
	add, err := tool.New("add_to_cart",
		"Add units of a product to the customer's cart.",
		tool.EffectWrite, t.add)
	if err != nil {
		return err
	}
	clear, err := tool.New("clear_cart",
		"Remove every item from the customer's cart.",
		tool.EffectWrite, t.clear)
	if err != nil {
		return err
	}

	for _, s := range []*tool.Spec{get, add, clear} {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolkit) get(_ context.Context, rc *tool.Context, _ emptyInput) (string, error) {
	lines := readCart(rc)
	return marshalCart(lines)
}

func (t *Toolkit) add(_ context.Context, rc *tool.Context, in addInput) (string, error) {
	if in.Quantity < 1 {
		return "", fmt.Errorf("quantity must be at least 1")
	}
	lines := readCart(rc)

	merged := false
	for i := range lines {
		if lines[i].SKU == in.SKU {
			lines[i].Quantity += in.Quantity
			if in.Name != "" {
				lines[i].Name = in.Name
			}
			merged = true
			break
		}
	}
	if !merged {
		lines = append(lines, Line{SKU: in.SKU, Name: in.Name, Quantity: in.Quantity})
	}

	writeCart(rc, lines)
	return marshalCart(lines)
}

func (t *Toolkit) clear(_ context.Context, rc *tool.Context, _ emptyInput) (string, error) {
	writeCart(rc, nil)
	return marshalCart(nil)
}

// readCart decodes the cart from session state. The state round-trips
// through JSON persistence, so entries may arrive as generic maps.
func readCart(rc *tool.Context) []Line {
	raw, ok := rc.State[StateKey]
	if !ok {
		return nil
	}
	if lines, ok := raw.([]Line); ok {
		return append([]Line(nil), lines...)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var lines []Line
	if err := json.Unmarshal(buf, &lines); err != nil {
		return nil
	}
	return lines
}

func writeCart(rc *tool.Context, lines []Line) {
	if rc.State == nil {
		rc.State = make(map[string]any)
	}
	if lines == nil {
		delete(rc.State, StateKey)
		return
	}
	rc.State[StateKey] = lines
}

func marshalCart(lines []Line) (string, error) {
	if lines == nil {
		lines = []Line{}
	}
	total := 0
	for _, l := range lines {
		total += l.Quantity
	}
	out, err := json.Marshal(map[string]any{"ok": true, "items": lines, "total_units": total})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
