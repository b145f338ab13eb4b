package producttk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/implementos/agentd/internal/tool"
	"github.com/implementos/agentd/internal/toolkit"
)

func newKit(t *testing.T, handler http.HandlerFunc) (*tool.Registry, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client, err := toolkit.NewClient(srv.URL)
	require.NoError(t, err)

	reg := tool.NewRegistry()
	require.NoError(t, New(client).RegisterAll(reg))
	return reg, srv.Close
}

func TestRegisterAll(t *testing.T) {
	reg, done := newKit(t, func(w http.ResponseWriter, r *http.Request) {})
	defer done()

	for _, name := range []string{"search_products", "product_detail", "check_stock"} {
		_, err := reg.Lookup(name)
		assert.NoError(t, err, name)
	}
	assert.Equal(t, 3, reg.Len())
}

func TestSearchProducts(t *testing.T) {
	reg, done := newKit(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/products", r.URL.Path)
		assert.Equal(t, "pastillas", r.URL.Query().Get("q"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{
			"items": []Product{{SKU: "JX-300", Name: "Pastillas de freno", PriceCLP: 45990}},
			"total": 1,
		})
	})
	defer done()

	spec, err := reg.Lookup("search_products")
	require.NoError(t, err)

	out, err := spec.Dispatch(context.Background(), &tool.Context{}, json.RawMessage(`{"query":"pastillas"}`))
	require.NoError(t, err)

	var decoded struct {
		OK    bool      `json:"ok"`
		Items []Product `json:"items"`
		Total int       `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.(string)), &decoded))
	assert.True(t, decoded.OK)
	require.Len(t, decoded.Items, 1)
	assert.Equal(t, "JX-300", decoded.Items[0].SKU)
}

func TestCheckStockUpstreamFailure(t *testing.T) {
	reg, done := newKit(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	})
	defer done()

	spec, err := reg.Lookup("check_stock")
	require.NoError(t, err)

	out, err := spec.Dispatch(context.Background(), &tool.Context{}, json.RawMessage(`{"sku":"JX-300"}`))
	require.NoError(t, err)

	payload, ok := out.(tool.ErrorPayload)
	require.True(t, ok)
	assert.False(t, payload.OK)
	assert.Contains(t, payload.Message, "502")
}
