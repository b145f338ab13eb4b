package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil input", nil, `{}`},
		{"empty string", "", `{}`},
		{"decoded map", map[string]any{"sku": "FRE-1042"}, `{"sku":"FRE-1042"}`},
		{"valid raw string", `{"sku":"FRE-1042"}`, `{"sku":"FRE-1042"}`},
		{"single quotes repaired", `{'sku': 'FRE-1042'}`, `{"sku": "FRE-1042"}`},
		{"trailing comma repaired", `{"sku":"FRE-1042",}`, `{"sku":"FRE-1042"}`},
		{"truncated object repaired", `{"sku":"FRE-1042"`, `{"sku":"FRE-1042"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeArgs(tt.input)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestNormalizeArgsRawMessage(t *testing.T) {
	got, err := normalizeArgs(json.RawMessage(`{"qty": 2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"qty":2}`, string(got))
}
