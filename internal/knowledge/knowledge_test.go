package knowledge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchOptions(t *testing.T) {
	o := searchOptions{topK: DefaultTopK}
	for _, opt := range []SearchOption{
		WithTopK(12),
		WithFilter(map[string]string{"category": "frenos"}),
	} {
		opt(&o)
	}
	assert.Equal(t, 12, o.topK)
	assert.Equal(t, map[string]string{"category": "frenos"}, o.filter)
}

func TestSearchToolSchema(t *testing.T) {
	spec, err := SearchTool(nil)
	require.NoError(t, err)

	assert.Equal(t, "search_knowledge", spec.Name)
	require.Len(t, spec.Params, 2)
	assert.Equal(t, "query", spec.Params[0].Name)
	assert.True(t, spec.Params[0].Required)
	assert.Equal(t, "top_k", spec.Params[1].Name)
	assert.False(t, spec.Params[1].Required)

	assert.NoError(t, spec.ValidateArgs(json.RawMessage(`{"query":"garantía de alternadores"}`)))
	assert.Error(t, spec.ValidateArgs(json.RawMessage(`{"top_k":3}`)))
}
