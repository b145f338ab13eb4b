package knowledge

import (
	"context"
	"encoding/json"

	"github.com/implementos/agentd/internal/tool"
)

type searchInput struct {
	Query string `json:"query" jsonschema_description:"What to look up in the knowledge base"`
	TopK  int    `json:"top_k,omitempty" jsonschema_description:"How many fragments to return, default 5"`
}

type searchOutput struct {
	OK        bool       `json:"ok"`
	Documents []Document `json:"documents"`
}

// SearchTool exposes the retriever as a model-callable tool.
func SearchTool(r *Retriever) (*tool.Spec, error) {
	return tool.New("search_knowledge",
		"Search the Implementos knowledge base for product guides, compatibility notes and policies.",
		tool.EffectRead,
		func(ctx context.Context, _ *tool.Context, in searchInput) (string, error) {
			docs, err := r.Search(ctx, in.Query, WithTopK(in.TopK))
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(searchOutput{OK: true, Documents: docs})
			if err != nil {
				return "", err
			}
			return string(out), nil
		})
}
