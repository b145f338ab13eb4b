package toolkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/implementos/agentd/internal/tool"
)

type stubKit struct {
	name  string
	tools []string
}

func (s *stubKit) Name() string { return s.name }

func (s *stubKit) RegisterAll(reg *tool.Registry) error {
	for _, name := range s.tools {
		spec := tool.MustNew(name, name+" description", tool.EffectRead,
			func(_ context.Context, _ *tool.Context, _ struct{}) (string, error) {
				return "", nil
			})
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func TestRegister(t *testing.T) {
	reg := tool.NewRegistry()
	err := Register(reg,
		&stubKit{name: "a", tools: []string{"one", "two"}},
		&stubKit{name: "b", tools: []string{"three"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())
}

func TestRegisterNameCollision(t *testing.T) {
	reg := tool.NewRegistry()
	err := Register(reg,
		&stubKit{name: "a", tools: []string{"one"}},
		&stubKit{name: "b", tools: []string{"one"}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toolkit b")
}
