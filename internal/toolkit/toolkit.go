// Package toolkit defines the pluggable tool collections agents are
// assembled from, plus the REST client the domain kits share.
package toolkit

import (
	"fmt"

	"github.com/implementos/agentd/internal/tool"
)

// Toolkit is a named set of tools sharing long-lived resources such
// as an HTTP client.
type Toolkit interface {
	Name() string
	RegisterAll(reg *tool.Registry) error
}

// Register installs every kit into reg, failing on the first name
// collision.
func Register(reg *tool.Registry, kits ...Toolkit) error {
	for _, kit := range kits {
		if err := kit.RegisterAll(reg); err != nil {
			return fmt.Errorf("toolkit %s: %w", kit.Name(), err)
		}
	}
	return nil
}
