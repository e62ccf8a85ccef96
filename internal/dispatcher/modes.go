package dispatcher

import (
	"fmt"
	"sort"

	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/registry"
)

// Built-in mode names.
const (
	ModeFull    = "full"
	ModeCore    = "core"
	ModeMinimal = "minimal"
	ModeDev     = "dev"
	ModeProd    = "prod"
)

// Modes maps a mode name to the services it selects.
type Modes map[string]registry.Selection

// DefaultModes returns the built-in mode table.
func DefaultModes() Modes {
	return Modes{
		ModeFull:    {},
		ModeCore:    {Tags: []string{"core"}},
		ModeMinimal: {Tags: []string{"core"}, Exclude: []string{"ai", "monitoring"}},
		ModeDev:     {Tags: []string{"core", "dev"}},
		ModeProd:    {Exclude: []string{"dev"}},
	}
}

// With returns a copy of m with overrides applied on top.
func (m Modes) With(overrides Modes) Modes {
	out := make(Modes, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Resolve returns the selection for mode. An empty mode means full.
func (m Modes) Resolve(mode string) (registry.Selection, error) {
	if mode == "" {
		mode = ModeFull
	}
	sel, ok := m[mode]
	if !ok {
		return registry.Selection{}, fmt.Errorf("%w %q (known: %v)", orcherr.ErrUnknownMode, mode, m.Names())
	}
	return sel, nil
}

// Names returns the known mode names, sorted.
func (m Modes) Names() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
