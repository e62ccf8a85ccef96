// Package env composes the environment handed to service processes.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

type Var map[string]string

// Env layers global variables over an optional copy of the OS environment.
type Env struct {
	Var   Var // global variables (K->V)
	UseOS bool
	base  Var // cached OS environment
}

func New(useOS bool) *Env {
	return &Env{Var: make(Var), UseOS: useOS}
}

// fromOS caches the current process environment as the base.
func (e *Env) fromOS() {
	e.base = Parse(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), UseOS: e.UseOS, base: e.base}
	for ek, ev := range e.Var {
		c.Var[ek] = ev
	}
	c.Var[k] = v
	return c
}

// Apply sets every "K=V" entry of kvs.
func (e *Env) Apply(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// LoadFile reads a dotenv file (KEY=VALUE lines, # comments) into the
// global variables.
func (e *Env) LoadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	// viper lower-cases keys; recover the original spelling from the file
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "export "))
		i := strings.IndexByte(line, '=')
		if line == "" || strings.HasPrefix(line, "#") || i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		if v.IsSet(k) {
			e.Set(k, v.GetString(k))
		}
	}
	return nil
}

// Merge composes the final environment: OS env (when UseOS), then global
// variables, then perService overrides. ${VAR} references are expanded
// against the composed map. The result is sorted by key.
func (e *Env) Merge(perService []string) []string {
	m := make(Var)
	if e.UseOS {
		if e.base == nil {
			e.fromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(perService) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse turns "K=V" entries into a map, skipping malformed ones.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
