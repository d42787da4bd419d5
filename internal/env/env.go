// Package env composes child-process environments: the OS environment as a
// base, then overlay variables, then per-process keys that always win.
package env

import (
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

type Env struct {
	Var Var // overlay variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromMap replaces the base environment.
func (e *Env) FromMap(base Var) {
	e.env = make(Var, len(base))
	for k, v := range base {
		e.env[k] = v
	}
}

// Set sets an overlay variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Var[k] = v
	return c
}

// Unset removes an overlay variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// SetAll applies "K=V" pairs; malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
}

// LoadFile applies a dotenv file as overlay variables. A missing file is not
// an error.
func (e *Env) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for k, v := range vars {
		e.Set(k, v)
	}
	return nil
}

// Lookup returns the value of k after overlays, before per-process keys.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// PrependList returns dir prepended to the list variable k using the OS
// path-list separator.
func (e *Env) PrependList(k, dir string) string {
	cur, ok := e.Lookup(k)
	if !ok || cur == "" {
		return dir
	}
	return dir + string(os.PathListSeparator) + cur
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply overlay e.Var
// then apply perProc (slice of "K=V") overrides
// ${VAR} references in overlay and perProc values are expanded against the
// composed map in one pass. The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	expandable := make(map[string]bool)
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
		expandable[k] = true
	}
	for k, v := range parse(perProc) {
		m[k] = v
		expandable[k] = true
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if expandable[k] {
			v = expand(v, m, keys)
		}
		out = append(out, k+"="+v)
	}
	return out
}

func expand(s string, m Var, keys []string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for _, k := range keys {
		res = strings.ReplaceAll(res, "${"+k+"}", m[k])
	}
	return res
}

func parse(kvs []string) Var {
	out := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		out[kv[:i]] = kv[i+1:]
	}
	return out
}
