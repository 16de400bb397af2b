// SPDX-License-Identifier: GPL-3.0-or-later

package relaymod

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"strings"

	"github.com/gglessner/parley/internal/logsink"
)

// pluginSuffix is the file extension the registry scans for. This is the
// Go analogue of the ".py" suffix filter the tool this proxy reimplements
// uses: a compiled shared object loaded at runtime via the standard
// library's [plugin] package, preserving the "discover files in a
// directory, load each, preserve sorted order" contract exactly.
const pluginSuffix = ".so"

// initPluginName is excluded from discovery, mirroring the exclusion of
// "__init__.py" in the tool this proxy reimplements.
const initPluginName = "init" + pluginSuffix

// Registry holds every module loaded from one enabled-module directory,
// in ascending lexicographic filename order. It is immutable after
// [Load] returns and safe for concurrent read-only use by every worker.
type Registry struct {
	dir     string
	modules []*Module
}

// NewRegistry builds a [Registry] directly from an already-constructed
// module slice, in the given order. This bypasses [plugin.Open]
// entirely, which is the only way to exercise pipeline composition in
// tests: a `go test` binary cannot build or open a real plugin, since
// plugins must be compiled with `go build -buildmode=plugin` against
// the exact toolchain running the host.
func NewRegistry(dir string, modules []*Module) *Registry {
	return &Registry{dir: dir, modules: modules}
}

// Dir returns the directory this registry was loaded from.
func (r *Registry) Dir() string {
	return r.dir
}

// Modules returns the loaded modules in pipeline order: the output of
// Modules()[k] feeds Modules()[k+1].
func (r *Registry) Modules() []*Module {
	return r.modules
}

// Load enumerates dir for plugin files in ascending lexicographic order,
// loads each via [plugin.Open], and resolves its Description and
// Transform symbols. Any missing or mistyped symbol is a fatal
// *[LoadError]; the caller should treat this as a startup failure.
//
// sink and logger are handed to each module's optional Init symbol (see
// [loadOne]), giving modules that want to persist decoded output a
// handle to the shared per-flow log sink without widening the
// Transform contract itself.
func Load(dir string, sink *logsink.Sink, logger *slog.Logger) (*Registry, error) {
	names, err := discoverPluginFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("enumerating module directory %s: %w", dir, err)
	}

	modules := make([]*Module, 0, len(names))
	for _, name := range names {
		mod, err := loadOne(filepath.Join(dir, name), sink, logger)
		if err != nil {
			return nil, err
		}
		modules = append(modules, mod)
	}
	return &Registry{dir: dir, modules: modules}, nil
}

// discoverPluginFiles returns the plugin filenames directly inside dir,
// sorted ascending, excluding subdirectories and [initPluginName]. This is
// factored out from [Load] so the discovery-and-ordering contract can be
// exercised without a real plugin build.
func discoverPluginFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, pluginSuffix) || name == initPluginName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// loadOne loads a single plugin file and validates its exported contract.
//
// A plugin may additionally export an `Init func(*logsink.Sink,
// *slog.Logger)` symbol; if present and correctly typed it is called
// once, here, so the module can stash the sink/logger in its own
// package state for later use from Transform. Init is optional: its
// absence, or a mismatched signature, is not a load failure, since the
// Description/Transform pair is the only contract every module must
// satisfy.
func loadOne(path string, sink *logsink.Sink, logger *slog.Logger) (*Module, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: err.Error()}
	}

	descSym, err := p.Lookup("Description")
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "missing Description symbol"}
	}
	desc, ok := descSym.(*string)
	if !ok {
		return nil, &LoadError{Path: path, Reason: "Description must be declared as a string"}
	}

	transformSym, err := p.Lookup("Transform")
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "missing Transform symbol"}
	}
	transform, ok := transformSym.(func(uint64, string, int, string, int, []byte) []byte)
	if !ok {
		return nil, &LoadError{Path: path, Reason: "Transform has the wrong signature"}
	}

	if initSym, err := p.Lookup("Init"); err == nil {
		if init, ok := initSym.(func(*logsink.Sink, *slog.Logger)); ok {
			init(sink, logger)
		}
	}

	name := strings.TrimSuffix(filepath.Base(path), pluginSuffix)
	return &Module{Name: name, Description: *desc, Transform: TransformFunc(transform)}, nil
}

// Invoke runs mod.Transform inside a fault boundary: a panic inside the
// module is recovered, logged as a warning, and the original payload is
// returned unchanged. This guarantees a single faulty module can never
// crash the relay.
func Invoke(mod *Module, logger *slog.Logger, messageNum uint64,
	srcAddr string, srcPort int, dstAddr string, dstPort int, payload []byte) (out []byte) {
	out = payload
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn("moduleInternalError",
					slog.String("module", mod.Name),
					slog.Any("recover", r),
				)
			}
			out = payload
		}
	}()
	return mod.Transform(messageNum, srcAddr, srcPort, dstAddr, dstPort, payload)
}
