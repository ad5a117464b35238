/*
Package plugin provides dynamic leaf-signer registration: third-party
signers loaded at runtime, either as a Go plugin (.so/.dylib) exporting a
"Signer" symbol, or as a freestanding executable driven over a small
claim/sign protocol. Adapted from the teacher's internal/plugin.Manager,
which loaded builder/publisher/hook plugins for the release pipeline;
here the only plugin kind is a signer.Leaf, registered into
internal/signer's Registry the same way internal/manifest's C5 signer is
(spec.md explicitly calls out "dynamically loadable leaf signers" as an
extension point in §6, without mandating a loading mechanism).
*/
package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/oarkflow/codesign/internal/config"
	"github.com/oarkflow/codesign/internal/fileref"
	"github.com/oarkflow/codesign/internal/signer"
	"github.com/oarkflow/codesign/internal/tmpl"
)

// SignerPlugin is a dynamically loaded leaf signer: the signer.Leaf
// contract plus a version string for diagnostics/logging.
type SignerPlugin interface {
	signer.Leaf
	Version() string
}

// Manager discovers and loads signer plugins from a directory.
type Manager struct {
	pluginDir string
	plugins   map[string]SignerPlugin
}

// NewManager constructs a Manager rooted at pluginDir. An empty pluginDir
// defaults to "~/.codesign/plugins".
func NewManager(pluginDir string) *Manager {
	if pluginDir == "" {
		homeDir, _ := os.UserHomeDir()
		pluginDir = filepath.Join(homeDir, ".codesign", "plugins")
	}
	return &Manager{pluginDir: pluginDir, plugins: make(map[string]SignerPlugin)}
}

// LoadAll loads every plugin found in the plugin directory and registers
// it into reg.
func (m *Manager) LoadAll(reg *signer.Registry) error {
	if _, err := os.Stat(m.pluginDir); os.IsNotExist(err) {
		return nil
	}

	entries, err := os.ReadDir(m.pluginDir)
	if err != nil {
		return fmt.Errorf("plugin: failed to read plugin directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(m.pluginDir, name)

		var sp SignerPlugin
		var loadErr error
		switch {
		case strings.HasSuffix(name, ".so"), strings.HasSuffix(name, ".dylib"):
			sp, loadErr = loadGoSignerPlugin(path)
		case isExecutable(path):
			sp, loadErr = loadExecSignerPlugin(path)
		default:
			continue
		}

		if loadErr != nil {
			log.Warn("failed to load signer plugin", "path", path, "error", loadErr)
			continue
		}

		if _, exists := m.plugins[sp.Name()]; exists {
			log.Warn("signer plugin already registered, skipping", "name", sp.Name())
			continue
		}
		m.plugins[sp.Name()] = sp
		reg.Register(sp)
		log.Info("registered signer plugin", "name", sp.Name(), "version", sp.Version())
	}

	return nil
}

// List returns every loaded plugin.
func (m *Manager) List() []SignerPlugin {
	out := make([]SignerPlugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	return out
}

// loadGoSignerPlugin opens a Go plugin and looks up its "Signer" symbol.
func loadGoSignerPlugin(path string) (SignerPlugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("Signer")
	if err != nil {
		return nil, fmt.Errorf("plugin missing Signer symbol: %w", err)
	}
	sp, ok := sym.(SignerPlugin)
	if !ok {
		return nil, fmt.Errorf("Signer symbol does not implement SignerPlugin")
	}
	return sp, nil
}

// execSignerPlugin adapts a freestanding executable to SignerPlugin over
// a tiny CLI protocol: "<path> info" prints "<name> <version>"; "<path>
// claims <file>" exits 0 if it claims the file, non-zero otherwise;
// "<path> sign <file>" performs the signing.
type execSignerPlugin struct {
	path    string
	name    string
	version string
}

func loadExecSignerPlugin(path string) (SignerPlugin, error) {
	out, err := exec.Command(path, "info").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin info: %w", err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 2 {
		return nil, fmt.Errorf(`expected "info" output "<name> <version>", got %q`, string(out))
	}
	return &execSignerPlugin{path: path, name: fields[0], version: fields[1]}, nil
}

func (p *execSignerPlugin) Name() string    { return p.name }
func (p *execSignerPlugin) Version() string { return p.version }

func (p *execSignerPlugin) CanSign(ref fileref.Ref) bool {
	return exec.Command(p.path, "claims", ref.Path).Run() == nil
}

func (p *execSignerPlugin) SignAsync(ctx context.Context, ref fileref.Ref, tctx *tmpl.Context, opts config.Options, cert config.Certificate) error {
	cmd := exec.CommandContext(ctx, p.path, "sign", ref.Path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("plugin %s failed to sign %s: %w\n%s", p.name, ref.Path, err, stderr.String())
	}
	return nil
}

// CopySigningDependencies delegates to the plugin's own "deps" verb. The
// verb is optional in the exec protocol (older plugins predate it), so a
// non-zero exit is logged rather than treated as a signing failure;
// ensuring destDir exists is the one part every caller can rely on.
func (p *execSignerPlugin) CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	if err := exec.Command(p.path, "deps", ref.Path, destDir).Run(); err != nil {
		log.Debug("signer plugin does not support the deps verb", "plugin", p.name, "error", err)
	}
	return nil
}

// isExecutable checks if a file is executable.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&0111 != 0
}
