// Package hooks installs the guard into a checkout without displacing
// existing hooks. Each hook becomes a chain-runner that executes the numbered
// entries of hooks.d/<hook>/ and then the preserved original, <hook>.orig.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/mistakeknot/interlock/internal/logging"
	"github.com/mistakeknot/interlock/internal/vcs"
)

// Managed lists the hooks the guard runs in.
var Managed = []string{"pre-commit", "pre-push"}

// ErrForeignHook is returned when a hook cannot be chained without losing
// someone else's script.
var ErrForeignHook = errors.New("foreign hook in the way")

type Options struct {
	// Hooks defaults to Managed.
	Hooks []string
	// Plugins are installed into every hook. Defaults to the guard alone.
	Plugins []Plugin
	Logger  *slog.Logger
}

func (o Options) hooks() []string {
	if len(o.Hooks) == 0 {
		return Managed
	}
	return o.Hooks
}

func (o Options) plugins() []Plugin {
	if len(o.Plugins) == 0 {
		return []Plugin{GuardPlugin("")}
	}
	return o.Plugins
}

// HookStatus describes one hook after Install, Uninstall or Status.
type HookStatus struct {
	Hook        string   `json:"hook"`
	Path        string   `json:"path"`
	ChainRunner bool     `json:"chain_runner"`
	Foreign     bool     `json:"foreign"`
	Orig        bool     `json:"orig"`
	Plugins     []string `json:"plugins"`
}

// Install writes the chain-runner and plugins for every hook. A hook that is
// not ours is moved to <hook>.orig the first time. Running it again is a no-op.
func Install(ctx context.Context, facts vcs.Facts, dir string, opts Options) ([]HookStatus, error) {
	hooksDir, err := facts.HooksDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger).With("hooks_dir", hooksDir)
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return nil, err
	}
	var out []HookStatus
	for _, hook := range opts.hooks() {
		if err := installHook(hooksDir, hook, opts.plugins(), logger); err != nil {
			return out, fmt.Errorf("install %s: %w", hook, err)
		}
		st, err := hookStatus(hooksDir, hook)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

func installHook(hooksDir, hook string, plugins []Plugin, logger *slog.Logger) error {
	path := filepath.Join(hooksDir, hook)
	orig := path + ".orig"

	current, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	case isChainRunner(current):
	default:
		if exists(orig) {
			return fmt.Errorf("%s and %s both exist: %w", path, orig, ErrForeignHook)
		}
		if err := os.Rename(path, orig); err != nil {
			return err
		}
		logger.Info("preserved existing hook", "hook", hook, "orig", orig)
	}

	if err := writeIfChanged(path, []byte(chainRunner)); err != nil {
		return err
	}
	pluginDir := filepath.Join(hooksDir, "hooks.d", hook)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return err
	}
	for _, p := range plugins {
		if err := writeIfChanged(filepath.Join(pluginDir, p.Name), []byte(p.Script(hook))); err != nil {
			return err
		}
	}
	logger.Debug("installed hook", "hook", hook, "plugins", len(plugins))
	return nil
}

// Uninstall removes the named plugins (default: the guard). When a hook has
// no plugins left the chain-runner gives way to <hook>.orig, or disappears.
func Uninstall(ctx context.Context, facts vcs.Facts, dir string, opts Options) ([]HookStatus, error) {
	hooksDir, err := facts.HooksDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger).With("hooks_dir", hooksDir)
	var out []HookStatus
	for _, hook := range opts.hooks() {
		if err := uninstallHook(hooksDir, hook, opts.plugins(), logger); err != nil {
			return out, fmt.Errorf("uninstall %s: %w", hook, err)
		}
		st, err := hookStatus(hooksDir, hook)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

func uninstallHook(hooksDir, hook string, plugins []Plugin, logger *slog.Logger) error {
	pluginDir := filepath.Join(hooksDir, "hooks.d", hook)
	for _, p := range plugins {
		if err := os.Remove(filepath.Join(pluginDir, p.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	left, err := listPlugins(pluginDir)
	if err != nil {
		return err
	}
	if len(left) > 0 {
		return nil
	}
	if err := os.Remove(pluginDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// hooks.d itself goes once the last hook is gone
	_ = os.Remove(filepath.Join(hooksDir, "hooks.d"))

	path := filepath.Join(hooksDir, hook)
	current, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !isChainRunner(current) {
		return nil
	}
	orig := path + ".orig"
	if exists(orig) {
		logger.Info("restored original hook", "hook", hook)
		return os.Rename(orig, path)
	}
	return os.Remove(path)
}

// Status reports the installation state of every hook.
func Status(ctx context.Context, facts vcs.Facts, dir string, opts Options) ([]HookStatus, error) {
	hooksDir, err := facts.HooksDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	var out []HookStatus
	for _, hook := range opts.hooks() {
		st, err := hookStatus(hooksDir, hook)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

func hookStatus(hooksDir, hook string) (HookStatus, error) {
	path := filepath.Join(hooksDir, hook)
	st := HookStatus{Hook: hook, Path: path, Orig: exists(path + ".orig")}
	current, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return st, err
	case isChainRunner(current):
		st.ChainRunner = true
	default:
		st.Foreign = true
	}
	plugins, err := listPlugins(filepath.Join(hooksDir, "hooks.d", hook))
	if err != nil {
		return st, err
	}
	st.Plugins = plugins
	return st, nil
}

// Installed reports whether the guard runs for every managed hook.
func Installed(statuses []HookStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if !st.ChainRunner || !slices.Contains(st.Plugins, GuardPluginName) {
			return false
		}
	}
	return true
}

func listPlugins(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func isChainRunner(data []byte) bool {
	return bytes.Contains(data, []byte(Marker))
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func writeIfChanged(path string, data []byte) error {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return os.Chmod(path, 0o755)
	}
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return err
	}
	return os.Chmod(path, 0o755)
}
