package hooks

import (
	"fmt"
	"strings"
)

// Marker identifies a hook file written by Install.
const Marker = "# interlock chain-runner"

// chainRunner is shared by every hook; it finds its plugins from $0.
const chainRunner = `#!/bin/sh
` + Marker + `
# Runs hooks.d/<hook>/* in lexical order, then <hook>.orig.
# Remove with: interlock hooks uninstall
hook=$(basename "$0")
dir=$(dirname "$0")
plugins_dir="$dir/hooks.d/$hook"

input=
if [ "$hook" = "pre-push" ]; then
	input=$(mktemp "${TMPDIR:-/tmp}/interlock-$hook.XXXXXX") || exit 1
	trap 'rm -f "$input"' EXIT
	cat >"$input"
fi

run_one() {
	if [ -n "$input" ]; then
		"$@" <"$input"
	else
		"$@"
	fi
}

if [ -d "$plugins_dir" ]; then
	names=$(cd "$plugins_dir" && LC_ALL=C ls -1)
	set -f
	old_ifs=$IFS
	IFS='
'
	for name in $names; do
		IFS=$old_ifs
		plugin="$plugins_dir/$name"
		if [ -f "$plugin" ] && [ -x "$plugin" ]; then
			run_one "$plugin" "$@" || exit $?
		fi
	done
	IFS=$old_ifs
	set +f
fi

if [ -f "$dir/$hook.orig" ] && [ -x "$dir/$hook.orig" ]; then
	run_one "$dir/$hook.orig" "$@" || exit $?
fi
exit 0
`

// PluginKind tags the variants a hooks.d entry can take.
type PluginKind int

const (
	// PluginGuard execs the interlock guard for the hook.
	PluginGuard PluginKind = iota
	// PluginScript is an arbitrary shell body.
	PluginScript
)

func (k PluginKind) String() string {
	switch k {
	case PluginGuard:
		return "guard"
	case PluginScript:
		return "script"
	}
	return fmt.Sprintf("PluginKind(%d)", int(k))
}

// Plugin is one numbered entry under hooks.d/<hook>/.
type Plugin struct {
	Kind PluginKind
	// Name is the file name; its numeric prefix orders execution.
	Name string
	// Binary is the interlock executable for PluginGuard. Empty means
	// "interlock" from PATH.
	Binary string
	// Body is the script for PluginScript, without the shebang.
	Body string
}

// GuardPluginName is the file name of the guard entry.
const GuardPluginName = "50-interlock-guard"

// GuardPlugin returns the guard entry for binary.
func GuardPlugin(binary string) Plugin {
	return Plugin{Kind: PluginGuard, Name: GuardPluginName, Binary: binary}
}

// Script renders the plugin for hook.
func (p Plugin) Script(hook string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	switch p.Kind {
	case PluginGuard:
		bin := p.Binary
		if bin == "" {
			bin = "interlock"
		}
		b.WriteString("# interlock guard plugin\n")
		fmt.Fprintf(&b, "exec %s guard %s \"$@\"\n", shellQuote(bin), hook)
	default:
		b.WriteString(strings.TrimRight(p.Body, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
