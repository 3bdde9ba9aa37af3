// Package config resolves the gateway's layered configuration.
//
// # Layers
//
// Configuration comes from an ordered list of layers, lowest priority first:
//
//  1. hard-coded defaults (Defaults)
//  2. bundled default file ($KAIAK_DEFAULT_CONFIG or /etc/kaiak/server.conf)
//  3. user file (~/.kaiak/server.conf)
//  4. invocation overrides (command-line flags, --config-json)
//
// Merge deep-merges the layers: a layer only overrides the fields it actually
// provides, nested tables are merged key by key, and scalars and lists are
// replaced whole. KAIAK_LOG_LEVEL, when set, wins over every layer.
//
// # Files
//
// Files may be TOML (.toml, .conf), YAML (.yaml, .yml) or JSON (.json).
// ${VAR_NAME} references are expanded from the environment before parsing:
//
//	[init]
//	transport = "socket"
//	socket_path = "${XDG_RUNTIME_DIR}/kaiak.sock"
//	log_level = "info"
//	max_concurrent_sessions = 10
//	session_idle_timeout = "30m"
//
//	[base.model]
//	provider = "openai"
//	model = "gpt-4o"
//
//	[base.tool_permissions]
//	"developer__shell" = "ask_before"
//	"developer__read*" = "always_allow"
//
// # Init and Base
//
// The resolved configuration is split in two. Init is fixed for the lifetime
// of the process (transport, socket path, logging, session ceiling, timeouts,
// storage). Base holds model selection, tool enablement and tool permissions;
// it can be changed at runtime through BaseStore and is snapshotted into each
// session when the session is created.
//
// Resolution validates everything and either returns a complete Effective
// configuration or an error listing every problem; nothing is partially
// applied.
package config
