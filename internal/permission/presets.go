package permission

// Presets maps each named level to its default permission bundle. A SPAWN
// request that names a level but no explicit permissions gets the matching
// preset; SET_PERMS with only a level field replaces the bundle wholesale
// with the preset's values.
var Presets = map[Level]Permissions{
	Unrestricted: {
		Level:          Unrestricted,
		Paths:          Paths{Read: []string{"**"}, Write: []string{"**"}},
		Commands:       Commands{},
		Domains:        Domains{},
		ExecEnabled:    true,
		MaxExecTimeMs:  300_000,
		NetworkEnabled: true,
	},
	Standard: {
		Level:          Standard,
		Paths:          Paths{Read: []string{"**"}, Write: []string{"./**", "/tmp/**"}},
		Commands:       Commands{Denied: []string{"rm", "dd", "mkfs", "shutdown", "reboot"}},
		Domains:        Domains{},
		ExecEnabled:    true,
		MaxExecTimeMs:  60_000,
		NetworkEnabled: true,
	},
	Sandboxed: {
		Level:          Sandboxed,
		Paths:          Paths{Read: []string{"./**"}, Write: []string{"./scratch/**"}},
		Commands:       Commands{Allowed: []string{"cat", "ls", "echo", "grep"}},
		Domains:        Domains{},
		ExecEnabled:    true,
		MaxExecTimeMs:  10_000,
		NetworkEnabled: false,
	},
	Readonly: {
		Level:          Readonly,
		Paths:          Paths{Read: []string{"**"}},
		Commands:       Commands{},
		Domains:        Domains{},
		ExecEnabled:    false,
		MaxExecTimeMs:  0,
		NetworkEnabled: false,
	},
	Minimal: {
		Level:          Minimal,
		Paths:          Paths{},
		Commands:       Commands{},
		Domains:        Domains{},
		ExecEnabled:    false,
		MaxExecTimeMs:  0,
		NetworkEnabled: false,
	},
}
