// Package config loads groundwork run configurations and Starlark specs.
//
// # Run configuration
//
// A run configuration is written in CUE, YAML or JSON. Every format is
// unified with the built-in #RunConfig definition, so unknown fields and
// malformed values are reported with their source position where CUE knows it:
//
//	name: "web-fleet"
//	spec: "web.star"
//	phases: ["install", "configure"]
//	inventory: {path: "hosts.yaml", group: "web"}
//	user: {username: "deploy", private_key_path: "~/.ssh/id_ed25519"}
//	ssh: {command_timeout: "10m"}
//	store: {path: "groundwork.db"}
//
// Relative paths are resolved against the configuration file's directory.
//
// # Specs
//
// A spec is a Starlark file. Each public top-level function taking one
// parameter is a phase; its ID is the function name with underscores
// replaced by dashes:
//
//	def install(target):
//	    pkg = "nginx"
//	    if target.package_manager == "apt":
//	        exec("apt-get install -y " + pkg, sudo = True)
//	    else:
//	        fail("unsupported package manager", manager = target.package_manager)
//
//	def configure(target):
//	    upload("files/nginx.conf", "/etc/nginx/nginx.conf", mode = 0o644, sudo = True)
//	    r = exec("nginx -t", sudo = True, check = False)
//	    return {"config_ok": r.ok}
//
// The builtins exec, script and upload run actions through the phase's
// session. A non-zero exit aborts the phase with a domain error unless
// check is False. fail raises a domain error with the keyword arguments as
// details. The function's return value becomes the phase result.
package config
