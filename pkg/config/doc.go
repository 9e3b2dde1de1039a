// Package config loads the daemon configuration file.
//
// A file defines one or more named environments; the active one is
// picked by the --env flag, the UPTIME_ENV variable, or the "local"
// default. Load applies defaults, compiles provider regexes and
// validates every section, so callers never see a half-usable
// Environment.
package config
