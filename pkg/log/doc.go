// Package log is the project-wide logging helper used by the orchestrator,
// the API server and the CLI.
//
// Every component obtains a named logger once and keeps it around:
//
//	l := log.ForService("orchestrator")
//	l.Infof("generation %d started", gen)
//	l.Debugf("deep batch %d: %d plugins, %d channels", i, p, c)
//
// Lines carry a grep-friendly `[name>]` marker after the level. Nested
// components derive their logger with Child, which yields `[parent/child>]`.
//
// Verbosity is controlled by a minimum level (SetLevel, or the PANHUB_LOG_LEVEL
// environment variable read by InitFromEnv) plus debug switches that can be
// flipped globally (SetGlobalDebug) or for a single service (EnableDebugFor).
//
// Tests redirect output with SetOutput and a bytes.Buffer. All exported
// functions are safe for concurrent use.
package log
