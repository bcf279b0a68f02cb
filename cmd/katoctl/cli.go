// Package main implements katoctl, a kong-based CLI over an embedded,
// in-process instance of the engine (session manager + pattern store +
// filter pipeline + processor orchestrator), for local exploration and
// scripting without a network service in front of it.
package main

import "github.com/alecthomas/kong"

// CLI is the top-level katoctl command tree.
type CLI struct {
	Session  SessionCmd  `cmd:"" help:"Create, extend, or delete a session"`
	Observe  ObserveCmd  `cmd:"" help:"Append one event to a session's STM"`
	Learn    LearnCmd    `cmd:"" help:"Explicitly learn the current STM as a pattern"`
	Predict  PredictCmd  `cmd:"" help:"Get ranked predictions for a session's current STM"`
	Clear    ClearCmd    `cmd:"" help:"Clear a session's STM, or its STM and metadata"`
	Config   ConfigCmd   `cmd:"" help:"Show or update a session's effective config"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// SessionCmd groups session lifecycle subcommands.
type SessionCmd struct {
	Create SessionCreateCmd `cmd:"" help:"Create a session for a node_id"`
	Extend SessionExtendCmd `cmd:"" help:"Extend a session's TTL"`
	Delete SessionDeleteCmd `cmd:"" help:"Delete a session"`
}

// SessionCreateCmd creates a session, printing its session_id and kb_id.
type SessionCreateCmd struct {
	NodeID string `arg:"" help:"Caller-chosen persistence key"`
	TTL    int64  `default:"3600" help:"Session TTL in seconds"`
}

// SessionExtendCmd resets a session's expiry.
type SessionExtendCmd struct {
	SessionID string `arg:"" help:"Session to extend"`
	TTL       int64  `default:"3600" help:"New TTL in seconds"`
}

// SessionDeleteCmd deletes a session.
type SessionDeleteCmd struct {
	SessionID string `arg:"" help:"Session to delete"`
}

// ObserveCmd appends one event.
type ObserveCmd struct {
	SessionID string   `arg:"" help:"Target session"`
	Strings   []string `arg:"" optional:"" help:"Symbols in this event"`
	Metadata  []string `help:"Metadata tags to union into the session" placeholder:"TAG"`
}

// LearnCmd explicitly learns the current STM.
type LearnCmd struct {
	SessionID string `arg:"" help:"Target session"`
}

// PredictCmd prints ranked predictions.
type PredictCmd struct {
	SessionID string `arg:"" help:"Target session"`
	JSON      bool   `help:"Print raw JSON instead of a formatted table"`
}

// ClearCmd clears a session's STM, optionally dropping persisted patterns.
type ClearCmd struct {
	SessionID     string `arg:"" help:"Target session"`
	All           bool   `help:"Also clear metadata (clear_all rather than clear_stm)"`
	DropPersisted bool   `help:"With --all, also drop every pattern persisted under this session's kb_id"`
}

// ConfigCmd groups config subcommands.
type ConfigCmd struct {
	Show   ConfigShowCmd   `cmd:"" help:"Print a session's effective config"`
	Update ConfigUpdateCmd `cmd:"" help:"Merge key=value pairs into a session's config"`
}

// ConfigShowCmd prints a session's effective SessionConfig.
type ConfigShowCmd struct {
	SessionID string `arg:"" help:"Target session"`
}

// ConfigUpdateCmd merges partial config fields.
type ConfigUpdateCmd struct {
	SessionID string   `arg:"" help:"Target session"`
	Set       []string `arg:"" help:"field=value pairs, e.g. recall_threshold=0.2"`
}

// VersionCmd prints build metadata.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
