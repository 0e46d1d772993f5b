/*
Package log provides structured logging for the membership core using
zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("peering")                 │          │
	│  │  - WithNodeID(localNodeID)                  │          │
	│  │  - WithPeer(remoteNodeID)                    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "discovery",                │          │
	│  │    "time": "2026-07-31T10:30:00Z",         │          │
	│  │    "message": "peer list refreshed"          │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF peer list refreshed component=discovery │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages in this module
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs (e.g. "peering", "discovery", "rpc")
  - WithNodeID: Add the local node's ID to all logs
  - WithPeer: Add a remote peer's node ID to all logs

# Usage

Initializing the Logger:

	import "github.com/aankur/Deuxfleurs-garage/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("node started")
	log.Debug("checking peer status")
	log.Warn("discovery found no live peers")
	log.Error("failed to persist cluster layout")
	log.Fatal("replication factor mismatch with majority of peers") // Exits process

Component Loggers:

	peeringLog := log.WithComponent("peering").With().Str("node_id", localID).Logger()
	peeringLog.Info().Msg("starting full-mesh peering loop")

	remoteLog := log.WithPeer(remoteID.String())
	remoteLog.Warn().Int("failed_pings", 2).Msg("peer missed ping")

# Integration Points

This package is used by:

  - internal/peering: logs ping/pong outcomes and peer eviction
  - internal/discovery: logs discovery passes and adapter results
  - internal/status: logs status exchange outcomes, including the fatal
    replication-factor mismatch path
  - internal/rpc: logs connection handshake failures and dispatch errors
  - internal/system: logs node startup, layout merges, and shutdown
  - cmd/garage-membership: logs CLI command outcomes

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

# Security

Log Content:
  - Never log the node's private key or the RPC network secret
  - Redact tokens before logging RPC connection failures
*/
package log
