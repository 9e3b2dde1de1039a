/*
Package log provides structured logging for uptimed using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Configuration:
  - Level: debug, info, warn, error (default info)
  - JSONOutput: machine-readable JSON or human console format
  - Output: any io.Writer (default stdout)

Scoped Loggers:
  - WithComponent("monitor"): tags every event with the subsystem name
  - WithService(desc): tags probe events with the service description
  - WithProvider(name): tags discovery events with the provider name
  - WithTask(id): tags round events with the owning task

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers in long-lived subsystems:

	logger := log.WithComponent("consolidation")
	logger.Info().Int64("watermark", w).Msg("period consolidated")

Quick helpers where no fields are needed:

	log.Warn("check round overran its period")

# Output Formats

JSON (production):

	{"level":"info","component":"monitor","time":"2024-03-05T10:30:00Z","message":"service added"}

Console (development):

	10:30AM INF service added component=monitor

# Integration Points

Every package in uptimed logs through this package. The environment
configuration chooses level and format at daemon startup; the run command
calls Init before any component starts.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
