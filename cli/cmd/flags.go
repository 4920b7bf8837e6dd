// Package cmd provides CLI commands for the camlink binary.
package cmd

import (
	"os"

	"github.com/urfave/cli/v2"
)

// Exit codes shared by listen, send and say.
const (
	exitSuccess         = 0
	exitFailure         = 1
	exitAuthRejected    = 2
	exitConnectionError = 3
)

// Output flags shared by every command that renders results.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the Bubble Tea live monitor (listen only).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (listen only)",
	}
)

// OutputFlags returns the shared rendering flags.
// Includes --tui so that commands without a monitor can reject it
// explicitly instead of failing with "flag not defined".
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// ConnectionFlags returns the flags every channel command needs.
func ConnectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to camlink.yaml (flags override file values)",
		},
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "WebSocket server URL (ws:// or wss://)",
			EnvVars: []string{"CAMLINK_SERVER"},
		},
		&cli.StringFlag{
			Name:    "identity",
			Aliases: []string{"id"},
			Usage:   "Client identity sent on connect and used for filtering",
			EnvVars: []string{"CAMLINK_IDENTITY"},
		},
		&cli.StringFlag{
			Name:  "identity-match",
			Usage: "Identity match policy: substring, exact",
			Value: "substring",
		},
		&cli.StringSliceFlag{
			Name:  "reject-marker",
			Usage: "Reply substring that means the identity was refused (repeatable)",
		},
		&cli.StringSliceFlag{
			Name:  "header",
			Usage: "Extra handshake header as key=value (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "connect-timeout",
			Usage: "Timeout for the WebSocket handshake",
			Value: defaultConnectTimeout,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "info",
		},
	}
}

// TransferFlags returns the chunking flags.
func TransferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Encoded characters per chunk message (default 60000)",
		},
		&cli.IntFlag{
			Name:  "single-shot-limit",
			Usage: "Largest single-shot line in characters (default 100000)",
		},
	}
}

// isStderrTTY reports whether stderr is a terminal.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
