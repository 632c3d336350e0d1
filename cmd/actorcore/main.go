// Command actorcore resolves actor stat snapshots from the command line or
// serves them over HTTP.
package main

import (
	"fmt"
	"io"
	"os"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "resolve":
		return runResolveCmd(args[2:], stdout, stderr)
	case "batch":
		return runBatchCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "actorcore %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "actorcore %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  actorcore <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "resolve", "Resolve one actor snapshot (--actor, --rules)")
	printCommand(w, "batch", "Resolve a list of actors (--actors, --rules)")
	printCommand(w, "validate", "Validate a rules document (--rules)")
	printCommand(w, "doctor", "Check configuration and backends (--json)")
	printCommand(w, "serve", "Run the HTTP server (--addr, --rules)")
	printCommand(w, "version", "Show version information")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Settings are read from ACTORCORE_* environment variables.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
