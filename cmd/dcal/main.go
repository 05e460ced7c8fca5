// Command dcal runs the claims automation layer: an event-driven vetting
// pipeline that admits signed claim envelopes, evaluates rules and ML models,
// synthesizes intelligence reports, and publishes them behind a hash-chained
// audit trail.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exit codes: 0 success, 1 runtime failure,
// 2 usage or rule-integrity failure, 3 audit-chain integrity failure.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "verify-audit":
		return runVerifyAudit(args[2:], stdout, stderr)
	case "verify-rules":
		return runVerifyRules(args[2:], stdout, stderr)
	case "replay-outbox":
		return runReplayOutbox(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "dcal - dynamic claims automation layer")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  dcal <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve         Run the analysis pipeline (default)")
	fmt.Fprintln(w, "  verify-audit  Verify the audit chain (--from, --to, --json)")
	fmt.Fprintln(w, "  verify-rules  Verify a ruleset artifact (--file, --json)")
	fmt.Fprintln(w, "  replay-outbox Show the undelivered event backlog, or --drain it to the broker (--limit, --json)")
	fmt.Fprintln(w, "  help          Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration and secrets are read from DCAL_* environment variables.")
}
