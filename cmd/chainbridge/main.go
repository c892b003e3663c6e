package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "verify-chain":
		return runVerifyChainCmd(args[2:], stdout, stderr)
	case "next-pac":
		return runNextPACCmd(args[2:], stdout, stderr)
	case "reserve":
		return runReserveCmd(args[2:], stdout, stderr)
	case "keys":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: chainbridge keys <generate|derive|revoke|list>")
			return 2
		}
		return runKeysCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return startServer(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sChainBridge Settlement Core %s%s\n", ColorBold+ColorBlue, "v1.2.0", ColorReset)
	fmt.Fprintf(w, "%sAgents propose. The ledger disposes.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  chainbridge <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "ADMISSION")
	printCommand(w, "validate", "Validate governance artifacts (--mode precommit|ci, --json)")
	printCommand(w, "serve", "Run the settlement core server")

	printSection(w, "LEDGER")
	printCommand(w, "verify-chain", "Re-verify the hash chain end to end (--json)")
	printCommand(w, "next-pac", "Show the next assignable sequence number")
	printCommand(w, "reserve", "Reserve the next sequence number (--holder, --authority)")

	printSection(w, "TRUST BOUNDARY")
	printCommand(w, "keys", "Manage settlement keys (generate/derive/revoke/list)")

	printSection(w, "UTILITIES")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
