// Package main is the entry point for the messaging load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - converse: Conversation lifecycle load test
//   - smoke:    Single-pair end-to-end smoke test
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "converse":
		runConverse(os.Args[2:])
	case "smoke":
		runSmoke(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N idle connections")
	fmt.Println("  converse    Conversation lifecycle load test — pairs open conversations and exchange messages")
	fmt.Println("  smoke       Single-pair end-to-end smoke test — open, exchange, smart replies, close")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
