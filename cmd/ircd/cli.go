package main

import (
	"flag"
	"fmt"
	"os"

	"ircd/internal/config"
)

// RunCLI handles subcommand execution ahead of the main flag set, the
// same shape as the teacher's cli.go RunCLI. Returns true if a subcommand
// was handled (the caller should not fall through to serve mode).
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("ircd %s\n", Version)
		return true
	case "status":
		return cliStatus(args[1:])
	default:
		return false
	}
}

// cliStatus implements `ircd status -c <config.toml>`: prints a snapshot
// of live settings without starting a listener.
func cliStatus(args []string) bool {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("c", "", "path to the TOML configuration file")
	fs.Parse(args)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "ircd status: -c <config.toml> is required")
		os.Exit(exitConfigError)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircd status: %v\n", err)
		os.Exit(exitConfigError)
	}

	fmt.Printf("Server:     %s\n", cfg.Name)
	fmt.Printf("Network:    %s\n", cfg.Network)
	fmt.Printf("Listeners:  %d\n", len(cfg.Listeners))
	fmt.Printf("Database:   %s\n", cfg.DB.Database)
	fmt.Printf("Relay:      %s\n", relaySummary(cfg.AMQP.URL))
	fmt.Printf("Admin API:  %s\n", adminSummary(cfg))
	fmt.Printf("Max joins:  %d\n", cfg.MaxJoins)
	fmt.Printf("Operators:  %d\n", len(cfg.Operators))
	fmt.Printf("Channels:   %d pre-declared\n", len(cfg.Channels))
	fmt.Printf("Version:    %s\n", Version)
	return true
}

func relaySummary(url string) string {
	if url == "" {
		return "disabled"
	}
	return "enabled"
}

func adminSummary(cfg *config.Config) string {
	if cfg.Admin.Listen == "" {
		return "disabled"
	}
	return fmt.Sprintf("%s:%d", cfg.Admin.Listen, cfg.Admin.Port)
}
