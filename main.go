package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/palisade-fw/palisade/cmd"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := statusFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		statusFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "apply":
		applyFlags := flag.NewFlagSet("apply", flag.ExitOnError)
		configFile := applyFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		applyFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		noValidate := applyFlags.Bool("no-validate", false, "Skip pre-apply policy validation")
		applyFlags.Parse(os.Args[2:])

		if len(applyFlags.Args()) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: palisade apply [options] <policy>")
			os.Exit(1)
		}

		if err := cmd.RunApply(*configFile, applyFlags.Arg(0), *noValidate); err != nil {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			os.Exit(1)
		}

	case "enable":
		enableFlags := flag.NewFlagSet("enable", flag.ExitOnError)
		configFile := enableFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		enableFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		enableFlags.Parse(os.Args[2:])

		if err := cmd.RunEnable(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Enable failed: %v\n", err)
			os.Exit(1)
		}

	case "report":
		reportFlags := flag.NewFlagSet("report", flag.ExitOnError)
		configFile := reportFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		reportFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		framework := reportFlags.String("framework", "", "Evaluate a single framework")
		reportFlags.StringVar(framework, "f", "", "Evaluate a single framework (short)")
		reportFlags.Parse(os.Args[2:])

		if err := cmd.RunReport(*configFile, *framework); err != nil {
			fmt.Fprintf(os.Stderr, "Report failed: %v\n", err)
			os.Exit(1)
		}

	case "verify":
		verifyFlags := flag.NewFlagSet("verify", flag.ExitOnError)
		configFile := verifyFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		verifyFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		verifyFlags.Parse(os.Args[2:])

		if len(verifyFlags.Args()) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: palisade verify [options] <host> <cert.pem>")
			os.Exit(1)
		}

		if err := cmd.RunVerify(*configFile, verifyFlags.Arg(0), verifyFlags.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
			os.Exit(1)
		}

	case "validate":
		validateFlags := flag.NewFlagSet("validate", flag.ExitOnError)
		verbose := validateFlags.Bool("verbose", false, "Verbose output")
		validateFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		validateFlags.Parse(os.Args[2:])

		configFile := cmd.DefaultConfigFile
		if len(validateFlags.Args()) > 0 {
			configFile = validateFlags.Arg(0)
		}

		if err := cmd.RunValidate(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
			os.Exit(1)
		}

	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		metricsAddr := startFlags.String("metrics", "127.0.0.1:9155", "Metrics listen address")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile, *metricsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`palisade - host firewall policy and trust enforcement

Usage:
  palisade <command> [options]

Commands:
  status    Show backend state, applied policies and trust sets
            Options: --config (-c) <file>
  apply     Validate and apply a named policy
            Options: --config (-c) <file>, --no-validate
  enable    Activate the firewall and persist across reboots
            Options: --config (-c) <file>
  report    Evaluate compliance frameworks against live state
            Options: --config (-c) <file>, --framework (-f) <name>
  verify    Verify a host certificate and mark the host trusted
            Options: --config (-c) <file>
  validate  Check a configuration file offline
            Options: --verbose (-v)
  start     Run the foreground daemon (auto-apply, trust loop, metrics)
            Options: --config (-c) <file>, --metrics <addr>

Examples:
  palisade validate -v /etc/palisade/palisade.hcl
  palisade apply web_services
  palisade report --framework zero-trust
  palisade verify 10.0.0.8 /etc/palisade/certs/db.pem
`)
}
