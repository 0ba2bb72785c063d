// Package main provides the linkup CLI: one-shot reading fetches, a
// periodic watch mode with config reload, and cache maintenance for a
// LibreLinkUp follower account.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/librewatch/linkup"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "fetch":
		err = runFetch(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "clear":
		err = runClear(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkup: %v\n", err)
		if errors.Is(err, linkup.ErrInvalidCredentials) {
			fmt.Fprintln(os.Stderr, "linkup: check the follower account email and password")
		}
		os.Exit(1)
	}
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	var opts commonOpts
	addCommonFlags(fs, &opts)
	force := fs.Bool("force", false, "Bypass the fresh-cache fast path")
	latestOnly := fs.Bool("latest", false, "Print only the most recent reading")
	asJSON := fs.Bool("json", false, "Emit readings as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := opts.resolve()
	if err != nil {
		return err
	}
	unit, err := linkup.ParseUnit(cfg.Unit)
	if err != nil {
		return err
	}
	logger := newLogger(opts.verbose)
	client, closer, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}
	defer closer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	readings, err := client.Readings(ctx, *force)
	if err != nil {
		return err
	}
	if *latestOnly {
		readings = readings[len(readings)-1:]
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if *latestOnly {
			return enc.Encode(readings[0])
		}
		return enc.Encode(readings)
	}
	for _, r := range readings {
		printReading(os.Stdout, r, unit)
	}
	return nil
}

func runClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ContinueOnError)
	var opts commonOpts
	addCommonFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := opts.resolve()
	if err != nil {
		return err
	}
	logger := newLogger(opts.verbose)
	client, closer, err := buildClient(cfg, logger)
	if err != nil {
		return err
	}
	defer closer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Clear(ctx); err != nil {
		return err
	}
	fmt.Println("cache cleared")
	return nil
}

func printReading(w io.Writer, r linkup.Reading, unit linkup.Unit) {
	var marker string
	switch {
	case r.High:
		marker = "  HIGH"
	case r.Low:
		marker = "  LOW"
	}
	value := fmt.Sprintf("%6.0f", r.Value(unit))
	if unit == linkup.UnitMmolPerL {
		value = fmt.Sprintf("%6.1f", r.Value(unit))
	}
	fmt.Fprintf(w, "%s  %s %s%s\n", r.Timestamp.Format("2006-01-02 15:04"), value, unit, marker)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `linkup - LibreLinkUp reading fetcher

Usage:
  linkup fetch [flags]
  linkup watch [flags]
  linkup clear [flags]

Common flags:
  -email       Account email (or set LINKUP_EMAIL)
  -password    Account password (or set LINKUP_PASSWORD)
  -config      JSON config file (or set LINKUP_CONFIG)
  -base-url    Gateway base URL (default %s)
  -unit        Display unit: mg/dL or mmol/L (default mg/dL)
  -store       Cache backend: memory, file, or redis (default file)
  -dir         Cache directory for the file backend
  -redis-addr  Redis host:port for the redis backend
  -verbose     Enable debug logging

Fetch flags:
  -force       Bypass the fresh-cache fast path
  -latest      Print only the most recent reading
  -json        Emit readings as JSON

Watch flags:
  -interval    Poll interval (default 1m)

Notes:
  - fetch serves from the cache when it is fresh; -force always goes upstream.
  - watch re-reads -config when the file changes and rebuilds the client.
  - clear drops the cached readings and the saved session (use on logout).
`, linkup.DefaultBaseURL)
}
