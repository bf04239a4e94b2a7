// Command mdnssd-log views and analyzes discovery trace files.
//
// Trace files are written by mdnssd when started with -trace or when
// log.trace_file is set in its configuration.
//
// Usage:
//
//	mdnssd-log <command> [flags] <file.dlog>
//
// Commands:
//
//	view     View trace in human-readable format
//	export   Export trace to JSON lines
//	stats    Show statistics about the trace
//
// Examples:
//
//	# View all events
//	mdnssd-log view scan.dlog
//
//	# View only errors of the advertiser
//	mdnssd-log view -component advertiser -category error mdnssd.dlog
//
//	# Show statistics
//	mdnssd-log stats mdnssd.dlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/netdisco/mdnssd-go/cmd/mdnssd-log/commands"
	"github.com/netdisco/mdnssd-go/pkg/log"
)

const usage = `mdnssd-log - mDNS Discovery Trace Analyzer

Usage:
  mdnssd-log <command> [flags] <file.dlog>

Commands:
  view     View trace in human-readable format
  export   Export trace to JSON lines
  stats    Show statistics about the trace

Use "mdnssd-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags holds the event filter flags shared by view and export.
type filterFlags struct {
	session   *string
	component *string
	category  *string
	svcType   *string
	timeStart *string
	timeEnd   *string
}

func addFilterFlags(fs *flag.FlagSet) *filterFlags {
	return &filterFlags{
		session:   fs.String("session", "", "Filter by session ID"),
		component: fs.String("component", "", "Filter by component (advertiser, scanner, watcher)"),
		category:  fs.String("category", "", "Filter by category (state, browse, resolve, filtered, result, error)"),
		svcType:   fs.String("type", "", "Filter by service type"),
		timeStart: fs.String("time-start", "", "Filter by start time (RFC3339)"),
		timeEnd:   fs.String("time-end", "", "Filter by end time (RFC3339)"),
	}
}

func (f *filterFlags) build() (log.Filter, error) {
	filter := log.Filter{SessionID: *f.session, ServiceType: *f.svcType}

	if *f.component != "" {
		c, err := commands.ParseComponentFlag(*f.component)
		if err != nil {
			return filter, err
		}
		filter.Component = &c
	}
	if *f.category != "" {
		c, err := commands.ParseCategoryFlag(*f.category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}

	var err error
	if filter.TimeStart, err = commands.ParseTimeFlag(*f.timeStart); err != nil {
		return filter, err
	}
	if filter.TimeEnd, err = commands.ParseTimeFlag(*f.timeEnd); err != nil {
		return filter, err
	}
	return filter, nil
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mdnssd-log view - View trace in human-readable format

Usage:
  mdnssd-log view [flags] <file.dlog>

Flags:
`)
		fs.PrintDefaults()
	}
	ff := addFilterFlags(fs)

	path := parseArgs(fs, args)
	filter, err := ff.build()
	exitOnError(err)
	exitOnError(commands.RunView(path, filter, os.Stdout))
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mdnssd-log export - Export trace to JSON lines

Usage:
  mdnssd-log export [flags] <file.dlog>

Flags:
`)
		fs.PrintDefaults()
	}
	ff := addFilterFlags(fs)
	output := fs.String("o", "", "Output file (default: stdout)")

	path := parseArgs(fs, args)
	filter, err := ff.build()
	exitOnError(err)
	exitOnError(commands.RunExport(path, filter, *output))
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `mdnssd-log stats - Show statistics about the trace

Usage:
  mdnssd-log stats <file.dlog>

`)
	}

	path := parseArgs(fs, args)
	exitOnError(commands.RunStats(path, os.Stdout))
}

func parseArgs(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: trace file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
