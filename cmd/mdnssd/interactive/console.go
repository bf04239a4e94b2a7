// Package interactive provides the mdnssd command console.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/netdisco/mdnssd-go/pkg/agent"
	"github.com/netdisco/mdnssd-go/pkg/config"
	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

// Console is a line-oriented console driving an agent.Manager.
type Console struct {
	mgr *agent.Manager
	cfg *config.Config
	out io.Writer
	rl  *readline.Instance

	filter discovery.ScanFilter
}

// New creates a console writing to out.
func New(mgr *agent.Manager, cfg *config.Config, out io.Writer) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mdnssd> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		return nil, err
	}
	c := newConsole(mgr, cfg, out)
	c.rl = rl
	return c, nil
}

func newConsole(mgr *agent.Manager, cfg *config.Config, out io.Writer) *Console {
	return &Console{
		mgr:    mgr,
		cfg:    cfg,
		out:    out,
		filter: cfg.ScanFilter(),
	}
}

// Run reads commands until exit, EOF or ctx ends. The shared discovery
// context is pumped in the background while the console runs.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go c.pump(pumpCtx)

	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	c.printHelp()

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

func (c *Console) pump(ctx context.Context) {
	for ctx.Err() == nil {
		if !c.mgr.Advertiser().State().Started {
			time.Sleep(discovery.PumpTimeout)
			continue
		}
		if err := c.mgr.Watcher().Pump(); err != nil {
			fmt.Fprintf(c.out, "pump: %v\n", err)
			return
		}
	}
}

// Execute runs one command line. It returns false when the console should
// exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "scan":
		c.cmdScan(ctx)
	case "announce":
		c.cmdAnnounce(ctx)
	case "update":
		c.cmdUpdate()
	case "txt":
		c.cmdTXT(args)
	case "watch":
		c.cmdWatch(args)
	case "unwatch":
		c.mgr.Watcher().StopWatching()
		fmt.Fprintln(c.out, "Watching stopped")
	case "drain":
		c.cmdDrain()
	case "filter":
		c.cmdFilter(args)
	case "status", "st":
		c.cmdStatus()
	case "exit", "quit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `
Commands:
  scan                      Scan once and print what answers
  announce                  Announce the configured service
  update                    Push the current TXT records
  txt <key> <value>         Set a TXT record
  watch [type]              Watch a service type for new instances
  unwatch                   Stop watching
  drain                     Print and clear queued discoveries
  filter                    Show the filter
  filter clear              Disable the filter
  filter <field> <value>    Set subtypes, manufacturer, key or value
  status                    Show the advertiser state
  help                      Show this help
  exit                      Exit
`)
}

func (c *Console) cmdScan(ctx context.Context) {
	results, err := c.mgr.DoScan(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Scan failed: %v\n", err)
		return
	}
	if len(results) == 0 {
		fmt.Fprintln(c.out, "No services found")
		return
	}
	agent.WriteServices(c.out, results)
}

func (c *Console) cmdAnnounce(ctx context.Context) {
	if err := c.mgr.DoAnnounce(ctx); err != nil {
		fmt.Fprintf(c.out, "Announce failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Announced as %q\n", c.mgr.Advertiser().ServiceName())
}

func (c *Console) cmdUpdate() {
	_, txt := c.mgr.Definition()
	c.mgr.Advertiser().SetTxtRecords(txt)
	if err := c.mgr.Advertiser().Update(); err != nil {
		fmt.Fprintf(c.out, "Update failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "TXT records updated")
}

func (c *Console) cmdTXT(args []string) {
	if len(args) < 2 {
		_, txt := c.mgr.Definition()
		keys := make([]string, 0, len(txt))
		for k := range txt {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(c.out, "  %s=%s\n", k, txt[k])
		}
		return
	}
	c.mgr.SetTxtRecord(args[0], strings.Join(args[1:], " "))
	fmt.Fprintf(c.out, "Set %s (run 'update' to publish)\n", args[0])
}

func (c *Console) cmdWatch(args []string) {
	serviceType := c.cfg.Scan.Type
	if len(args) > 0 {
		serviceType = args[0]
	}
	if serviceType == "" {
		serviceType = discovery.DefaultScanType
	}
	if err := c.mgr.Watcher().StartWatching(serviceType); err != nil {
		fmt.Fprintf(c.out, "Watch failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Watching %s\n", serviceType)
}

func (c *Console) cmdDrain() {
	var found []discovery.ResolvedService
	for {
		svc, ok := c.mgr.Watcher().DequeueOldest()
		if !ok {
			break
		}
		found = append(found, svc)
	}
	if len(found) == 0 {
		fmt.Fprintln(c.out, "Queue empty")
		return
	}
	agent.WriteServices(c.out, found)
}

func (c *Console) cmdFilter(args []string) {
	if len(args) == 0 {
		c.printFilter()
		return
	}

	field := strings.ToLower(args[0])
	value := strings.Join(args[1:], " ")
	switch field {
	case "clear", "off":
		c.filter = discovery.ScanFilter{}
	case "subtypes", "type":
		c.filter.SubTypes = discovery.ParseSubTypes(value)
	case "manufacturer":
		c.filter.Manufacturer = value
	case "key":
		c.filter.CustomKey = value
	case "value":
		c.filter.CustomValue = value
	default:
		fmt.Fprintf(c.out, "Unknown filter field: %s\n", field)
		return
	}
	c.mgr.SetFilter(c.filter)
	c.printFilter()
}

func (c *Console) printFilter() {
	if !c.filter.Enabled() {
		fmt.Fprintln(c.out, "Filter: disabled")
		return
	}
	fmt.Fprintln(c.out, "Filter:")
	fmt.Fprintf(c.out, "  subtypes:     %s\n", strings.Join(c.filter.SubTypes, ","))
	fmt.Fprintf(c.out, "  manufacturer: %s\n", c.filter.Manufacturer)
	fmt.Fprintf(c.out, "  key:          %s\n", c.filter.CustomKey)
	fmt.Fprintf(c.out, "  value:        %s\n", c.filter.CustomValue)
}

func (c *Console) cmdStatus() {
	st := c.mgr.Advertiser().State()
	fmt.Fprintln(c.out, "Advertiser:")
	fmt.Fprintf(c.out, "  started:  %v\n", st.Started)
	fmt.Fprintf(c.out, "  name:     %s\n", st.ServiceName)
	fmt.Fprintf(c.out, "  client:   %s\n", st.Client)
	fmt.Fprintf(c.out, "  group:    %s\n", st.Group)
	if st.Err != nil {
		fmt.Fprintf(c.out, "  error:    %v\n", st.Err)
	}
	fmt.Fprintln(c.out, "Watcher:")
	fmt.Fprintf(c.out, "  watching: %v\n", c.mgr.Watcher().Watching())
	fmt.Fprintf(c.out, "  queued:   %d\n", c.mgr.Watcher().QueueDepth())
}
