// Package check implements the "check" command: it validates a
// configuration, loads its target list and resolves every target host
// without downloading anything.
package check

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/pingsantohq/dlspeed/internal/config"
	"github.com/pingsantohq/dlspeed/internal/resolve"
	"github.com/pingsantohq/dlspeed/internal/targets"
)

// ErrChecksFailed is returned when at least one target did not pass.
var ErrChecksFailed = errors.New("one or more checks failed")

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Stdout io.Writer
	Lookup func(ctx context.Context, host string) ([]string, error)
}

type Summary struct {
	ConfigPath string        `json:"config_path,omitempty"`
	Policy     string        `json:"policy"`
	Stop       string        `json:"stop"`
	Budget     string        `json:"budget"`
	TargetFile string        `json:"target_file,omitempty"`
	Revision   string        `json:"revision,omitempty"`
	Verified   bool          `json:"signature_verified"`
	Targets    []TargetCheck `json:"targets"`
	Warnings   []string      `json:"warnings,omitempty"`
}

type TargetCheck struct {
	URL   string   `json:"url"`
	Host  string   `json:"host,omitempty"`
	Addrs []string `json:"addrs,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Run parses args, performs the checks and prints a summary.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to configuration file (default $DLSPEED_CONFIG or "+config.DefaultConfigPath+")")
	targetsFile := fs.String("targets", "", "Override for the target list file")
	skipResolve := fs.Bool("no-resolve", false, "Skip DNS resolution of target hosts")
	asJSON := fs.Bool("json", false, "Print the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOptional(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *targetsFile != "" {
		cfg.Targets.File = *targetsFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	summary := Summary{
		ConfigPath: *configPath,
		Policy:     cfg.Run.Policy,
		Stop:       cfg.Probe.Stop,
		Budget:     cfg.Probe.Budget.String(),
		TargetFile: cfg.Targets.File,
	}

	urls := cfg.TargetURLs()
	if cfg.Targets.File != "" {
		list, err := targets.Load(ctx, cfg.Targets.File, cfg.Targets.PublicKey)
		if err != nil {
			return err
		}
		summary.Revision = list.Revision
		summary.Verified = cfg.Targets.PublicKey != ""
		urls = append(urls, list.URLs...)
	}
	if len(urls) == 0 {
		summary.Warnings = append(summary.Warnings, "no targets configured; pass --url to the run command")
	}

	lookup := deps.Lookup
	if lookup == nil && !*skipResolve {
		r, err := resolve.New(cfg.Transport.DNSResolvers, cfg.Transport.DNSCacheSize, resolve.WithTimeout(cfg.Transport.DialTimeout))
		if err != nil {
			return err
		}
		lookup = r.LookupHost
	}

	failed := false
	for _, raw := range urls {
		tc := checkTarget(ctx, raw, lookup)
		if tc.Error != "" {
			failed = true
		}
		summary.Targets = append(summary.Targets, tc)
	}

	if err := writeSummary(deps.Stdout, summary, *asJSON); err != nil {
		return err
	}
	if failed {
		return ErrChecksFailed
	}
	return nil
}

func checkTarget(ctx context.Context, raw string, lookup func(context.Context, string) ([]string, error)) TargetCheck {
	tc := TargetCheck{URL: raw}
	u, err := url.Parse(raw)
	if err != nil {
		tc.Error = err.Error()
		return tc
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		tc.Error = fmt.Sprintf("unsupported scheme %q", u.Scheme)
		return tc
	}
	tc.Host = u.Hostname()
	if tc.Host == "" {
		tc.Error = "missing host"
		return tc
	}
	if lookup == nil {
		return tc
	}
	addrs, err := lookup(ctx, tc.Host)
	if err != nil {
		tc.Error = err.Error()
		return tc
	}
	tc.Addrs = addrs
	return tc
}

func writeSummary(w io.Writer, s Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "policy=%s stop=%s budget=%s\n", s.Policy, s.Stop, s.Budget)
	if s.TargetFile != "" {
		fmt.Fprintf(&b, "targets: %s (revision %q, signature verified: %t)\n", s.TargetFile, s.Revision, s.Verified)
	}
	for _, tc := range s.Targets {
		switch {
		case tc.Error != "":
			fmt.Fprintf(&b, "FAIL %s: %s\n", tc.URL, tc.Error)
		case len(tc.Addrs) > 0:
			fmt.Fprintf(&b, "ok   %s -> %s\n", tc.URL, strings.Join(tc.Addrs, ", "))
		default:
			fmt.Fprintf(&b, "ok   %s\n", tc.URL)
		}
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", warn)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
