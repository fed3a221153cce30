package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/config"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/gateway"
	"github.com/Harvey-AU/stealth-bee/internal/proxy"
	"github.com/Harvey-AU/stealth-bee/internal/router"
	"github.com/spf13/cobra"
)

// allCapabilities is assumed when previewing cascades without probing.
var allCapabilities = fetch.Capabilities{
	TLSImpersonation:  true,
	BrowserAutomation: true,
	ProxyPool:         true,
	WAFBypass:         true,
}

func newSitesCmd() *cobra.Command {
	var (
		file  string
		probe bool
	)

	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Validate the site catalogue and show each site's cascade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.GetEnvWithDefault("SITES_CONFIG", "")
			}
			if file == "" {
				return errors.New("no catalogue given: pass --file or set SITES_CONFIG")
			}
			sites, err := config.LoadSites(file)
			if err != nil {
				return err
			}

			caps := allCapabilities
			if probe {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				caps = gateway.Probe(cmd.Context(), cfg.Features, len(cfg.Proxies), gateway.Checks{})
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SITE\tDIFFICULTY\tDELAY\tPRIORITY\tPOLL\tCASCADE")
			for _, s := range sites {
				poll := "-"
				if s.PollURL != "" {
					poll = s.PollInterval.String()
					if s.PollInterval == 0 {
						poll = "default"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s-%s\t%d\t%s\t%s\n",
					s.Name, s.Difficulty, s.MinDelay, s.MaxDelay, s.Priority, poll,
					joinStrategies(router.Cascade(s, caps)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Catalogue path (defaults to SITES_CONFIG)")
	cmd.Flags().BoolVar(&probe, "probe", false, "Prune cascades against locally probed capabilities")
	return cmd
}

func joinStrategies(list []fetch.Strategy) string {
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = string(s)
	}
	return strings.Join(names, " > ")
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report which optional subsystems work on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			caps := gateway.Probe(cmd.Context(), cfg.Features, len(cfg.Proxies), gateway.Checks{})
			raw, err := json.Marshal(caps)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newProxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Show the gateway's proxy pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(cmd.Context(), "GET", "/v1/proxies", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.AddCommand(newProxiesCheckCmd())
	return cmd
}

func newProxiesCheckCmd() *cobra.Command {
	var (
		target      string
		probeTime   time.Duration
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the proxies configured in the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := config.LoadProxies()
			if err != nil {
				return err
			}
			if len(configs) == 0 {
				return errors.New("no proxies configured: set PROXY_LIST or PROXY_HOST")
			}

			opts := []proxy.ValidatorOption{proxy.WithProbeTimeout(probeTime)}
			if target != "" {
				opts = append(opts, proxy.WithTarget(target))
			}
			return reportProbes(cmd, proxy.ProbeAll(cmd.Context(), proxy.NewValidator(opts...), configs, concurrency))
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "host:port to handshake with through each proxy")
	cmd.Flags().DurationVar(&probeTime, "probe-timeout", 10*time.Second, "Per-proxy timeout")
	cmd.Flags().IntVar(&concurrency, "concurrency", proxy.DefaultProbeConcurrency, "Proxies probed at once")
	return cmd
}

func reportProbes(cmd *cobra.Command, results []proxy.ProbeResult) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROXY\tPROVIDER\tLATENCY\tRESULT")
	healthy := 0
	for _, r := range results {
		result := "ok"
		latency := r.Latency.Round(time.Millisecond).String()
		if r.Err != nil {
			result = r.Err.Error()
			latency = "-"
		} else {
			healthy++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Config.Redacted(), r.Config.Provider, latency, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d/%d proxies healthy\n", healthy, len(results))
	if healthy == 0 {
		return errors.New("no proxy passed the probe")
	}
	return nil
}
