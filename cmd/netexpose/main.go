// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// netexpose turns declarative exposure requests for container
// workloads into network resources on the provider, and tears them
// down again with shared-resource awareness.
//
// Usage:
//
//	netexpose [options] expose --workload NAME --ports SPEC[,SPEC...] [--addresses A,B] [--firewall FW] [--load-balancer LB] [--bidirectional] [--private]
//	netexpose [options] unexpose OWNER
//	netexpose [options] list-owners
//	netexpose [options] show-owner OWNER
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"
	"gopkg.in/yaml.v3"

	"github.com/juju/netexpose/internal/azclient"
	"github.com/juju/netexpose/internal/config"
	"github.com/juju/netexpose/internal/exposure"
	"github.com/juju/netexpose/internal/orchestrator"
	"github.com/juju/netexpose/internal/ownership"
	"github.com/juju/netexpose/internal/plan"
	"github.com/juju/netexpose/internal/portspec"
)

var logger = loggo.GetLogger("netexpose.cmd")

const defaultConfigPath = "/etc/netexpose/netexpose.yaml"

func main() {
	os.Exit(Main(os.Args[1:], os.Stdout, os.Stderr))
}

// Main runs the command and returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, args, stdout); err != nil {
		fmt.Fprintf(stderr, "ERROR %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := gnuflag.NewFlagSetWithFlagKnownAs("netexpose", gnuflag.ContinueOnError, "option")
	flags.SetOutput(io.Discard)
	configPath := flags.String("config", envOr("NETEXPOSE_CONFIG", defaultConfigPath), "path to the configuration file")
	logConfig := flags.String("log-config", "", "loggo configuration overriding the config file")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if flags.NArg() == 0 {
		return errors.New("missing command, expected one of: expose, unexpose, list-owners, show-owner")
	}

	cfg, err := config.Read(*configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := setupLogging(cfg, *logConfig); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("loaded configuration from %q", *configPath)

	orch, err := newOrchestrator(cfg)
	if err != nil {
		return errors.Trace(err)
	}

	verb, rest := flags.Arg(0), flags.Args()[1:]
	switch verb {
	case "expose":
		return runExpose(ctx, orch, rest, stdout)
	case "unexpose":
		return runUnexpose(ctx, orch, rest, stdout)
	case "list-owners":
		return runListOwners(orch, stdout)
	case "show-owner":
		return runShowOwner(orch, rest, stdout)
	default:
		return errors.NotValidf("command %q", verb)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogging(cfg *config.Config, override string) error {
	loggo.ResetLogging()
	if cfg.LogFile != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 2,
			Compress:   true,
		}
		err := loggo.RegisterWriter("file", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
		if err != nil {
			return errors.Trace(err)
		}
	}
	spec := cfg.LogConfig
	if override != "" {
		spec = override
	}
	if spec == "" {
		spec = "<root>=INFO"
	}
	return errors.Trace(loggo.ConfigureLoggers(spec))
}

func newOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, error) {
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Annotate(err, "building credential")
	}
	api, err := azclient.New(azclient.Config{
		SubscriptionID: cfg.SubscriptionID,
		ResourceGroup:  cfg.ResourceGroup,
		Location:       cfg.Location,
		Credential:     credential,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	store, err := ownership.NewStore(cfg.LedgerDir, clock.WallClock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	builder := plan.Builder{
		RuleCeiling: cfg.RuleCeiling,
		VNetCIDR:    cfg.VNetCIDR,
		SubnetCIDR:  cfg.SubnetCIDR,
	}
	return &orchestrator.Orchestrator{
		API:                 api,
		Store:               store,
		Builder:             builder,
		Clock:               clock.WallClock,
		ProvisioningTimeout: cfg.ProvisioningTimeout,
		MaxAttempts:         cfg.MaxAttempts,
		Parallelism:         cfg.Parallelism,
	}, nil
}

func runExpose(ctx context.Context, orch *orchestrator.Orchestrator, args []string, stdout io.Writer) error {
	req, err := parseExposeArgs(args)
	if err != nil {
		return errors.Trace(err)
	}
	result, err := orch.Expose(ctx, *req)
	if err != nil {
		return errors.Trace(err)
	}
	out := struct {
		Workload  string            `yaml:"workload"`
		Strategy  string            `yaml:"strategy"`
		Addresses map[string]string `yaml:"addresses,omitempty"`
		Resources int               `yaml:"resources"`
	}{
		Workload:  req.Workload,
		Strategy:  string(result.Strategy),
		Addresses: result.Addresses,
		Resources: len(result.Applied),
	}
	return errors.Trace(printYAML(stdout, out))
}

// parseExposeArgs assembles an exposure request from command line
// arguments.
func parseExposeArgs(args []string) (*exposure.Request, error) {
	flags := gnuflag.NewFlagSetWithFlagKnownAs("expose", gnuflag.ContinueOnError, "option")
	flags.SetOutput(io.Discard)
	workload := flags.String("workload", "", "workload to expose")
	ports := flags.String("ports", "", "comma separated port specs, e.g. 5060-5062:udp,443:tcp")
	addresses := flags.String("addresses", "", "comma separated public addresses to bind")
	firewall := flags.String("firewall", "", "firewall fronting the workload")
	loadBalancer := flags.String("load-balancer", "", "load balancer fronting the workload")
	bidirectional := flags.Bool("bidirectional", false, "accept inbound traffic as well as outbound")
	private := flags.Bool("private", false, "attach the workload to private network connectivity")
	strategy := flags.String("strategy", "", "expected exposure strategy, checked against the selection")
	if err := flags.Parse(true, args); err != nil {
		return nil, errors.Trace(err)
	}
	if *workload == "" {
		return nil, errors.NotValidf("expose without --workload")
	}
	req := &exposure.Request{
		Workload:            *workload,
		StrategyHint:        exposure.Strategy(*strategy),
		Bidirectional:       *bidirectional,
		Firewall:            *firewall,
		LoadBalancer:        *loadBalancer,
		PrivateConnectivity: *private,
		Addresses:           splitList(*addresses),
	}
	if *ports != "" {
		parsed, err := portspec.ParseAll(splitList(*ports))
		if err != nil {
			return nil, errors.Trace(err)
		}
		req.Ports = parsed
	}
	return req, nil
}

func runUnexpose(ctx context.Context, orch *orchestrator.Orchestrator, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("unexpose takes exactly one owner")
	}
	result, err := orch.Unexpose(ctx, args[0])
	if err != nil {
		return errors.Trace(err)
	}
	out := struct {
		Deleted []string `yaml:"deleted,omitempty"`
		Kept    []string `yaml:"kept,omitempty"`
		Skipped []string `yaml:"skipped,omitempty"`
	}{result.Deleted, result.Kept, result.Skipped}
	return errors.Trace(printYAML(stdout, out))
}

func runListOwners(orch *orchestrator.Orchestrator, stdout io.Writer) error {
	owners, err := orch.Owners()
	if err != nil {
		return errors.Trace(err)
	}
	for _, owner := range owners {
		fmt.Fprintln(stdout, owner)
	}
	return nil
}

func runShowOwner(orch *orchestrator.Orchestrator, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("show-owner takes exactly one owner")
	}
	record, err := orch.Record(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(printYAML(stdout, record))
}

func printYAML(w io.Writer, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = w.Write(data)
	return errors.Trace(err)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
