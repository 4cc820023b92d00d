// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads and validates the orchestrator's YAML
// configuration file.
package config

import (
	"net"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config carries everything the orchestrator needs to reach the
// provider and run its reconciliation loop.
type Config struct {
	// SubscriptionID identifies the provider subscription all
	// resources are created in.
	SubscriptionID string `yaml:"subscription-id"`

	// ResourceGroup is the resource group holding every managed
	// resource.
	ResourceGroup string `yaml:"resource-group"`

	// Location is the provider region, for example "westeurope".
	Location string `yaml:"location"`

	// LedgerDir is the directory holding per-owner ownership records.
	LedgerDir string `yaml:"ledger-dir"`

	// RuleCeiling bounds the number of firewall rules a single plan
	// may produce. Zero means the built-in default.
	RuleCeiling int `yaml:"rule-ceiling,omitempty"`

	// ProvisioningTimeout bounds each long-running remote operation.
	// Zero means the built-in default.
	ProvisioningTimeout time.Duration `yaml:"provisioning-timeout,omitempty"`

	// MaxAttempts bounds retries of transient remote failures.
	MaxAttempts int `yaml:"max-attempts,omitempty"`

	// Parallelism bounds the reconciler's fan-out.
	Parallelism int `yaml:"parallelism,omitempty"`

	// VNetCIDR and SubnetCIDR override the address space carved out
	// for firewall-routed connectivity.
	VNetCIDR   string `yaml:"vnet-cidr,omitempty"`
	SubnetCIDR string `yaml:"subnet-cidr,omitempty"`

	// LogFile, when set, mirrors the log to a rotated file.
	LogFile string `yaml:"log-file,omitempty"`

	// LogConfig is a loggo specification, for example
	// "<root>=INFO;netexpose.reconcile=DEBUG".
	LogConfig string `yaml:"log-config,omitempty"`
}

// Validate returns an error if the configuration is incomplete or
// internally inconsistent.
func (c Config) Validate() error {
	if c.SubscriptionID == "" {
		return errors.NotValidf("empty subscription-id")
	}
	if c.ResourceGroup == "" {
		return errors.NotValidf("empty resource-group")
	}
	if c.Location == "" {
		return errors.NotValidf("empty location")
	}
	if c.LedgerDir == "" {
		return errors.NotValidf("empty ledger-dir")
	}
	if c.RuleCeiling < 0 {
		return errors.NotValidf("negative rule-ceiling")
	}
	if c.ProvisioningTimeout < 0 {
		return errors.NotValidf("negative provisioning-timeout")
	}
	if c.MaxAttempts < 0 {
		return errors.NotValidf("negative max-attempts")
	}
	if c.Parallelism < 0 {
		return errors.NotValidf("negative parallelism")
	}
	for _, cidr := range []string{c.VNetCIDR, c.SubnetCIDR} {
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return errors.NotValidf("CIDR %q", cidr)
		}
	}
	return nil
}

// Read loads and validates the configuration at path.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	return Parse(data)
}

// Parse unmarshals and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Annotate(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}
