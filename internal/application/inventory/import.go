// Package inventory seeds workloads, rules and hosts from a yaml file. The
// scanner itself only reads the inventory; this is the bootstrap path for
// dev setups and tests.
package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/rules"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
)

// Store write side of the inventory tables
type Store interface {
	CreateWorkload(ctx context.Context, name, description string) (int64, error)
	CreateRule(ctx context.Context, r *domain.Rule) error
	CreateHost(ctx context.Context, h *domain.HostTarget) error
}

type File struct {
	Workloads []Workload `yaml:"workloads"`
	Hosts     []Host     `yaml:"hosts"`
}

type Workload struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Rules       []Rule `yaml:"rules"`
}

type Rule struct {
	Name       string         `yaml:"name"`
	Command    string         `yaml:"command"`
	Parameters map[string]any `yaml:"parameters"`
	// nil means active
	Active *bool `yaml:"active"`
}

type Host struct {
	Hostname string `yaml:"hostname"`
	Address  string `yaml:"address"`
	SSHPort  int    `yaml:"sshPort"`
	Workload string `yaml:"workload"`
	Role     string `yaml:"role"`
	OwnerID  string `yaml:"ownerId"`
	Active   *bool  `yaml:"active"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// path to a PEM key, relative to the inventory file
	PrivateKeyFile string `yaml:"privateKeyFile"`
}

// Result counts of one import
type Result struct {
	Workloads int `json:"workloads"`
	Rules     int `json:"rules"`
	Hosts     int `json:"hosts"`
}

// Load parses path. Private key files are read relative to it.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range f.Hosts {
		if p := f.Hosts[i].PrivateKeyFile; p != "" && !filepath.IsAbs(p) {
			f.Hosts[i].PrivateKeyFile = filepath.Join(base, p)
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names, references and that every rule's parameters
// resolve into checks.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Workloads))
	for _, w := range f.Workloads {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			return fmt.Errorf("workload without name")
		}
		if seen[name] {
			return fmt.Errorf("workload %q defined twice", name)
		}
		seen[name] = true
		for _, r := range w.Rules {
			if r.Name == "" {
				return fmt.Errorf("workload %q: rule without name", name)
			}
			if _, err := rules.FromParameters(r.Parameters); err != nil {
				return fmt.Errorf("workload %q rule %q: %w", name, r.Name, err)
			}
		}
	}
	for _, h := range f.Hosts {
		if h.Hostname == "" || h.Address == "" {
			return fmt.Errorf("host needs hostname and address (got %q/%q)", h.Hostname, h.Address)
		}
		if h.Workload != "" && !seen[h.Workload] {
			return fmt.Errorf("host %q: unknown workload %q", h.Hostname, h.Workload)
		}
		if h.SSHPort < 0 || h.SSHPort > 65535 {
			return fmt.Errorf("host %q: invalid sshPort %d", h.Hostname, h.SSHPort)
		}
	}
	return nil
}

// Import writes f into store. It is not transactional; a failure leaves
// what was written so far.
func Import(ctx context.Context, store Store, f *File) (Result, error) {
	var res Result
	if err := f.Validate(); err != nil {
		return res, err
	}
	ids := make(map[string]int64, len(f.Workloads))
	for _, w := range f.Workloads {
		id, err := store.CreateWorkload(ctx, w.Name, w.Description)
		if err != nil {
			return res, fmt.Errorf("workload %q: %w", w.Name, err)
		}
		ids[w.Name] = id
		res.Workloads++
		for _, r := range w.Rules {
			rule := &domain.Rule{
				WorkloadID: id,
				Name:       r.Name,
				Command:    r.Command,
				Parameters: r.Parameters,
				Active:     r.Active == nil || *r.Active,
			}
			if err := store.CreateRule(ctx, rule); err != nil {
				return res, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			res.Rules++
		}
	}
	for _, h := range f.Hosts {
		host := &domain.HostTarget{
			Hostname:   h.Hostname,
			Address:    h.Address,
			SSHPort:    h.SSHPort,
			WorkloadID: ids[h.Workload],
			Role:       h.Role,
			OwnerID:    h.OwnerID,
			Active:     h.Active == nil || *h.Active,
			Credentials: domain.Credentials{
				Username: h.Username,
				Password: h.Password,
			},
		}
		if h.PrivateKeyFile != "" {
			key, err := os.ReadFile(h.PrivateKeyFile)
			if err != nil {
				return res, fmt.Errorf("host %q: %w", h.Hostname, err)
			}
			host.Credentials.PrivateKey = string(key)
		}
		if err := store.CreateHost(ctx, host); err != nil {
			return res, fmt.Errorf("host %q: %w", h.Hostname, err)
		}
		res.Hosts++
	}
	return res, nil
}
