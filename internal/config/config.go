// Package config loads the marfs configuration: the Namespace and Repo
// tables that the path resolver, MDAL, and DAL all index against, plus the
// ambient Global, Network and GC blocks. Namespace/repo lookups are built
// once at load time into immutable indexed maps (see Index) rather than
// passed around as process-wide globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Protocol identifies a DAL backend's wire protocol.
type Protocol string

const (
	ProtocolS3         Protocol = "s3"
	ProtocolS3EMC      Protocol = "s3-emc"
	ProtocolSproxyd    Protocol = "sproxyd"
	ProtocolSemiDirect Protocol = "semi-direct"
	ProtocolMC         Protocol = "mc"

	// ProtocolDirect marks a repo whose file data lives in the MDFS file
	// itself: no object store is involved and reads pass straight through
	// to the MD file.
	ProtocolDirect Protocol = "direct"
)

// Perm is one bit of the NS iperm/bperm bitmask (§3).
type Perm uint8

const (
	PermReadMeta Perm = 1 << iota
	PermWriteMeta
	PermReadData
	PermWriteData
	PermTruncateData
	PermUnlinkData
)

// HasAll reports whether mask contains every bit in required.
func (mask Perm) HasAll(required Perm) bool {
	return mask&required == required
}

// RangeEntry picks a repo for writes of a given size; Max == 0 means
// unbounded (the last entry in a range_list).
type RangeEntry struct {
	Min  int64  `yaml:"min"`
	Max  int64  `yaml:"max"`
	Repo string `yaml:"repo"`
}

// Namespace is the §3 NS record.
type Namespace struct {
	Name            string       `yaml:"name"`
	MountSuffix     string       `yaml:"mount_suffix"`
	MDPath          string       `yaml:"md_path"`
	TrashPath       string       `yaml:"trash_path"`
	FSInfoPath      string       `yaml:"fsinfo_path"`
	IPerm           Perm         `yaml:"iperm"`
	BPerm           Perm         `yaml:"bperm"`
	IWriteRepo      string       `yaml:"iwrite_repo"`
	RangeList       []RangeEntry `yaml:"range_list"`
	SoftQuotaBytes  int64        `yaml:"soft_quota_bytes"`
	HardQuotaBytes  int64        `yaml:"hard_quota_bytes"`
	SoftQuotaInodes int64        `yaml:"soft_quota_inodes"`
	HardQuotaInodes int64        `yaml:"hard_quota_inodes"`
	IsRoot          bool         `yaml:"-"`
}

// WriteRepo resolves the repo name for a non-interactive write of size n:
// the first range_list entry covering n (Max == 0 means unbounded), or
// false when no entry covers it.
func (ns *Namespace) WriteRepo(size int64) (string, bool) {
	for _, r := range ns.RangeList {
		if size >= r.Min && (r.Max == 0 || size <= r.Max) {
			return r.Repo, true
		}
	}
	return "", false
}

// Repo is the §3 Repo record.
type Repo struct {
	Name             string        `yaml:"name"`
	Hosts            []string      `yaml:"hosts"`
	Protocol         Protocol      `yaml:"protocol"`
	AuthMethod       string        `yaml:"auth_method"`
	AccessKey        string        `yaml:"access_key"`
	SecretKey        string        `yaml:"secret_key"`
	TLS              bool          `yaml:"tls"`
	ChunkSize        int64         `yaml:"chunk_size"`
	MinPackFileCount int           `yaml:"min_pack_file_count"`
	MaxPackFileCount int           `yaml:"max_pack_file_count"`
	MinPackFileSize  int64         `yaml:"min_pack_file_size"`
	MaxPackFileSize  int64         `yaml:"max_pack_file_size"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxGetSize       int64         `yaml:"max_get_size"`
}

// Validate enforces the invariant that chunk_size strictly exceeds the
// recovery-footer reservation (callers pass the codec's reserved size).
func (r *Repo) Validate(recoveryReserve int64) error {
	if r.ChunkSize <= recoveryReserve {
		return fmt.Errorf("repo %s: chunk_size %d must exceed recovery footer reservation %d", r.Name, r.ChunkSize, recoveryReserve)
	}
	if len(r.Hosts) == 0 {
		return fmt.Errorf("repo %s: at least one host required", r.Name)
	}
	return nil
}

// DataCapacity returns the user-data bytes available per chunk.
func (r *Repo) DataCapacity(recoveryReserve int64) int64 {
	return r.ChunkSize - recoveryReserve
}

// GlobalConfig carries the ambient logging/port settings, unrelated to any
// one namespace or repo.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	MDFSTop     string `yaml:"mdfs_top"`
	MountTop    string `yaml:"mount_top"`
}

// NetworkConfig groups the retry/circuit-breaker knobs DAL backends share.
type NetworkConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// GCConfig configures the garbage collector's worker pool and thresholds.
type GCConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	TrashAge      time.Duration `yaml:"trash_age"`
	DryRun        bool          `yaml:"dry_run"`
}

// Configuration is the top-level config file shape.
type Configuration struct {
	Global     GlobalConfig  `yaml:"global"`
	Network    NetworkConfig `yaml:"network"`
	GC         GCConfig      `yaml:"gc"`
	Namespaces []Namespace   `yaml:"namespaces"`
	Repos      []Repo        `yaml:"repos"`
}

// NewDefault returns sane defaults for the ambient blocks; namespaces and
// repos are left empty for the caller to populate or load from file.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 9090,
			HealthPort:  9091,
			MDFSTop:     "/marfs/mdfs",
			MountTop:    "/marfs",
		},
		Network: NetworkConfig{
			Retry: RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled: true, FailureThreshold: 5, Timeout: 60 * time.Second,
			},
		},
		GC: GCConfig{Workers: 8, QueueCapacity: 1024, TrashAge: 24 * time.Hour},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
func LoadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes the configuration back out as YAML.
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks namespace-name and repo-name invariants that the codec
// and resolver both depend on.
func (c *Configuration) Validate() error {
	seenNS := make(map[string]bool)
	for _, ns := range c.Namespaces {
		if strings.Contains(ns.Name, "-") {
			return fmt.Errorf("namespace %q must not contain '-': '/' is encoded to '-' in object IDs", ns.Name)
		}
		if seenNS[ns.Name] {
			return fmt.Errorf("duplicate namespace %q", ns.Name)
		}
		seenNS[ns.Name] = true
	}
	seenRepo := make(map[string]bool)
	for _, r := range c.Repos {
		if len(r.Name) > 63 {
			return fmt.Errorf("repo name %q exceeds 63 characters", r.Name)
		}
		if seenRepo[r.Name] {
			return fmt.Errorf("duplicate repo %q", r.Name)
		}
		seenRepo[r.Name] = true
	}
	return nil
}

// Index is the immutable, load-time-built lookup structure the resolver,
// MDAL, and DAL all consult; no component mutates process-wide state after
// NewIndex returns.
type Index struct {
	cfg        *Configuration
	byNSSuffix map[string]*Namespace
	byRepo     map[string]*Repo
	root       *Namespace
}

// NewIndex builds an Index from a loaded Configuration.
func NewIndex(cfg *Configuration) (*Index, error) {
	idx := &Index{cfg: cfg, byNSSuffix: make(map[string]*Namespace), byRepo: make(map[string]*Repo)}

	for i := range cfg.Namespaces {
		ns := &cfg.Namespaces[i]
		idx.byNSSuffix[ns.MountSuffix] = ns
		if ns.MountSuffix == "/" || ns.Name == "" {
			ns.IsRoot = true
			idx.root = ns
		}
	}
	if idx.root == nil {
		root := &Namespace{Name: "", MountSuffix: "/", IPerm: 0, BPerm: 0, IsRoot: true}
		idx.byNSSuffix["/"] = root
		idx.root = root
	}

	for i := range cfg.Repos {
		idx.byRepo[cfg.Repos[i].Name] = &cfg.Repos[i]
	}

	return idx, nil
}

// Root returns the distinguished root namespace ("/").
func (idx *Index) Root() *Namespace { return idx.root }

// Namespaces returns every configured namespace (including the
// synthesized root when none was given explicitly), for callers that
// need to set up one collaborator per namespace (e.g. the FUSE adapter's
// per-namespace MDAL context).
func (idx *Index) Namespaces() []*Namespace {
	out := make([]*Namespace, 0, len(idx.byNSSuffix))
	for _, ns := range idx.byNSSuffix {
		out = append(out, ns)
	}
	return out
}

// MDFSTop returns the configured MDFS top-level path this Index was
// built from, for callers (the resolver, the FUSE adapter) that need it
// without holding onto the original Configuration.
func (idx *Index) MDFSTop() string { return idx.cfg.Global.MDFSTop }

// Repo looks up a repo by name.
func (idx *Index) Repo(name string) (*Repo, bool) {
	r, ok := idx.byRepo[name]
	return r, ok
}

// LongestMatchingNamespace finds the namespace whose mount suffix is the
// longest prefix of mountPath, implementing the O(#namespaces) resolution
// the design calls out (a future suffix-tree index would change only this
// function's body).
func (idx *Index) LongestMatchingNamespace(mountPath string) (*Namespace, string) {
	var best *Namespace
	bestLen := -1
	for suffix, ns := range idx.byNSSuffix {
		if suffix == "/" {
			continue
		}
		if strings.HasPrefix(mountPath, suffix) && len(suffix) > bestLen {
			best = ns
			bestLen = len(suffix)
		}
	}
	if best == nil {
		return idx.root, strings.TrimPrefix(mountPath, "/")
	}
	remainder := strings.TrimPrefix(mountPath, best.MountSuffix)
	remainder = strings.TrimPrefix(remainder, "/")
	return best, remainder
}

// MDFSTop returns the configured MDFS top-level path used to reject any
// user path that would alias it.
func (c *Configuration) MDFSTop() string { return c.Global.MDFSTop }
