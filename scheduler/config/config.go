package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/cloud/cluster"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/policy"
	"github.com/twitter/gridsched/scheduler/server"
)

// DefaultMemoryClusterSize is the node count of a memory cluster without Count.
const DefaultMemoryClusterSize = 10

// JSONConfigs holds the sections of a driver config file.
type JSONConfigs struct {
	Cluster ClusterJSONConfig `json:"Cluster" toml:"Cluster"`
	Driver  DriverJSONConfig  `json:"Driver" toml:"Driver"`
	Policy  PolicyJSONConfig  `json:"Policy" toml:"Policy"`
}

func (s JSONConfigs) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s", s.Cluster, s.Driver, s.Policy)
}

// ClusterJSONConfig describes the nodes the driver schedules on.
// Type "memory" creates Count anonymous nodes, "static" the listed Nodes.
type ClusterJSONConfig struct {
	Type  string           `json:"Type" toml:"Type"`
	Count int              `json:"Count" toml:"Count"` // default to DefaultMemoryClusterSize
	Nodes []NodeJSONConfig `json:"Nodes" toml:"Nodes"`
}

func (c ClusterJSONConfig) String() string {
	return fmt.Sprintf("ClusterJSONConfig: Type: %s, Count: %d, Nodes: %s", c.Type, c.Count, spew.Sprint(c.Nodes))
}

// NodeJSONConfig is one node of a static inventory: an id and the
// properties it advertises, by group (system, env, network...).
type NodeJSONConfig struct {
	Id         string                       `json:"Id" toml:"Id"`
	Properties map[string]map[string]string `json:"Properties" toml:"Properties"`
}

// DriverJSONConfig holds the dispatch loop settings. Durations are strings
// parsed with time.ParseDuration, zero values take the driver defaults.
type DriverJSONConfig struct {
	Type                   string  `json:"Type" toml:"Type"` // transport: loopback
	BundleSize             int     `json:"BundleSize" toml:"BundleSize"`
	MaxDispatchesPerSecond float64 `json:"MaxDispatchesPerSecond" toml:"MaxDispatchesPerSecond"`
	DispatchRetries        int     `json:"DispatchRetries" toml:"DispatchRetries"`
	DispatchRetryInterval  string  `json:"DispatchRetryInterval" toml:"DispatchRetryInterval"`
	DispatchTimeout        string  `json:"DispatchTimeout" toml:"DispatchTimeout"`
	StepInterval           string  `json:"StepInterval" toml:"StepInterval"`
	MaxNodeErrors          int     `json:"MaxNodeErrors" toml:"MaxNodeErrors"`
	MaxFlakyDuration       string  `json:"MaxFlakyDuration" toml:"MaxFlakyDuration"`
	MaxLostDuration        string  `json:"MaxLostDuration" toml:"MaxLostDuration"`
}

func (dc DriverJSONConfig) String() string {
	return fmt.Sprintf("DriverJSONConfig: Type: %s, BundleSize: %d, MaxDispatchesPerSecond: %g, DispatchRetries: %d, "+
		"DispatchRetryInterval: %s, DispatchTimeout: %s, StepInterval: %s, MaxNodeErrors: %d, MaxFlakyDuration: %s, MaxLostDuration: %s",
		dc.Type, dc.BundleSize, dc.MaxDispatchesPerSecond, dc.DispatchRetries, dc.DispatchRetryInterval,
		dc.DispatchTimeout, dc.StepInterval, dc.MaxNodeErrors, dc.MaxFlakyDuration, dc.MaxLostDuration)
}

// PolicyJSONConfig sizes the execution policy cache.
type PolicyJSONConfig struct {
	CacheSize int `json:"CacheSize" toml:"CacheSize"` // default to policy.DefaultCacheSize
}

func (pc PolicyJSONConfig) String() string {
	return fmt.Sprintf("PolicyJSONConfig: CacheSize: %d", pc.CacheSize)
}

// GetConfigText returns the built-in config named configSelector.
func GetConfigText(configSelector string) ([]byte, error) {
	configText, ok := DriverConfigs[configSelector]
	if !ok {
		keys := make([]string, 0, len(DriverConfigs))
		for k := range DriverConfigs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("invalid configuration %s, supported values are %v", configSelector, keys)
	}
	return []byte(configText), nil
}

// ReadConfig resolves a --config flag: the name of a built-in config, a
// path to a .json or .toml file, or literal JSON text.
func ReadConfig(configFlag string) (*JSONConfigs, error) {
	if text, err := GetConfigText(configFlag); err == nil {
		log.Infof("using built-in config %s", configFlag)
		return ParseConfig(text, false)
	}
	if _, err := os.Stat(configFlag); err == nil {
		log.Infof("reading config file %s", configFlag)
		text, err := ioutil.ReadFile(configFlag)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", configFlag)
		}
		return ParseConfig(text, strings.EqualFold(filepath.Ext(configFlag), ".toml"))
	}
	log.Info("using --config as JSON config")
	return ParseConfig([]byte(configFlag), false)
}

// ParseConfig decodes text as TOML or JSON. Sections whose Type is not set
// are taken from the default config.
func ParseConfig(text []byte, isToml bool) (*JSONConfigs, error) {
	defaultConfigText, _ := GetConfigText("default")
	defaultConfig := &JSONConfigs{}
	if err := json.Unmarshal(defaultConfigText, defaultConfig); err != nil {
		return nil, fmt.Errorf("couldn't parse the default config: %v", err)
	}

	configs := &JSONConfigs{}
	if isToml {
		if _, err := toml.Decode(string(text), configs); err != nil {
			return nil, errors.Wrap(err, "couldn't parse toml config")
		}
	} else if err := json.Unmarshal(text, configs); err != nil {
		return nil, fmt.Errorf("couldn't parse top-level config: %v", err)
	}

	if configs.Cluster.Type == "" {
		log.Infof("using default Cluster config")
		configs.Cluster = defaultConfig.Cluster
	}
	if configs.Driver.Type == "" {
		log.Infof("using default Driver config")
		configs.Driver = defaultConfig.Driver
	}
	if configs.Policy.CacheSize <= 0 {
		configs.Policy.CacheSize = policy.DefaultCacheSize
	}
	return configs, nil
}

// CreateDriverConfig converts the JSON settings into a server.DriverConfig.
func (dc *DriverJSONConfig) CreateDriverConfig() (server.DriverConfig, error) {
	config := server.DriverConfig{
		BundleSize:             dc.BundleSize,
		MaxDispatchesPerSecond: dc.MaxDispatchesPerSecond,
		DispatchRetries:        dc.DispatchRetries,
		MaxNodeErrors:          dc.MaxNodeErrors,
	}
	durations := []struct {
		name  string
		text  string
		field *time.Duration
	}{
		{"DispatchRetryInterval", dc.DispatchRetryInterval, &config.DispatchRetryInterval},
		{"DispatchTimeout", dc.DispatchTimeout, &config.DispatchTimeout},
		{"StepInterval", dc.StepInterval, &config.StepInterval},
		{"MaxFlakyDuration", dc.MaxFlakyDuration, &config.MaxFlakyDuration},
		{"MaxLostDuration", dc.MaxLostDuration, &config.MaxLostDuration},
	}
	for _, d := range durations {
		if d.text == "" {
			continue
		}
		v, err := time.ParseDuration(d.text)
		if err != nil {
			return server.DriverConfig{}, errors.Wrapf(err, "Driver.%s", d.name)
		}
		*d.field = v
	}
	return config, nil
}

// CreateTransport returns the transport named by Type.
func (dc *DriverJSONConfig) CreateTransport() (server.Transport, error) {
	switch dc.Type {
	case "", "loopback":
		return server.NewLoopbackTransport(nil), nil
	}
	return nil, errors.Errorf("unknown driver transport %q", dc.Type)
}

// CreateCache builds the execution policy cache.
func (pc *PolicyJSONConfig) CreateCache(stat stats.StatsReceiver) (*policy.Cache, error) {
	return policy.NewCache(pc.CacheSize, nil, stat)
}

// Create builds the cluster the driver subscribes to.
func (c *ClusterJSONConfig) Create() (*cluster.Cluster, error) {
	switch c.Type {
	case "memory":
		count := c.Count
		if count <= 0 {
			count = DefaultMemoryClusterSize
		}
		nodes := make([]cluster.Node, count)
		for i := range nodes {
			nodes[i] = cluster.NewIdNode(fmt.Sprintf("inmemory%d", i))
		}
		return cluster.NewCluster(nodes), nil
	case "static":
		nodes := make([]cluster.Node, 0, len(c.Nodes))
		seen := map[string]bool{}
		for _, n := range c.Nodes {
			if n.Id == "" {
				return nil, errors.New("static cluster node without Id")
			}
			if seen[n.Id] {
				return nil, errors.Errorf("duplicate static cluster node %s", n.Id)
			}
			seen[n.Id] = true
			nodes = append(nodes, cluster.NewPropertiesNode(n.Id, cluster.PropertiesFromMap(n.Properties)))
		}
		return cluster.NewCluster(nodes), nil
	}
	return nil, errors.Errorf("unknown cluster type %q", c.Type)
}
