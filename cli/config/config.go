package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/virtsnd/topology"
	"github.com/pithecene-io/virtsnd/wire"
)

// Config represents a virtsnd.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	Domain    DomainConfig    `yaml:"domain"`
	Transport TransportConfig `yaml:"transport"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Resources ResourceConfig  `yaml:"resources"`
	Topology  TopologyConfig  `yaml:"topology"`
	Trace     TraceConfig     `yaml:"trace"`
}

// DomainConfig identifies the local endpoint.
type DomainConfig struct {
	Name string `yaml:"name"`
	ID   uint32 `yaml:"id"`
}

// TransportConfig sizes the shared channels.
type TransportConfig struct {
	// ChannelSlots is the descriptor capacity of each command channel.
	ChannelSlots int `yaml:"channel_slots"`
	// InboxBuffers is how many receive buffers the frontend keeps posted
	// on its notification channel.
	InboxBuffers int `yaml:"inbox_buffers"`
}

// TimeoutConfig holds the request deadlines.
type TimeoutConfig struct {
	// Request bounds every command round trip.
	Request Duration `yaml:"request"`
	// Trigger bounds start/stop/pause commands, typically shorter.
	Trigger Duration `yaml:"trigger"`
	// RetryInterval is the pause between attempts when an idempotent
	// configuration request finds the channel full or expires.
	RetryInterval Duration `yaml:"retry_interval"`
	// RetryAttempts caps those retries. Zero means unlimited.
	RetryAttempts int `yaml:"retry_attempts"`
}

// ResourceConfig locates the loadable blobs the backend serves.
type ResourceConfig struct {
	Dir string `yaml:"dir"`
}

// TopologyConfig is the backend ownership table as written in YAML.
type TopologyConfig struct {
	Domains     []DomainEntry `yaml:"domains"`
	PCMOwners   []PCMOwner    `yaml:"pcm_owners"`
	WidgetKctls []KctlEntry   `yaml:"widget_kctls"`
	StaticKctls []KctlEntry   `yaml:"static_kctls"`
}

// DomainEntry declares a guest domain the backend will accept.
type DomainEntry struct {
	Name     string `yaml:"name"`
	ID       uint32 `yaml:"id"`
	Topology string `yaml:"topology"`
}

// PCMOwner binds one stream to its owning domain.
type PCMOwner struct {
	PCMID     string `yaml:"pcm_id"`
	Direction string `yaml:"direction"`
	DomainID  uint32 `yaml:"domain_id"`
}

// KctlEntry binds one mixer control to its owning domain. Entries match in
// file order, first match wins.
type KctlEntry struct {
	ControlID string `yaml:"control_id"`
	DomainID  uint32 `yaml:"domain_id"`
}

// TraceConfig enables message tracing to a file.
type TraceConfig struct {
	Path string `yaml:"path"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func parseDirection(s string) (int32, error) {
	switch s {
	case "playback", "":
		return wire.DirPlayback, nil
	case "capture":
		return wire.DirCapture, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

// Table builds the backend ownership table from the topology section.
func (c *Config) Table() (*topology.Table, error) {
	t := topology.New()
	for _, d := range c.Topology.Domains {
		t.AddDomain(topology.Domain{Name: d.Name, ID: d.ID, TopologyName: d.Topology})
	}
	for _, p := range c.Topology.PCMOwners {
		dir, err := parseDirection(p.Direction)
		if err != nil {
			return nil, fmt.Errorf("pcm owner %q: %w", p.PCMID, err)
		}
		t.SetPCMOwner(p.PCMID, dir, p.DomainID)
	}
	for _, k := range c.Topology.WidgetKctls {
		t.AddWidgetKctl(topology.KctlDomain{ControlID: k.ControlID, DomainID: k.DomainID})
	}
	for _, k := range c.Topology.StaticKctls {
		t.AddStaticKctl(topology.KctlDomain{ControlID: k.ControlID, DomainID: k.DomainID})
	}
	return t, nil
}

// ApplyDefaults fills unset values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Transport.ChannelSlots == 0 {
		c.Transport.ChannelSlots = 64
	}
	if c.Transport.InboxBuffers == 0 {
		c.Transport.InboxBuffers = 16
	}
	if c.Timeouts.Request.Duration == 0 {
		c.Timeouts.Request.Duration = time.Second
	}
	if c.Timeouts.Trigger.Duration == 0 {
		c.Timeouts.Trigger.Duration = 500 * time.Millisecond
	}
	if c.Timeouts.RetryInterval.Duration == 0 {
		c.Timeouts.RetryInterval.Duration = 100 * time.Millisecond
	}
}
