// Package config loads the settings of the dicomrelay processes.
//
// Values come from defaults, an optional YAML or TOML file and DICOMRELAY_*
// environment variables, in increasing precedence. Nested keys map to
// variables by replacing dots with underscores, so bus.reply_timeout is
// read from DICOMRELAY_BUS_REPLY_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caio-sobreiro/dicomrelay/bus"
	"github.com/caio-sobreiro/dicomrelay/chunk"
	"github.com/caio-sobreiro/dicomrelay/subject"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DICOMRELAY"

type Config struct {
	Bus     Bus     `mapstructure:"bus"`
	Proxy   Proxy   `mapstructure:"proxy"`
	Service Service `mapstructure:"service"`
	Archive Archive `mapstructure:"archive"`
	Metrics Metrics `mapstructure:"metrics"`
	Log     Log     `mapstructure:"log"`
}

type Bus struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	TLS          TLS           `mapstructure:"tls"`
	SubjectRoot  string        `mapstructure:"subject_root"`
	Channel      string        `mapstructure:"channel"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
	ConnectWait  time.Duration `mapstructure:"connect_wait"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	Compression  string        `mapstructure:"compression"`
	QueueGroup   string        `mapstructure:"queue_group"`
}

type TLS struct {
	Enabled            bool   `mapstructure:"enabled"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type Proxy struct {
	Listen           string        `mapstructure:"listen"`
	AETitle          string        `mapstructure:"ae_title"`
	CapabilitiesFile string        `mapstructure:"capabilities_file"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	Admission        Admission     `mapstructure:"admission"`
}

// Admission limits new associations per calling AE title. A zero rate admits everything.
type Admission struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type Service struct {
	// AETitle is the calling AE toward the target. Empty reuses the modality's.
	AETitle               string        `mapstructure:"ae_title"`
	Target                Target        `mapstructure:"target"`
	MaxPDULength          uint32        `mapstructure:"max_pdu_length"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	SubscriberIdleTimeout time.Duration `mapstructure:"subscriber_idle_timeout"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
}

type Target struct {
	Address string `mapstructure:"address"`
	AETitle string `mapstructure:"ae_title"`
}

type Archive struct {
	Listen           string `mapstructure:"listen"`
	AETitle          string `mapstructure:"ae_title"`
	CapabilitiesFile string `mapstructure:"capabilities_file"`
	StoreDir         string `mapstructure:"store_dir"`
	Bucket           string `mapstructure:"bucket"`
	EventSubject     string `mapstructure:"event_subject"`
	WADOInternal     string `mapstructure:"wado_internal_endpoint"`
	WADOExternal     string `mapstructure:"wado_external_endpoint"`
}

type Metrics struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `mapstructure:"listen"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default of every key on v. Keys without a
// default are invisible to environment overrides during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bus.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.token", "")
	v.SetDefault("bus.tls.enabled", false)
	v.SetDefault("bus.tls.ca_file", "")
	v.SetDefault("bus.tls.cert_file", "")
	v.SetDefault("bus.tls.key_file", "")
	v.SetDefault("bus.tls.insecure_skip_verify", false)
	v.SetDefault("bus.subject_root", "DIMSE")
	v.SetDefault("bus.channel", string(subject.ChannelA))
	v.SetDefault("bus.reply_timeout", 30*time.Second)
	v.SetDefault("bus.connect_wait", 10*time.Second)
	v.SetDefault("bus.chunk_size", chunk.DefaultSize)
	v.SetDefault("bus.compression", "none")
	v.SetDefault("bus.queue_group", "dicomrelay")

	v.SetDefault("proxy.listen", ":11112")
	v.SetDefault("proxy.ae_title", "DICOM-PROXY")
	v.SetDefault("proxy.capabilities_file", "")
	v.SetDefault("proxy.read_timeout", 5*time.Minute)
	v.SetDefault("proxy.write_timeout", 30*time.Second)
	v.SetDefault("proxy.admission.rate", 0)
	v.SetDefault("proxy.admission.burst", 0)

	v.SetDefault("service.ae_title", "")
	v.SetDefault("service.target.address", "127.0.0.1:11113")
	v.SetDefault("service.target.ae_title", "ARCHIVE")
	v.SetDefault("service.max_pdu_length", 16384)
	v.SetDefault("service.connect_timeout", 10*time.Second)
	v.SetDefault("service.idle_timeout", 5*time.Minute)
	v.SetDefault("service.subscriber_idle_timeout", 15*time.Minute)
	v.SetDefault("service.sweep_interval", time.Minute)

	v.SetDefault("archive.listen", ":11113")
	v.SetDefault("archive.ae_title", "ARCHIVE")
	v.SetDefault("archive.capabilities_file", "")
	v.SetDefault("archive.store_dir", "./data")
	v.SetDefault("archive.bucket", "dicom")
	v.SetDefault("archive.event_subject", "")
	v.SetDefault("archive.wado_internal_endpoint", "")
	v.SetDefault("archive.wado_external_endpoint", "")

	v.SetDefault("metrics.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration into v. file may be empty.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings shared by all commands.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Bus.Scheme().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bus.subject_root/bus.channel: %w", err))
	}
	if c.Bus.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("bus.reply_timeout must be positive"))
	}
	if c.Bus.ChunkSize <= 0 {
		errs = append(errs, errors.New("bus.chunk_size must be positive"))
	}
	if _, err := chunk.ParseCompression(c.Bus.Compression); err != nil {
		errs = append(errs, fmt.Errorf("bus.compression: %w", err))
	}
	if c.Proxy.Admission.Rate < 0 || c.Proxy.Admission.Burst < 0 {
		errs = append(errs, errors.New("proxy.admission rate and burst must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Scheme returns the subject scheme shared by proxy and service.
func (b Bus) Scheme() subject.Scheme {
	return subject.Scheme{Root: b.SubjectRoot, Channel: subject.Channel(b.Channel)}
}

// CompressionAlgorithm returns the parsed compression setting.
func (b Bus) CompressionAlgorithm() chunk.Compression {
	c, _ := chunk.ParseCompression(b.Compression)
	return c
}

// ClientConfig builds the bus client configuration for a process named name.
func (b Bus) ClientConfig(name string) (bus.Config, error) {
	tlsConfig, err := b.TLS.Build()
	if err != nil {
		return bus.Config{}, err
	}
	return bus.Config{
		URL:         b.URL,
		Token:       b.Token,
		TLS:         tlsConfig,
		Name:        name,
		ConnectWait: b.ConnectWait,
		InboxPrefix: b.Scheme().Inbox(),
	}, nil
}
