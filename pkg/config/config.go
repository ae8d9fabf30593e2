package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// for root
var (
	Debug = false
)

// 默认值，与最初的 zipkin 客户端保持一致
const (
	DefaultQueueCapacity      = 100
	DefaultRateNode           = "/tracepipe/config/samplerate"
	DefaultSessionTimeout     = 10 * time.Second
	DefaultServicePort        = 8080
	DefaultCollectorKind      = CollectorOTLP
	DefaultCollectorPort      = 4317
	DefaultSendTimeout        = 3 * time.Second
	DefaultShutdownTimeout    = 5 * time.Second
	DefaultMaxInFlightSpans   = 1024
	DefaultStatsInterval      = time.Minute
	DefaultZookeeperPort      = 2181
	DefaultConfigName         = "tracepipe"
	DefaultEnvPrefix          = "tracepipe"
	DefaultOlapDSN            = "root:@tcp(127.0.0.1:9030)/tracepipe"
	DefaultFallbackSampleRate = 0
)

const (
	CollectorOTLP   = "otlp"
	CollectorStdout = "stdout"
	CollectorOlap   = "olap"
)

// viper keys
const (
	KeyQueueCapacity       = "queue-capacity"
	KeySkipCoordination    = "skip-coordination-store"
	KeyFixedRate           = "fixed-rate"
	KeyCoordConnectString  = "coordination.connect-string"
	KeyCoordRateNode       = "coordination.rate-node"
	KeyCoordSessionTimeout = "coordination.session-timeout"
	KeyServiceAddress      = "service.address"
	KeyServicePort         = "service.port"
	KeyServiceName         = "service.name"
	KeyCollectorKind       = "collector.kind"
	KeyCollectorAddress    = "collector.address"
	KeyCollectorPort       = "collector.port"
	KeyCollectorDSN        = "collector.dsn"
	KeySendTimeout         = "send-timeout"
	KeyShutdownTimeout     = "shutdown-timeout"
	KeyMaxInFlightSpans    = "max-in-flight-spans"
	KeyStatsInterval       = "stats-interval"
	KeyDebug               = "debug"
)

var ErrInvalidConfig = errors.New("invalid tracepipe config")

type ServiceEndpoint struct {
	// 为空时取本机地址
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Name    string `mapstructure:"name"`
}

type Coordination struct {
	// 例如：192.168.1.100:2181,192.168.1.101:2181
	ConnectString  string        `mapstructure:"connect-string"`
	RateNode       string        `mapstructure:"rate-node"`
	SessionTimeout time.Duration `mapstructure:"session-timeout"`
}

type Collector struct {
	Kind    string `mapstructure:"kind"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	DSN     string `mapstructure:"dsn"`
}

type Config struct {
	// 收集 span 的队列大小
	QueueCapacity int `mapstructure:"queue-capacity"`

	// true 表示直接使用 FixedRate；false 表示从协调存储的 RateNode 读取并监听采样率。
	SkipCoordinationStore bool `mapstructure:"skip-coordination-store"`

	// <= 0 关闭追踪，1 追踪所有请求，> 1 每 FixedRate 个请求追踪一次。
	// 协调存储不可用时同样使用该值。
	FixedRate int `mapstructure:"fixed-rate"`

	Coordination Coordination    `mapstructure:"coordination"`
	Service      ServiceEndpoint `mapstructure:"service"`
	Collector    Collector       `mapstructure:"collector"`

	SendTimeout      time.Duration `mapstructure:"send-timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown-timeout"`
	MaxInFlightSpans int           `mapstructure:"max-in-flight-spans"`
	StatsInterval    time.Duration `mapstructure:"stats-interval"`
}

// SetDefaults registers every default on vp.
func SetDefaults(vp *viper.Viper) {
	vp.SetDefault(KeyQueueCapacity, DefaultQueueCapacity)
	vp.SetDefault(KeySkipCoordination, false)
	vp.SetDefault(KeyFixedRate, DefaultFallbackSampleRate)
	vp.SetDefault(KeyCoordRateNode, DefaultRateNode)
	vp.SetDefault(KeyCoordSessionTimeout, DefaultSessionTimeout)
	vp.SetDefault(KeyServicePort, DefaultServicePort)
	vp.SetDefault(KeyCollectorKind, DefaultCollectorKind)
	vp.SetDefault(KeyCollectorPort, DefaultCollectorPort)
	vp.SetDefault(KeySendTimeout, DefaultSendTimeout)
	vp.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
	vp.SetDefault(KeyMaxInFlightSpans, DefaultMaxInFlightSpans)
	vp.SetDefault(KeyStatsInterval, DefaultStatsInterval)

	// 没有默认值的 key 也要注册，否则 AutomaticEnv 在 Unmarshal 时看不到它们
	for _, key := range []string{
		KeyCoordConnectString,
		KeyServiceAddress,
		KeyServiceName,
		KeyCollectorAddress,
		KeyCollectorDSN,
	} {
		vp.SetDefault(key, "")
	}
}

// Default returns a Config holding only default values.
func Default() *Config {
	return &Config{
		QueueCapacity: DefaultQueueCapacity,
		FixedRate:     DefaultFallbackSampleRate,
		Coordination: Coordination{
			RateNode:       DefaultRateNode,
			SessionTimeout: DefaultSessionTimeout,
		},
		Service:          ServiceEndpoint{Port: DefaultServicePort},
		Collector:        Collector{Kind: DefaultCollectorKind, Port: DefaultCollectorPort},
		SendTimeout:      DefaultSendTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		MaxInFlightSpans: DefaultMaxInFlightSpans,
		StatsInterval:    DefaultStatsInterval,
	}
}

// Load reads a Config out of vp and validates it.
func Load(vp *viper.Viper) (*Config, error) {
	SetDefaults(vp)
	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, KeyQueueCapacity, c.QueueCapacity)
	}
	if strings.TrimSpace(c.Service.Name) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyServiceName)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("%w: %s out of range: %d", ErrInvalidConfig, KeyServicePort, c.Service.Port)
	}

	switch c.Collector.Kind {
	case CollectorOTLP:
		if c.Collector.Address == "" {
			return fmt.Errorf("%w: %s is required for collector %q", ErrInvalidConfig, KeyCollectorAddress, c.Collector.Kind)
		}
		if c.Collector.Port <= 0 || c.Collector.Port > 65535 {
			return fmt.Errorf("%w: %s out of range: %d", ErrInvalidConfig, KeyCollectorPort, c.Collector.Port)
		}
	case CollectorStdout:
	case CollectorOlap:
		if c.Collector.DSN == "" {
			c.Collector.DSN = DefaultOlapDSN
		}
	default:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalidConfig, KeyCollectorKind, c.Collector.Kind)
	}

	if !c.SkipCoordinationStore {
		if _, err := ParseConnectString(c.Coordination.ConnectString); err != nil {
			return err
		}
		if !strings.HasPrefix(c.Coordination.RateNode, "/") {
			return fmt.Errorf("%w: %s must be an absolute path, got %q", ErrInvalidConfig, KeyCoordRateNode, c.Coordination.RateNode)
		}
		if c.Coordination.SessionTimeout <= 0 {
			c.Coordination.SessionTimeout = DefaultSessionTimeout
		}
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxInFlightSpans <= 0 {
		c.MaxInFlightSpans = DefaultMaxInFlightSpans
	}
	return nil
}

// ParseConnectString splits a ZooKeeper style "host:port,host:port" string.
// Entries without a port get the default ZooKeeper port.
func ParseConnectString(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: %s is required unless %s is set", ErrInvalidConfig, KeyCoordConnectString, KeySkipCoordination)
	}
	servers := make([]string, 0)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, fmt.Errorf("%w: empty server in %s %q", ErrInvalidConfig, KeyCoordConnectString, s)
		}
		host, port := entry, strconv.Itoa(DefaultZookeeperPort)
		if strings.Contains(entry, ":") {
			var err error
			host, port, err = net.SplitHostPort(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed server %q: %v", ErrInvalidConfig, entry, err)
			}
		}
		if host == "" {
			return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidConfig, entry)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w: bad port in %q", ErrInvalidConfig, entry)
		}
		servers = append(servers, net.JoinHostPort(host, port))
	}
	return servers, nil
}
