package config

import (
	"fmt"
	"strings"

	"github.com/bujia-iot/dmtp-zinx/internal/domain/dmtp_protocol"
	"github.com/bujia-iot/dmtp-zinx/pkg/session"
	"github.com/bujia-iot/dmtp-zinx/pkg/storage"
	"github.com/spf13/viper"
)

// DefaultConfigPath 默认配置文件
const DefaultConfigPath = "configs/dmtp.yaml"

// 设备存储后端
const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

// Config 是应用程序配置的结构体
type Config struct {
	TCPServer     TCPServerConfig     `mapstructure:"tcpServer"`
	UDPServer     UDPServerConfig     `mapstructure:"udpServer"`
	HTTPAPIServer HTTPAPIServerConfig `mapstructure:"httpApiServer"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Logger        LoggerConfig        `mapstructure:"logger"`
	Protocol      ProtocolConfig      `mapstructure:"protocol"`
	Store         StoreConfig         `mapstructure:"store"`
	AMQP          AMQPConfig          `mapstructure:"amqp"`
}

// TCPServerConfig TCP服务器配置
type TCPServerConfig struct {
	Host             string     `mapstructure:"host" yaml:"host"`
	Port             int        `mapstructure:"port" yaml:"port"`
	Zinx             ZinxConfig `mapstructure:"zinx" yaml:"zinx"`
	IdleTimeoutMs    int        `mapstructure:"idleTimeoutMs" yaml:"idleTimeoutMs"`     // 两个包之间的最大间隔
	PacketTimeoutMs  int        `mapstructure:"packetTimeoutMs" yaml:"packetTimeoutMs"` // 单个包开始到完整的最大时间
	SessionTimeoutMs int        `mapstructure:"sessionTimeoutMs" yaml:"sessionTimeoutMs"`
}

// ZinxConfig Zinx框架配置
type ZinxConfig struct {
	Name             string `mapstructure:"name"`
	Version          string `mapstructure:"version"`
	MaxConn          int    `mapstructure:"maxConn"`
	WorkerPoolSize   int    `mapstructure:"workerPoolSize"`
	MaxWorkerTaskLen int    `mapstructure:"maxWorkerTaskLen"`
	MaxPacketSize    uint32 `mapstructure:"maxPacketSize"`
}

// UDPServerConfig 单工(UDP)服务器配置
type UDPServerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	ReturnResponse   bool   `mapstructure:"returnResponse"`
	IdleTimeoutMs    int    `mapstructure:"idleTimeoutMs"`
	PacketTimeoutMs  int    `mapstructure:"packetTimeoutMs"`
	SessionTimeoutMs int    `mapstructure:"sessionTimeoutMs"`
}

// HTTPAPIServerConfig HTTP API服务器配置
type HTTPAPIServerConfig struct {
	Host           string     `mapstructure:"host"`
	Port           int        `mapstructure:"port"`
	Auth           AuthConfig `mapstructure:"auth"`
	TimeoutSeconds int        `mapstructure:"timeoutSeconds"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	SharedKey  string   `mapstructure:"sharedKey"`
	AllowedIPs []string `mapstructure:"allowedIPs"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"poolSize"`
	MinIdleConns int    `mapstructure:"minIdleConns"`
	DialTimeout  int    `mapstructure:"dialTimeout"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	KeyPrefix    string `mapstructure:"keyPrefix"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	FilePath      string `mapstructure:"filePath"`
	MaxSizeMB     int    `mapstructure:"maxSizeMB"`
	MaxBackups    int    `mapstructure:"maxBackups"`
	MaxAgeDays    int    `mapstructure:"maxAgeDays"`
	Compress      bool   `mapstructure:"compress"`
	LogHexDump    bool   `mapstructure:"logHexDump"`
	EnableConsole bool   `mapstructure:"enableConsole"`
}

// ProtocolConfig 协议引擎配置
type ProtocolConfig struct {
	AllowFirstSessionNegotiation bool     `mapstructure:"allowFirstSessionNegotiation"`
	NegotiationPolicy            string   `mapstructure:"negotiationPolicy"`
	MaxPacketLength              int      `mapstructure:"maxPacketLength"`
	SupportedEncodings           []string `mapstructure:"supportedEncodings"`
}

// StoreConfig 设备存储配置
type StoreConfig struct {
	Backend           string               `mapstructure:"backend"` // memory | redis
	EventArchiveDir   string               `mapstructure:"eventArchiveDir"`
	ArchiveMaxSizeMB  int                  `mapstructure:"archiveMaxSizeMB"`
	ArchiveMaxBackups int                  `mapstructure:"archiveMaxBackups"`
	RetainedEvents    int                  `mapstructure:"retainedEvents"`
	AutoRegister      bool                 `mapstructure:"autoRegister"`
	Devices           []storage.DeviceSpec `mapstructure:"devices"`
}

// AMQPConfig 事件转发配置
type AMQPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routingKey"`
	BodyFormat string `mapstructure:"bodyFormat"` // json | cbor
}

// 全局配置实例
var GlobalConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcpServer.host", "0.0.0.0")
	v.SetDefault("tcpServer.port", dmtp_protocol.DefaultPort)
	v.SetDefault("tcpServer.zinx.name", "dmtp-zinx")
	v.SetDefault("tcpServer.zinx.version", "V1.0")
	v.SetDefault("tcpServer.zinx.maxConn", 3000)
	v.SetDefault("tcpServer.zinx.workerPoolSize", 10)
	v.SetDefault("tcpServer.zinx.maxWorkerTaskLen", 1024)
	v.SetDefault("tcpServer.zinx.maxPacketSize", dmtp_protocol.DefaultMaxPacketLength)
	v.SetDefault("tcpServer.idleTimeoutMs", 10000)
	v.SetDefault("tcpServer.packetTimeoutMs", 4000)
	v.SetDefault("tcpServer.sessionTimeoutMs", 15000)

	v.SetDefault("udpServer.enabled", false)
	v.SetDefault("udpServer.host", "0.0.0.0")
	v.SetDefault("udpServer.port", dmtp_protocol.DefaultPort)
	v.SetDefault("udpServer.returnResponse", false)
	v.SetDefault("udpServer.idleTimeoutMs", 5000)
	v.SetDefault("udpServer.packetTimeoutMs", 4000)
	v.SetDefault("udpServer.sessionTimeoutMs", 60000)

	v.SetDefault("httpApiServer.host", "0.0.0.0")
	v.SetDefault("httpApiServer.port", 7055)
	v.SetDefault("httpApiServer.timeoutSeconds", 10)

	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.poolSize", 10)
	v.SetDefault("redis.dialTimeout", 5)
	v.SetDefault("redis.readTimeout", 3)
	v.SetDefault("redis.writeTimeout", 3)
	v.SetDefault("redis.keyPrefix", "dmtp")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.maxSizeMB", 100)
	v.SetDefault("logger.maxBackups", 10)
	v.SetDefault("logger.maxAgeDays", 30)
	v.SetDefault("logger.enableConsole", true)

	v.SetDefault("protocol.allowFirstSessionNegotiation", true)
	v.SetDefault("protocol.negotiationPolicy", string(session.PolicySession))
	v.SetDefault("protocol.maxPacketLength", dmtp_protocol.DefaultMaxPacketLength)
	v.SetDefault("protocol.supportedEncodings", []string{"binary", "base64", "hex", "csv"})

	v.SetDefault("store.backend", StoreBackendMemory)
	v.SetDefault("store.archiveMaxSizeMB", 50)
	v.SetDefault("store.archiveMaxBackups", 5)
	v.SetDefault("store.retainedEvents", storage.DefaultRetainedEvents)

	v.SetDefault("amqp.exchange", "dmtp.events")
	v.SetDefault("amqp.routingKey", "event")
	v.SetDefault("amqp.bodyFormat", "json")
}

// Load 加载配置文件
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) error {
	cfg, err := Read(configPath)
	if err != nil {
		return err
	}
	GlobalConfig = *cfg
	return nil
}

// Read 读取配置但不修改全局配置
func Read(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	switch session.NegotiationPolicy(c.Protocol.NegotiationPolicy) {
	case session.PolicySession, session.PolicyType:
	default:
		return fmt.Errorf("protocol.negotiationPolicy: unknown policy %q", c.Protocol.NegotiationPolicy)
	}
	if _, err := c.Protocol.Encodings(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendRedis:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	switch c.AMQP.BodyFormat {
	case "json", "cbor":
	default:
		return fmt.Errorf("amqp.bodyFormat: unknown format %q", c.AMQP.BodyFormat)
	}
	if c.Protocol.MaxPacketLength <= dmtp_protocol.MinHeaderLength {
		return fmt.Errorf("protocol.maxPacketLength: %d too small", c.Protocol.MaxPacketLength)
	}
	return nil
}

// Encodings 配置的服务器可接受编码
func (p ProtocolConfig) Encodings() ([]dmtp_protocol.Encoding, error) {
	out := make([]dmtp_protocol.Encoding, 0, len(p.SupportedEncodings))
	for _, name := range p.SupportedEncodings {
		enc, ok := dmtp_protocol.ParseEncodingName(name)
		if !ok {
			return nil, fmt.Errorf("protocol.supportedEncodings: unknown encoding %q", name)
		}
		out = append(out, enc)
	}
	return out, nil
}

// SessionConfig 转换为会话引擎配置
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.AllowFirstSessionNegotiation = c.Protocol.AllowFirstSessionNegotiation
	cfg.NegotiationPolicy = session.NegotiationPolicy(c.Protocol.NegotiationPolicy)
	cfg.ReturnSimplexResponse = c.UDPServer.ReturnResponse
	if encs, err := c.Protocol.Encodings(); err == nil && len(encs) > 0 {
		cfg.SupportedEncodings = encs
	}
	return cfg
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return &GlobalConfig
}

// FormatHTTPAddress 格式化HTTP服务器地址为host:port格式
func FormatHTTPAddress() string {
	cfg := GetConfig().HTTPAPIServer
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
