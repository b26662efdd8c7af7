package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Wallets  WalletsConfig  `mapstructure:"wallets"`
	Reserve  ReserveConfig  `mapstructure:"reserve"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Enabled          bool     `mapstructure:"enabled"` // 是否启动管理接口
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	CORSAllowOrigins []string `mapstructure:"cors_allow_origins"` // 为空时允许所有来源
	LoginRate        float64  `mapstructure:"login_rate"`         // 每IP每秒登录次数
	LoginBurst       int      `mapstructure:"login_burst"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 连接最大生命周期(分钟)
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`
	ExpireHour int    `mapstructure:"expire_hour"` // Token过期时间(小时)
}

// AdminConfig 管理员账号 (密码为bcrypt哈希)
type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// ChainConfig 链客户端配置
type ChainConfig struct {
	RPC            []string `mapstructure:"rpc"`             // RPC节点, 第一个为主节点
	Mint           string   `mapstructure:"mint"`            // 代币mint地址
	RootPublic     string   `mapstructure:"root_public"`     // 发行方(grant)公钥
	RootSecret     string   `mapstructure:"root_secret"`     // 发行方私钥 (base58)
	Commitment     string   `mapstructure:"commitment"`      // 查询确认级别: processed, confirmed, finalized
	ConfirmRetries int      `mapstructure:"confirm_retries"` // 交易确认轮询次数
	ConfirmDelay   int      `mapstructure:"confirm_delay"`   // 轮询间隔(毫秒)
	RateLimit      float64  `mapstructure:"rate_limit"`      // 每秒RPC请求数
	RateBurst      int      `mapstructure:"rate_burst"`
	HTTPTimeout    int      `mapstructure:"http_timeout"` // RPC请求超时(秒)
}

// WalletConfig 固定钱包 (慈善/商店)
type WalletConfig struct {
	Address string `mapstructure:"address"`
	Public  string `mapstructure:"public"`
	Secret  string `mapstructure:"secret"`
}

type WalletsConfig struct {
	Charity WalletConfig `mapstructure:"charity"` // 运营钱包, 分发来源和过期退款目标
	Store   WalletConfig `mapstructure:"store"`   // 商店钱包, 消费目标
}

// ReservePolicyConfig 手续费储备策略 (链最小单位)
type ReservePolicyConfig struct {
	MinThreshold uint64 `mapstructure:"min_threshold"`
	TopUp        uint64 `mapstructure:"top_up"`
}

type ReserveConfig struct {
	Default      ReservePolicyConfig `mapstructure:"default"`      // 捐赠人/受助人钱包
	Operating    ReservePolicyConfig `mapstructure:"operating"`    // 运营钱包
	Distribution ReservePolicyConfig `mapstructure:"distribution"` // 分发时的受助人钱包
}

// PipelineConfig 结算流水线配置
type PipelineConfig struct {
	Interval          int    `mapstructure:"interval"`           // 执行间隔(秒)
	RunOnStart        bool   `mapstructure:"run_on_start"`       // 启动后立即执行一次
	ScaleFactor       int64  `mapstructure:"scale_factor"`       // 账本单位到链单位的倍数
	GrantFee          uint64 `mapstructure:"grant_fee"`          // 发放捐赠时附带的原生币
	ShortfallFee      uint64 `mapstructure:"shortfall_fee"`      // 补差额时附带的原生币
	ShortfallCooldown int    `mapstructure:"shortfall_cooldown"` // 补差额冷却时间(秒)
	PendingExpiry     int    `mapstructure:"pending_expiry"`     // 未确认交易在节点查不到多久后重发(秒)
}

// IntervalDuration 执行间隔
func (p PipelineConfig) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Second
}

// CooldownDuration 补差额冷却时间
func (p PipelineConfig) CooldownDuration() time.Duration {
	return time.Duration(p.ShortfallCooldown) * time.Second
}

// PendingExpiryDuration 未确认交易的过期时间
func (p PipelineConfig) PendingExpiryDuration() time.Duration {
	return time.Duration(p.PendingExpiry) * time.Second
}

// JournalConfig 去重日志配置
type JournalConfig struct {
	Path         string `mapstructure:"path"`          // 日志文件路径, 为空则只保存在内存
	IdentityFile string `mapstructure:"identity_file"` // age私钥文件, 不存在时自动生成
}

// NotifyConfig 告警通知配置
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
	DiscordWebhook string `mapstructure:"discord_webhook"`
	Timeout        int    `mapstructure:"timeout"` // 通知超时(秒)
}

// LogConfig 日志配置
type LogConfig struct {
	DBLogLevel string `mapstructure:"db_log_level"` // 数据库日志级别: silent, error, warn, info
}

var cfg *Config

// getExeDir 获取可执行文件所在目录
func getExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Load 从默认路径加载配置
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	exeDir := getExeDir()
	v.AddConfigPath(exeDir)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/charityledger")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// 配置文件不存在，创建默认配置
			if err := createDefaultConfig(filepath.Join(exeDir, "config.yaml")); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFile 加载指定配置文件
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg = c
	return c, nil
}

func Get() *Config {
	return cfg
}

// Validate 检查流水线运行必需的配置
func (c *Config) Validate() error {
	if c.Pipeline.ScaleFactor <= 0 {
		return fmt.Errorf("pipeline.scale_factor must be positive, got %d", c.Pipeline.ScaleFactor)
	}
	if c.Pipeline.Interval <= 0 {
		return fmt.Errorf("pipeline.interval must be positive, got %d", c.Pipeline.Interval)
	}
	if len(c.Chain.RPC) == 0 {
		return fmt.Errorf("chain.rpc must list at least one endpoint")
	}
	return nil
}

// getDefaultDataDir 根据平台返回默认数据目录
func getDefaultDataDir() string {
	if runtime.GOOS == "linux" {
		return "/var/lib/charityledger"
	}
	return filepath.Join(getExeDir(), "charityledger_data")
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 6090)
	v.SetDefault("server.cors_allow_origins", []string{})
	v.SetDefault("server.login_rate", 0.2)
	v.SetDefault("server.login_burst", 5)

	// Database
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "charity")
	v.SetDefault("database.password", "charity123")
	v.SetDefault("database.dbname", "charity")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 60)

	// JWT
	v.SetDefault("jwt.secret", "change-this-secret-key-in-production")
	v.SetDefault("jwt.expire_hour", 24)

	// Admin, 未配置密码哈希时禁止登录
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password_hash", "")

	// Chain
	v.SetDefault("chain.rpc", []string{"https://api.mainnet-beta.solana.com"})
	v.SetDefault("chain.commitment", "confirmed")
	v.SetDefault("chain.confirm_retries", 10)
	v.SetDefault("chain.confirm_delay", 2000)
	v.SetDefault("chain.rate_limit", 5.0)
	v.SetDefault("chain.rate_burst", 10)
	v.SetDefault("chain.http_timeout", 15)

	// Reserve
	v.SetDefault("reserve.default.min_threshold", 50000000)
	v.SetDefault("reserve.default.top_up", 50000000)
	v.SetDefault("reserve.operating.min_threshold", 50000000)
	v.SetDefault("reserve.operating.top_up", 5000000000)
	v.SetDefault("reserve.distribution.min_threshold", 1000000)
	v.SetDefault("reserve.distribution.top_up", 1000000)

	// Pipeline
	v.SetDefault("pipeline.interval", 60)
	v.SetDefault("pipeline.run_on_start", true)
	v.SetDefault("pipeline.scale_factor", 100)
	v.SetDefault("pipeline.grant_fee", 50000000)
	v.SetDefault("pipeline.shortfall_fee", 50000000)
	v.SetDefault("pipeline.shortfall_cooldown", 600)
	v.SetDefault("pipeline.pending_expiry", 120)

	// Journal
	dataDir := getDefaultDataDir()
	v.SetDefault("journal.path", filepath.Join(dataDir, "journal.cbor"))
	v.SetDefault("journal.identity_file", filepath.Join(dataDir, "journal.key"))

	// Notify
	v.SetDefault("notify.timeout", 10)

	// Log
	v.SetDefault("log.db_log_level", "warn")
}

func createDefaultConfig(configPath string) error {
	dataDir := getDefaultDataDir()

	configContent := fmt.Sprintf(`# Charity ledger settlement worker
# 固定钱包和发行方密钥请按部署环境填写

server:
  enabled: true
  host: "127.0.0.1"
  port: 6090
  # 管理接口允许的跨域来源, 支持 *.example.com
  cors_allow_origins: []
  login_rate: 0.2
  login_burst: 5

database:
  host: "127.0.0.1"
  port: 3306
  user: "charity"
  password: "charity123"
  dbname: "charity"
  max_open_conns: 20
  max_idle_conns: 5
  conn_max_lifetime: 60

jwt:
  secret: "change-this-secret-key-in-production"
  expire_hour: 24

# password_hash 为bcrypt哈希, 为空时管理接口无法登录
admin:
  username: "admin"
  password_hash: ""

chain:
  rpc:
    - "https://api.mainnet-beta.solana.com"
  mint: ""
  root_public: ""
  root_secret: ""
  commitment: "confirmed"
  confirm_retries: 10
  confirm_delay: 2000
  rate_limit: 5
  rate_burst: 10
  http_timeout: 15

wallets:
  charity:
    address: ""
    public: ""
    secret: ""
  store:
    address: ""
    public: ""
    secret: ""

reserve:
  default:
    min_threshold: 50000000
    top_up: 50000000
  operating:
    min_threshold: 50000000
    top_up: 5000000000
  distribution:
    min_threshold: 1000000
    top_up: 1000000

pipeline:
  interval: 60
  run_on_start: true
  scale_factor: 100
  grant_fee: 50000000
  shortfall_fee: 50000000
  shortfall_cooldown: 600
  # 已广播但未确认的交易, 节点查不到超过此时间(秒)后视为丢弃并重发
  pending_expiry: 120

journal:
  path: "%s"
  identity_file: "%s"

notify:
  telegram_token: ""
  telegram_chat_id: ""
  discord_webhook: ""
  timeout: 10

log:
  db_log_level: "warn"
`, filepath.Join(dataDir, "journal.cbor"), filepath.Join(dataDir, "journal.key"))

	return os.WriteFile(configPath, []byte(configContent), 0600)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}
