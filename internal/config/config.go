package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host            string        // 监听地址，默认 "0.0.0.0"
	Port            int           // 控制 API 端口，默认 8080
	TrackingPort    int           // 追踪端点端口，默认 8081
	ShutdownTimeout time.Duration // 优雅关闭等待时间，默认 10s
}

// StorageConfig 定义会话存储配置
type StorageConfig struct {
	Driver string // "filesystem" 或 "memory"
	Path   string // 文件系统存储根目录
}

// QueueConfig 定义回复队列存储配置
type QueueConfig struct {
	Driver string // "filesystem"、"memory" 或 "redis"
	Path   string // 队列文件路径
}

// RedisConfig 定义 Redis 服务配置
type RedisConfig struct {
	Address   string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password  string // Redis 认证密码，留空表示无密码
	DB        int    // Redis 数据库编号，默认 0
	KeyPrefix string // 键前缀，默认 "scambait"
}

// ScheduleConfig 定义回复时间调度规则
type ScheduleConfig struct {
	MinDelay    time.Duration  // 最短回复延迟，默认 180 分钟
	MaxDelay    time.Duration  // 最长回复延迟，默认 300 分钟
	WindowStart int            // 允许回复的起始小时（含），默认 9
	WindowEnd   int            // 允许回复的结束小时（不含），默认 20
	Timezone    string         // 时区名称，默认 "Local"
	Location    *time.Location // 解析后的时区
}

// LoopConfig 定义后台循环配置
type LoopConfig struct {
	IntakeInterval    time.Duration // 收件轮询间隔，默认 60s
	DispatchInterval  time.Duration // 回复派发轮询间隔，默认 30s
	DispatchWorkers   int           // 派发并发数，默认 4
	SendRatePerMinute int           // 每分钟最多发送数，默认 6
	DedupeTTL         time.Duration // 已调度邮件去重窗口，默认 24h
}

// EscalationConfig 定义附件升级规则
type EscalationConfig struct {
	MinMessages  int    // 升级前会话至少需要的消息数，默认 4
	KeywordsFile string // 触发词族 YAML 文件，留空使用内置词表
}

// TrackingConfig 定义追踪链接配置
type TrackingConfig struct {
	BaseURL     string // 对外暴露的追踪地址前缀，例如 "http://track.example.com"
	RedirectURL string // 追踪请求统一跳转的目标地址
}

// IMAPConfig 定义 IMAP 收件配置
type IMAPConfig struct {
	Address     string // "host:port"
	Username    string
	Password    string
	Mailbox     string // 收件箱名称，默认 "INBOX"
	SpamMailbox string // 垃圾邮件箱名称，默认 "Junk"
	TLS         bool   // 是否使用隐式 TLS，默认 true
}

// SMTPConfig 定义 SMTP 发件配置
type SMTPConfig struct {
	Address  string // "host:port"
	Username string
	Password string
	From     string // 发件地址
}

// GmailConfig 定义 Gmail API 配置
type GmailConfig struct {
	CredentialsFile string // OAuth 客户端凭据 JSON
	TokenFile       string // 已授权的令牌 JSON
	User            string // Gmail 用户，默认 "me"
}

// TransportConfig 定义邮件通道配置
type TransportConfig struct {
	Driver      string // "imap" 或 "gmail"
	IncludeSpam bool   // 收件时是否包含垃圾邮件箱
	IMAP        IMAPConfig
	SMTP        SMTPConfig
	Gmail       GmailConfig
}

// GenerationConfig 定义文本生成服务配置（OpenAI 兼容接口）
type GenerationConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// RenderConfig 定义附件文档渲染配置
type RenderConfig struct {
	OutputDir string // 渲染文件输出目录
}

// PersonaConfig 定义回复签名中使用的身份信息
type PersonaConfig struct {
	Name      string
	Location  string
	SiteLabel string // 签名链接显示文本
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Redis      RedisConfig
	Schedule   ScheduleConfig
	Loops      LoopConfig
	Escalation EscalationConfig
	Tracking   TrackingConfig
	Transport  TransportConfig
	Generation GenerationConfig
	Render     RenderConfig
	Persona    PersonaConfig
	CORS       CORSConfig
	Log        LogConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: SCAMBAIT_
// 例如: SCAMBAIT_SERVER_PORT, SCAMBAIT_SCHEDULE_TIMEZONE
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("scambait")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	minDelay, err := time.ParseDuration(viper.GetString("schedule.min_delay"))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule.min_delay: %w", err)
	}
	maxDelay, err := time.ParseDuration(viper.GetString("schedule.max_delay"))
	if err != nil {
		return nil, fmt.Errorf("invalid schedule.max_delay: %w", err)
	}
	if minDelay <= 0 || maxDelay < minDelay {
		return nil, fmt.Errorf("schedule delays must satisfy 0 < min_delay <= max_delay")
	}

	windowStart := viper.GetInt("schedule.window_start")
	windowEnd := viper.GetInt("schedule.window_end")
	if windowStart < 0 || windowEnd > 24 || windowStart >= windowEnd {
		return nil, fmt.Errorf("schedule window must satisfy 0 <= window_start < window_end <= 24")
	}

	timezone := viper.GetString("schedule.timezone")
	location, err := loadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule.timezone: %w", err)
	}

	intakeInterval := parseDurationOr(viper.GetString("loops.intake_interval"), time.Minute)
	dispatchInterval := parseDurationOr(viper.GetString("loops.dispatch_interval"), 30*time.Second)
	dedupeTTL := parseDurationOr(viper.GetString("loops.dedupe_ttl"), 24*time.Hour)
	shutdownTimeout := parseDurationOr(viper.GetString("server.shutdown_timeout"), 10*time.Second)
	generationTimeout := parseDurationOr(viper.GetString("generation.timeout"), 60*time.Second)

	workers := viper.GetInt("loops.dispatch_workers")
	if workers <= 0 {
		workers = 4
	}

	storageDriver := strings.ToLower(viper.GetString("storage.driver"))
	if !oneOf(storageDriver, "filesystem", "memory") {
		return nil, fmt.Errorf("unsupported storage.driver %q", storageDriver)
	}

	queueDriver := strings.ToLower(viper.GetString("queue.driver"))
	if !oneOf(queueDriver, "filesystem", "memory", "redis") {
		return nil, fmt.Errorf("unsupported queue.driver %q", queueDriver)
	}

	transportDriver := strings.ToLower(viper.GetString("transport.driver"))
	if !oneOf(transportDriver, "imap", "gmail") {
		return nil, fmt.Errorf("unsupported transport.driver %q", transportDriver)
	}

	trackingBase := strings.TrimRight(viper.GetString("tracking.base_url"), "/")
	if err := validateURL(trackingBase); err != nil {
		return nil, fmt.Errorf("invalid tracking.base_url: %w", err)
	}
	redirectURL := viper.GetString("tracking.redirect_url")
	if err := validateURL(redirectURL); err != nil {
		return nil, fmt.Errorf("invalid tracking.redirect_url: %w", err)
	}

	minMessages := viper.GetInt("escalation.min_messages")
	if minMessages < 0 {
		minMessages = 4
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	storagePath := viper.GetString("storage.path")
	queuePath := viper.GetString("queue.path")
	if queuePath == "" {
		queuePath = filepath.Join(storagePath, "response_queue.json")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            viper.GetString("server.host"),
			Port:            viper.GetInt("server.port"),
			TrackingPort:    viper.GetInt("server.tracking_port"),
			ShutdownTimeout: shutdownTimeout,
		},
		Storage: StorageConfig{
			Driver: storageDriver,
			Path:   storagePath,
		},
		Queue: QueueConfig{
			Driver: queueDriver,
			Path:   queuePath,
		},
		Redis: RedisConfig{
			Address:   viper.GetString("redis.address"),
			Password:  viper.GetString("redis.password"),
			DB:        viper.GetInt("redis.db"),
			KeyPrefix: viper.GetString("redis.key_prefix"),
		},
		Schedule: ScheduleConfig{
			MinDelay:    minDelay,
			MaxDelay:    maxDelay,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
			Timezone:    timezone,
			Location:    location,
		},
		Loops: LoopConfig{
			IntakeInterval:    intakeInterval,
			DispatchInterval:  dispatchInterval,
			DispatchWorkers:   workers,
			SendRatePerMinute: viper.GetInt("loops.send_rate_per_minute"),
			DedupeTTL:         dedupeTTL,
		},
		Escalation: EscalationConfig{
			MinMessages:  minMessages,
			KeywordsFile: viper.GetString("escalation.keywords_file"),
		},
		Tracking: TrackingConfig{
			BaseURL:     trackingBase,
			RedirectURL: redirectURL,
		},
		Transport: TransportConfig{
			Driver:      transportDriver,
			IncludeSpam: viper.GetBool("transport.include_spam"),
			IMAP: IMAPConfig{
				Address:     viper.GetString("transport.imap.address"),
				Username:    viper.GetString("transport.imap.username"),
				Password:    viper.GetString("transport.imap.password"),
				Mailbox:     viper.GetString("transport.imap.mailbox"),
				SpamMailbox: viper.GetString("transport.imap.spam_mailbox"),
				TLS:         viper.GetBool("transport.imap.tls"),
			},
			SMTP: SMTPConfig{
				Address:  viper.GetString("transport.smtp.address"),
				Username: viper.GetString("transport.smtp.username"),
				Password: viper.GetString("transport.smtp.password"),
				From:     viper.GetString("transport.smtp.from"),
			},
			Gmail: GmailConfig{
				CredentialsFile: viper.GetString("transport.gmail.credentials_file"),
				TokenFile:       viper.GetString("transport.gmail.token_file"),
				User:            viper.GetString("transport.gmail.user"),
			},
		},
		Generation: GenerationConfig{
			BaseURL: strings.TrimRight(viper.GetString("generation.base_url"), "/"),
			APIKey:  viper.GetString("generation.api_key"),
			Model:   viper.GetString("generation.model"),
			Timeout: generationTimeout,
		},
		Render: RenderConfig{
			OutputDir: viper.GetString("render.output_dir"),
		},
		Persona: PersonaConfig{
			Name:      viper.GetString("persona.name"),
			Location:  viper.GetString("persona.location"),
			SiteLabel: viper.GetString("persona.site_label"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
	}

	return cfg, nil
}

// TrackingURL 返回令牌对应的追踪地址
func (c *Config) TrackingURL(token string) string {
	return c.Tracking.BaseURL + "/" + token
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.tracking_port", 8081)
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("storage.driver", "filesystem")
	viper.SetDefault("storage.path", "./data")
	viper.SetDefault("queue.driver", "filesystem")
	viper.SetDefault("queue.path", "")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", "scambait")
	viper.SetDefault("schedule.min_delay", "180m")
	viper.SetDefault("schedule.max_delay", "300m")
	viper.SetDefault("schedule.window_start", 9)
	viper.SetDefault("schedule.window_end", 20)
	viper.SetDefault("schedule.timezone", "Local")
	viper.SetDefault("loops.intake_interval", "60s")
	viper.SetDefault("loops.dispatch_interval", "30s")
	viper.SetDefault("loops.dispatch_workers", 4)
	viper.SetDefault("loops.send_rate_per_minute", 6)
	viper.SetDefault("loops.dedupe_ttl", "24h")
	viper.SetDefault("escalation.min_messages", 4)
	viper.SetDefault("escalation.keywords_file", "")
	viper.SetDefault("tracking.base_url", "http://localhost:8081")
	viper.SetDefault("tracking.redirect_url", "https://google.com")
	viper.SetDefault("transport.driver", "imap")
	viper.SetDefault("transport.include_spam", true)
	viper.SetDefault("transport.imap.mailbox", "INBOX")
	viper.SetDefault("transport.imap.spam_mailbox", "Junk")
	viper.SetDefault("transport.imap.tls", true)
	viper.SetDefault("transport.gmail.user", "me")
	viper.SetDefault("generation.base_url", "https://api.openai.com/v1")
	viper.SetDefault("generation.model", "gpt-4o-mini")
	viper.SetDefault("generation.timeout", "60s")
	viper.SetDefault("render.output_dir", "./data/documents")
	viper.SetDefault("persona.name", "James R Dawson")
	viper.SetDefault("persona.location", "Colorado")
	viper.SetDefault("persona.site_label", "jdawsontech.com")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
}

// loadLocation 解析时区名称，空值和 "Local" 均表示系统本地时区
func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func validateURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func oneOf(value string, options ...string) bool {
	for _, option := range options {
		if value == option {
			return true
		}
	}
	return false
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
