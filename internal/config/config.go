package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Browser  BrowserConfig  `yaml:"browser"`
	Flow     FlowConfig     `yaml:"flow"`
	Logs     LogsConfig     `yaml:"logs"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Notify   NotifyConfig   `yaml:"notify"`
	TimeSync TimeSyncConfig `yaml:"timeSync"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type SiteConfig struct {
	LoginURL string `yaml:"loginURL"`
}

type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`
	Bin         string `yaml:"bin"`
	UserDataDir string `yaml:"userDataDir"`
	// UserAgent 留空时使用桌面版 Chrome UA。
	UserAgent  string `yaml:"userAgent"`
	WindowSize string `yaml:"windowSize"`
	// NavTimeoutMs 单次页面跳转（goto/reload/点击后等待跳转）的上限。
	NavTimeoutMs int `yaml:"navTimeoutMs"`
}

func (c BrowserConfig) NavTimeout() time.Duration {
	if c.NavTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.NavTimeoutMs) * time.Millisecond
}

type FlowConfig struct {
	StepTimeoutMs        int `yaml:"stepTimeoutMs"`
	LoginMarkerTimeoutMs int `yaml:"loginMarkerTimeoutMs"`
	SeatTimeoutMs        int `yaml:"seatTimeoutMs"`

	SaleRetry SaleRetryConfig `yaml:"saleRetry"`
	Markers   MarkersConfig   `yaml:"markers"`
	Selectors SelectorsConfig `yaml:"selectors"`
	Resume    ResumeConfig    `yaml:"resume"`
}

func (c FlowConfig) StepTimeout() time.Duration {
	if c.StepTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.StepTimeoutMs) * time.Millisecond
}

func (c FlowConfig) LoginMarkerTimeout() time.Duration {
	if c.LoginMarkerTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.LoginMarkerTimeoutMs) * time.Millisecond
}

func (c FlowConfig) SeatTimeout() time.Duration {
	if c.SeatTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SeatTimeoutMs) * time.Millisecond
}

type SaleRetryConfig struct {
	Max     int `yaml:"max"`
	DelayMs int `yaml:"delayMs"`
}

func (c SaleRetryConfig) Delay() time.Duration {
	if c.DelayMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.DelayMs) * time.Millisecond
}

type MarkersConfig struct {
	// NotOnSale 页面正文中出现任意一个即视为“尚未开售”。
	NotOnSale []string `yaml:"notOnSale"`
	// Challenge 页面正文中出现任意一个即视为验证码拦截。
	Challenge []string `yaml:"challenge"`
	// Completed 提交后 URL 中出现任意一个即视为下单完成。
	Completed []string `yaml:"completed"`
}

type SelectorsConfig struct {
	LoginEmail    string `yaml:"loginEmail"`
	LoginPassword string `yaml:"loginPassword"`
	LoginSubmit   string `yaml:"loginSubmit"`
	LoginMarker   string `yaml:"loginMarker"`

	SeatRegion string `yaml:"seatRegion"`
	SeatItem   string `yaml:"seatItem"`
	Quantity   string `yaml:"quantity"`
	Next       string `yaml:"next"`

	Name       string `yaml:"name"`
	Phone      string `yaml:"phone"`
	BirthYear  string `yaml:"birthYear"`
	BirthMonth string `yaml:"birthMonth"`
	BirthDay   string `yaml:"birthDay"`

	PaymentRegion  string `yaml:"paymentRegion"`
	PaymentItem    string `yaml:"paymentItem"`
	DeliveryRegion string `yaml:"deliveryRegion"`
	DeliveryItem   string `yaml:"deliveryItem"`

	Confirm   string `yaml:"confirm"`
	Agreement string `yaml:"agreement"`
	Apply     string `yaml:"apply"`
}

// ResumeConfig 人工处理验证码后，根据当前 URL 包含的片段决定从哪一步继续。
// 购票页这一步固定使用请求里的 url，不在这里配置。
type ResumeConfig struct {
	Login   string `yaml:"login"`
	Select  string `yaml:"select"`
	Info    string `yaml:"info"`
	Payment string `yaml:"payment"`
	Confirm string `yaml:"confirm"`
}

type LogsConfig struct {
	Dir string `yaml:"dir"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type NotifyConfig struct {
	Email EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Email    string `yaml:"email"`
	AuthCode string `yaml:"authCode"`
	// Host/Port 留空时按邮箱域名推断。
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	SSL  bool   `yaml:"ssl"`
}

type TimeSyncConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Servers   []string `yaml:"servers"`
	TimeoutMs int      `yaml:"timeoutMs"`
}

func (c TimeSyncConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type DispatchConfig struct {
	Pattern     string  `yaml:"pattern"`
	LaunchQPS   float64 `yaml:"launchQPS"`
	LaunchBurst int     `yaml:"launchBurst"`
}

// Default 返回全部使用默认值的配置。
func Default() Config {
	var cfg Config
	cfg.Browser.Headless = true
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Browser: BrowserConfig{Headless: true}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOptional 与 Load 相同，但文件不存在时返回默认配置。
func LoadOptional(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func Save(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c *Config) applyDefaults() {
	if c.Site.LoginURL == "" {
		c.Site.LoginURL = "https://l-tike.com/login"
	}
	if c.Browser.WindowSize == "" {
		c.Browser.WindowSize = "1280,920"
	}
	if c.Flow.SaleRetry.Max <= 0 {
		c.Flow.SaleRetry.Max = 10
	}
	if len(c.Flow.Markers.NotOnSale) == 0 {
		c.Flow.Markers.NotOnSale = []string{"販売開始前", "まだ販売していません"}
	}
	if len(c.Flow.Markers.Challenge) == 0 {
		c.Flow.Markers.Challenge = []string{"captcha", "CAPTCHA"}
	}
	if len(c.Flow.Markers.Completed) == 0 {
		c.Flow.Markers.Completed = []string{"complete", "finish"}
	}
	c.Flow.Selectors.applyDefaults()
	c.Flow.Resume.applyDefaults()
	if c.Logs.Dir == "" {
		c.Logs.Dir = "./logs"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/ticket_get.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8090"
	}
	if len(c.TimeSync.Servers) == 0 {
		c.TimeSync.Servers = []string{"https://l-tike.com", "https://www.google.com", "https://www.cloudflare.com"}
	}
	if c.Dispatch.Pattern == "" {
		c.Dispatch.Pattern = "purchase-info*.json"
	}
	if c.Dispatch.LaunchQPS <= 0 {
		c.Dispatch.LaunchQPS = 2
	}
	if c.Dispatch.LaunchBurst <= 0 {
		c.Dispatch.LaunchBurst = 1
	}
}

func (s *SelectorsConfig) applyDefaults() {
	def := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	def(&s.LoginEmail, "#login_mail")
	def(&s.LoginPassword, "#login_pass")
	def(&s.LoginSubmit, `input[type="submit"]`)
	def(&s.LoginMarker, ".user-menu")
	def(&s.SeatRegion, ".seat-type-selection")
	def(&s.SeatItem, ".seat-type-item")
	def(&s.Quantity, "select.ticket-quantity")
	def(&s.Next, ".next-button")
	def(&s.Name, `input[name="name"]`)
	def(&s.Phone, `input[name="tel"]`)
	def(&s.BirthYear, `select[name="birth_year"]`)
	def(&s.BirthMonth, `select[name="birth_month"]`)
	def(&s.BirthDay, `select[name="birth_day"]`)
	def(&s.PaymentRegion, ".payment-method-selection")
	def(&s.PaymentItem, ".payment-method-item")
	def(&s.DeliveryRegion, ".delivery-method-selection")
	def(&s.DeliveryItem, ".delivery-method-item")
	def(&s.Confirm, ".confirm-page")
	def(&s.Agreement, ".agreement-checkbox")
	def(&s.Apply, ".apply-button")
}

func (r *ResumeConfig) applyDefaults() {
	if r.Login == "" {
		r.Login = "login"
	}
	if r.Select == "" {
		r.Select = "select"
	}
	if r.Info == "" {
		r.Info = "info"
	}
	if r.Payment == "" {
		r.Payment = "payment"
	}
	if r.Confirm == "" {
		r.Confirm = "confirm"
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Site.LoginURL) == "" {
		return errors.New("site.loginURL is required")
	}
	if strings.TrimSpace(c.Logs.Dir) == "" {
		return errors.New("logs.dir is required")
	}
	if c.Notify.Email.Enabled && strings.TrimSpace(c.Notify.Email.Email) == "" {
		return errors.New("notify.email.email is required when email is enabled")
	}
	return nil
}
