package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // "console" (默认) 或 "json"
}

// FetchConf 控制单个 URL 抓取的重试与并发行为。
type FetchConf struct {
	TimeoutSeconds    int     `ini:"timeout_seconds"`
	RetryLimit        int     `ini:"retry_limit"`
	RetryDelaySeconds float64 `ini:"retry_delay_seconds"`
	ConcurrencyLimit  int     `ini:"concurrency_limit"`
	RequestsPerSecond float64 `ini:"requests_per_second"` // 0 表示不限速
	MaxBodyBytes      int64   `ini:"max_body_bytes"`

	// Headers 来自 [headers] 段，不经过 MapTo。
	Headers map[string]string `ini:"-"`
}

// ProxyPoolConf 包含代理池、候选源与验证相关的配置。
type ProxyPoolConf struct {
	CooldownPeriodSeconds  int    `ini:"cooldown_period_seconds"`
	CheckIntervalSeconds   int    `ini:"check_interval_seconds"`
	CheckURL               string `ini:"check_url"`
	ValidateTimeoutSeconds int    `ini:"validate_timeout_seconds"`
	ValidateConcurrency    int    `ini:"validate_concurrency"`
	ValidateSources        bool   `ini:"validate_sources"`
	BackgroundRefresh      bool   `ini:"background_refresh"`

	// Sources 是内置候选源的名字, e.g. "free-proxy-list,ip3366,kuaidaili"
	Sources       []string `ini:"sources" delim:","`
	TextListURLs  []string `ini:"text_list_urls" delim:","`
	TextListProto string   `ini:"text_list_protocol"`
	StaticProxies []string `ini:"static_proxies" delim:","`
	Country       string   `ini:"country"`
}

// StorageConf 选择解析结果的存储后端。
type StorageConf struct {
	Driver string   `ini:"driver"` // csv, pebble, postgres
	Path   string   `ini:"path"`
	Mode   string   `ini:"mode"` // append 或 overwrite, 仅 csv
	Fields []string `ini:"fields" delim:","`
	DSN    string   `ini:"dsn"`
}

// WebConf 控制监控页面; Port 为 0 时关闭。
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 proxyfetch 的统一配置结构体
type Config struct {
	LogConf       `ini:"log"`
	FetchConf     `ini:"fetch"`
	ProxyPoolConf `ini:"proxypool"`
	StorageConf   `ini:"storage"`
	WebConf       `ini:"web"`
}
