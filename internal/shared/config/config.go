package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"proxyfetch/internal/shared/types"
)

// Default 返回一个填充了默认值的配置, LoadIni 在其上覆盖。
func Default() *types.Config {
	return &types.Config{
		LogConf: types.LogConf{
			Level:  "info",
			Format: "console",
		},
		FetchConf: types.FetchConf{
			TimeoutSeconds:    10,
			RetryLimit:        3,
			RetryDelaySeconds: 2,
			ConcurrencyLimit:  5,
			MaxBodyBytes:      10 << 20,
			Headers:           map[string]string{},
		},
		ProxyPoolConf: types.ProxyPoolConf{
			CooldownPeriodSeconds:  120,
			CheckIntervalSeconds:   600,
			CheckURL:               "https://www.google.com",
			ValidateTimeoutSeconds: 5,
			ValidateConcurrency:    10,
			ValidateSources:        true,
			TextListProto:          "http",
			Country:                "US",
		},
		StorageConf: types.StorageConf{
			Driver: "csv",
			Path:   "records.csv",
			Mode:   "append",
		},
	}
}

// LoadIni 加载 proxyfetch.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	if sec, err := iniFile.GetSection("headers"); err == nil {
		if cfg.FetchConf.Headers == nil {
			cfg.FetchConf.Headers = map[string]string{}
		}
		for _, key := range sec.Keys() {
			cfg.FetchConf.Headers[key.Name()] = key.String()
		}
	}
	ApplyEnv(cfg)
	return nil
}

// ApplyEnv 用环境变量覆盖部分配置项, LoadIni 会自动调用。
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvInt(&cfg.FetchConf.RetryLimit, "PROXYFETCH_RETRY_LIMIT")
	overrideFromEnvString(&cfg.StorageConf.DSN, "PROXYFETCH_STORAGE_DSN")
	overrideFromEnvString(&cfg.WebConf.Password, "PROXYFETCH_WEB_PASSWORD")
}

// Validate 在构造各组件之前检查配置, 之后运行期不再重新解析。
func Validate(cfg *types.Config) error {
	var errs []error
	f := cfg.FetchConf
	if f.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("fetch.timeout_seconds must be positive, got %d", f.TimeoutSeconds))
	}
	if f.RetryLimit < 1 {
		errs = append(errs, fmt.Errorf("fetch.retry_limit must be at least 1, got %d", f.RetryLimit))
	}
	if f.RetryDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("fetch.retry_delay_seconds must not be negative, got %v", f.RetryDelaySeconds))
	}
	if f.ConcurrencyLimit < 1 {
		errs = append(errs, fmt.Errorf("fetch.concurrency_limit must be at least 1, got %d", f.ConcurrencyLimit))
	}
	if f.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("fetch.requests_per_second must not be negative, got %v", f.RequestsPerSecond))
	}

	p := cfg.ProxyPoolConf
	if p.CooldownPeriodSeconds < 0 {
		errs = append(errs, fmt.Errorf("proxypool.cooldown_period_seconds must not be negative, got %d", p.CooldownPeriodSeconds))
	}
	if p.CheckIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("proxypool.check_interval_seconds must be positive, got %d", p.CheckIntervalSeconds))
	}
	if p.ValidateSources {
		if u, err := url.Parse(p.CheckURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("proxypool.check_url %q is not an absolute URL", p.CheckURL))
		}
		if p.ValidateTimeoutSeconds <= 0 {
			errs = append(errs, fmt.Errorf("proxypool.validate_timeout_seconds must be positive, got %d", p.ValidateTimeoutSeconds))
		}
	}

	switch strings.ToLower(cfg.StorageConf.Driver) {
	case "csv", "pebble":
		if cfg.StorageConf.Path == "" {
			errs = append(errs, errors.New("storage.path is required for file based drivers"))
		}
	case "postgres":
		if cfg.StorageConf.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", cfg.StorageConf.Driver))
	}

	return errors.Join(errs...)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
