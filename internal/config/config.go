package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Listen struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"listen"`

	Certs struct {
		Dir      string `yaml:"dir"`
		CacheDir string `yaml:"cacheDir"`
	} `yaml:"certs"`

	Storage struct {
		Backend string `yaml:"backend"` // disk / memory / sqlite
		BaseDir string `yaml:"baseDir"`
		MaxSize int    `yaml:"maxSize"` // memory backend 的容量上限，0 表示不限
	} `yaml:"storage"`

	Upstream struct {
		HTTP       string `yaml:"http"`
		HTTPS      string `yaml:"https"`
		NoProxy    string `yaml:"noProxy"`
		CustomAuth string `yaml:"customAuth"` // 完整的 Proxy-Authorization 值，优先于 URL 内嵌凭据
	} `yaml:"upstream"`

	Proxy struct {
		DisableEncoding   bool     `yaml:"disableEncoding"`
		VerifyUpstream    bool     `yaml:"verifyUpstream"`
		IgnoreMethods     []string `yaml:"ignoreMethods"`
		Scopes            []string `yaml:"scopes"`
		SocketTimeoutSecs int      `yaml:"socketTimeoutSecs"`
	} `yaml:"proxy"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}
	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 0
	cfg.Certs.Dir = "certs"
	cfg.Certs.CacheDir = "certs/cache"
	cfg.Storage.Backend = "disk"
	cfg.Proxy.IgnoreMethods = []string{"OPTIONS"}
	cfg.Proxy.SocketTimeoutSecs = 30
	cfg.Log.Level = "info"
	cfg.Log.Writer = []string{"console"}
	return cfg
}

// Load 读取 YAML 配置文件并覆盖默认值
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
