// Package config содержит логику чтения конфигурации сервиса заказов кодов маркировки.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	VendorAddress  string `env:"KONTUR_ADDRESS"`
	WarehouseID    string `env:"WAREHOUSE_ID"`
	OrganizationID string `env:"ORGANIZATION_ID"`
	DatabaseURI    string `env:"DATABASE_URI"`
	CookiesFile    string `env:"COOKIES_FILE"`
	DownloadDir    string `env:"DOWNLOAD_DIR"`

	SessionLifetime      time.Duration `env:"SESSION_LIFETIME"`
	SessionRetryInterval time.Duration `env:"SESSION_RETRY_INTERVAL"`
	PollInterval         time.Duration `env:"POLL_INTERVAL"`
	CreateTimeout        time.Duration `env:"CREATE_TIMEOUT"`
	DownloadTimeout      time.Duration `env:"DOWNLOAD_TIMEOUT"`
	IntroTimeout         time.Duration `env:"INTRO_TIMEOUT"`

	CreateWorkers   int `env:"CREATE_WORKERS"`
	DownloadWorkers int `env:"DOWNLOAD_WORKERS"`
	IntroWorkers    int `env:"INTRO_WORKERS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envVendorAddress := cfg.VendorAddress
	envWarehouseID := cfg.WarehouseID
	envOrganizationID := cfg.OrganizationID
	envDatabaseURI := cfg.DatabaseURI
	envCookiesFile := cfg.CookiesFile
	envDownloadDir := cfg.DownloadDir

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.VendorAddress, "k", "https://mk.kontur.ru", "vendor API address")
	flag.StringVar(&cfg.WarehouseID, "w", "", "warehouse id for order creation")
	flag.StringVar(&cfg.OrganizationID, "o", "", "organization id for circulation requests")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for order history")
	flag.StringVar(&cfg.CookiesFile, "c", "cookies.json", "path to the cookies file")
	flag.StringVar(&cfg.DownloadDir, "f", ".", "directory for downloaded code files")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envVendorAddress != "" {
		cfg.VendorAddress = envVendorAddress
	}
	if envWarehouseID != "" {
		cfg.WarehouseID = envWarehouseID
	}
	if envOrganizationID != "" {
		cfg.OrganizationID = envOrganizationID
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCookiesFile != "" {
		cfg.CookiesFile = envCookiesFile
	}
	if envDownloadDir != "" {
		cfg.DownloadDir = envDownloadDir
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = 13 * time.Minute
	}
	if cfg.SessionRetryInterval <= 0 {
		cfg.SessionRetryInterval = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = time.Minute
	}
	if cfg.IntroTimeout <= 0 {
		cfg.IntroTimeout = 10 * time.Minute
	}
	if cfg.CreateWorkers <= 0 {
		cfg.CreateWorkers = 3
	}
	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = 2
	}
	if cfg.IntroWorkers <= 0 {
		cfg.IntroWorkers = 3
	}

	return cfg, nil
}
