package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("TCP_HOST", "127.0.0.1")
	viper.SetDefault("TCP_PORT", "5000")
	viper.SetDefault("VSOCK_PORT", "7777")
	viper.SetDefault("FRAMING", "newline")
	viper.SetDefault("WORKER_COUNT", 8)
	viper.SetDefault("LOCK_WAIT_TIMEOUT", "5s")
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("ENABLE_HTTP", true)
	viper.SetDefault("DB_DIR", "")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("ENCLAVE_SECRET", "")

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}

	secret := viper.GetString("ENCLAVE_SECRET")
	if secret == "" {
		logrus.Fatal("ENCLAVE_SECRET is required")
	}

	framing := strings.ToLower(viper.GetString("FRAMING"))
	if framing != "newline" && framing != "length" {
		logrus.Fatalf("Invalid framing %q, expected newline or length", framing)
	}

	AppConfig = Config{
		TCPHost:         viper.GetString("TCP_HOST"),
		TCPPort:         viper.GetString("TCP_PORT"),
		VsockPort:       viper.GetString("VSOCK_PORT"),
		Framing:         framing,
		WorkerCount:     viper.GetInt("WORKER_COUNT"),
		LockWaitTimeout: viper.GetDuration("LOCK_WAIT_TIMEOUT"),
		HTTPPort:        viper.GetString("HTTP_PORT"),
		EnableHTTP:      viper.GetBool("ENABLE_HTTP"),
		DbDir:           viper.GetString("DB_DIR"),
		EnclaveSecret:   secret,
		LogLevel:        logLevel,
	}

	logrus.Infof("Init config, framing %s, lock wait %v, workers %d",
		AppConfig.Framing, AppConfig.LockWaitTimeout, AppConfig.WorkerCount)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

type Config struct {
	TCPHost         string
	TCPPort         string
	VsockPort       string
	Framing         string
	WorkerCount     int
	LockWaitTimeout time.Duration
	HTTPPort        string
	EnableHTTP      bool
	DbDir           string
	EnclaveSecret   string
	LogLevel        logrus.Level
}
