package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

// GetRedisAddress prints redis credential info.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// NetworkEndpoints lists the JSON-RPC providers tried in order for a network.
type NetworkEndpoints struct {
	NetworkID string   `yaml:"network_id"`
	RpcURLs   []string `yaml:"rpc_urls"`
}

type PopupWallet struct {
	WalletBaseURL string `yaml:"wallet_base_url"`
	AppKeyPrefix  string `yaml:"app_key_prefix"`
}

type RemoteWallet struct {
	SignerBackendURL string         `yaml:"signer_backend_url"`
	WalletDeepLink   string         `yaml:"wallet_deep_link"`
	Metadata         WalletMetadata `yaml:"metadata"`
}

type WalletMetadata struct {
	Name    string `yaml:"name"`
	LogoURL string `yaml:"logo_url"`
	URL     string `yaml:"url"`
}

type LogoutBridge struct {
	ServiceURL       string        `yaml:"service_url"`
	ReconnectDelayMs int           `yaml:"reconnect_delay_ms"`
	NonceMaxAge      time.Duration `yaml:"nonce_max_age"`
}

type Polling struct {
	DelayMs                             int `yaml:"delay_ms"`
	MaxIterations                       int `yaml:"max_iterations"`
	RequestTimeoutMs                    int `yaml:"request_timeout_ms"`
	BackgroundVisibilityCheckIntervalMs int `yaml:"background_visibility_check_interval_ms"`
	BackgroundVisibilityCheckTimeoutMs  int `yaml:"background_visibility_check_timeout_ms"`
	RequestCallTimeoutMs                int `yaml:"request_call_timeout_ms"`
}

// Configuration struct
type Configuration struct {
	Networks         []NetworkEndpoints `yaml:"networks"`
	PopupWallet      PopupWallet        `yaml:"popup_wallet"`
	RemoteWallet     RemoteWallet       `yaml:"remote_wallet"`
	LogoutBridge     LogoutBridge       `yaml:"logout_bridge"`
	Polling          Polling            `yaml:"polling"`
	RedisCredential  DBCredential       `yaml:"redis"`
	SentryDSN        string             `yaml:"sentry_dsn"`
	LarkAlarmWebhook string             `yaml:"lark_alarm_webhook"`
	ListenAddr       string             `yaml:"listen_addr"`
}

// RpcURLs returns the configured providers for a network, or nil.
func (c *Configuration) RpcURLs(networkID string) []string {
	for _, n := range c.Networks {
		if n.NetworkID == networkID {
			return n.RpcURLs
		}
	}
	return nil
}

func readConfig(path string) (Configuration, error) {
	logrus.Info("Starting to load configuration file ...")
	dat, err := os.ReadFile(path)
	if err != nil {
		logrus.Fatal(err)
	}
	t := Configuration{}
	err = yaml.Unmarshal(dat, &t)

	if err != nil {
		if os.IsNotExist(err) {
			logrus.Fatalf("file %s does not exist", path)
		} else {
			logrus.Fatalf("fail to decode config error: %v", err)
		}
	}
	return t, nil
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	logrus.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := readConfig(*configFilePath)
	if err != nil {
		logrus.Fatal(err)
	}
	Global = &globalConfig
}
