package apns

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type proxyFile struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type tokenFile struct {
	Key    string `yaml:"key"`
	KeyID  string `yaml:"keyId"`
	TeamID string `yaml:"teamId"`
}

// fileConfig mirrors Config with the durations in milliseconds and the
// token key as a file path.
type fileConfig struct {
	Token *tokenFile `yaml:"token"`

	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	PFX        string `yaml:"pfx"`
	Passphrase string `yaml:"passphrase"`
	CA         string `yaml:"ca"`

	Production *bool `yaml:"production"`

	Address               string `yaml:"address"`
	Port                  int    `yaml:"port"`
	ManageChannelsAddress string `yaml:"manageChannelsAddress"`
	ManageChannelsPort    int    `yaml:"manageChannelsPort"`

	Proxy               *proxyFile `yaml:"proxy"`
	ManageChannelsProxy *proxyFile `yaml:"manageChannelsProxy"`

	RejectUnauthorized   *bool `yaml:"rejectUnauthorized"`
	ConnectionRetryLimit int   `yaml:"connectionRetryLimit"`
	HeartBeatMillis      int   `yaml:"heartBeat"`
	RequestTimeoutMillis int   `yaml:"requestTimeout"`
	ClientCount          int   `yaml:"clientCount"`
}

// LoadConfig reads a YAML configuration file into a Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	cfg := &Config{
		Cert:                  fc.Cert,
		Key:                   fc.Key,
		PFX:                   fc.PFX,
		Passphrase:            fc.Passphrase,
		CA:                    fc.CA,
		Production:            fc.Production,
		Address:               fc.Address,
		Port:                  fc.Port,
		ManageChannelsAddress: fc.ManageChannelsAddress,
		ManageChannelsPort:    fc.ManageChannelsPort,
		RejectUnauthorized:    fc.RejectUnauthorized,
		ConnectionRetryLimit:  fc.ConnectionRetryLimit,
		HeartBeat:             time.Duration(fc.HeartBeatMillis) * time.Millisecond,
		RequestTimeout:        time.Duration(fc.RequestTimeoutMillis) * time.Millisecond,
		ClientCount:           fc.ClientCount,
	}
	if fc.Token != nil {
		cfg.Token = &TokenOptions{
			KeyFile: fc.Token.Key,
			KeyID:   fc.Token.KeyID,
			TeamID:  fc.Token.TeamID,
		}
	}
	if fc.Proxy != nil {
		cfg.Proxy = &ProxyOptions{Host: fc.Proxy.Host, Port: fc.Proxy.Port}
	}
	if fc.ManageChannelsProxy != nil {
		cfg.ManageChannelsProxy = &ProxyOptions{Host: fc.ManageChannelsProxy.Host, Port: fc.ManageChannelsProxy.Port}
	}
	return cfg, nil
}
