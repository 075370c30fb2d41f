package apns

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/pushgate/apns/certificate"
	"github.com/pushgate/apns/session"
)

// APNs endpoint hosts. Setting Config.Address to the production host
// forces production mode; any other explicit address forces development.
const (
	ProductionPushHost  = "api.push.apple.com"
	DevelopmentPushHost = "api.sandbox.push.apple.com"

	ProductionManageHost  = "api-manage-broadcast.push.apple.com"
	DevelopmentManageHost = "api-manage-broadcast.sandbox.push.apple.com"

	DefaultPushPort       = 443
	ProductionManagePort  = 2196
	DevelopmentManagePort = 2195
)

// Defaults applied when the corresponding Config field is unset.
const (
	DefaultConnectionRetryLimit = 3
	DefaultHeartBeat            = 60 * time.Second
	DefaultRequestTimeout       = 5 * time.Second
	DefaultClientCount          = 2
)

// ConfigError reports an invalid configuration option at construction.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Option, e.Reason)
}

// TokenOptions enables token-based authentication. Key holds the PEM data
// of the .p8 signing key; KeyFile is read when Key is empty.
type TokenOptions struct {
	Key     []byte
	KeyFile string
	KeyID   string
	TeamID  string
}

// ProxyOptions points at an HTTP proxy to CONNECT through.
type ProxyOptions struct {
	Host string
	Port int
}

// Config carries the provider options. The zero value yields a
// certificate-based client reading cert.pem and key.pem, in production
// mode only when NODE_ENV is "production" and in development mode
// otherwise.
type Config struct {
	// Token enables token-based auth. When set, Cert, Key, PFX and
	// Passphrase are ignored.
	Token *TokenOptions

	// Cert and Key are PEM file paths for certificate-based auth.
	Cert string
	Key  string
	// PFX is a PKCS#12 bundle path, used instead of Cert/Key when set.
	PFX        string
	Passphrase string
	// CA is a PEM file of additional root certificates.
	CA string

	// Production selects the default endpoints. When nil, production mode
	// is taken from the NODE_ENV environment variable.
	Production *bool

	// Address and Port override the push endpoint.
	Address string
	Port    int

	// ManageChannelsAddress and ManageChannelsPort override the channel
	// management endpoint.
	ManageChannelsAddress string
	ManageChannelsPort    int

	Proxy               *ProxyOptions
	ManageChannelsProxy *ProxyOptions

	// RejectUnauthorized disables server certificate verification when
	// explicitly set to false.
	RejectUnauthorized *bool

	ConnectionRetryLimit int
	HeartBeat            time.Duration
	RequestTimeout       time.Duration

	// ClientCount is the number of independent clients a MultiProvider
	// spreads load over.
	ClientCount int
}

type resolvedConfig struct {
	production     bool
	pushEndpoint   session.Endpoint
	manageEndpoint session.Endpoint
	pushProxy      *session.Endpoint
	manageProxy    *session.Endpoint

	token *TokenOptions
	tls   *tls.Config

	retryLimit     int
	heartBeat      time.Duration
	requestTimeout time.Duration
}

func (c *Config) resolve() (*resolvedConfig, error) {
	r := &resolvedConfig{
		retryLimit:     c.ConnectionRetryLimit,
		heartBeat:      c.HeartBeat,
		requestTimeout: c.RequestTimeout,
	}
	if r.retryLimit <= 0 {
		r.retryLimit = DefaultConnectionRetryLimit
	}
	if r.heartBeat <= 0 {
		r.heartBeat = DefaultHeartBeat
	}
	if r.requestTimeout <= 0 {
		r.requestTimeout = DefaultRequestTimeout
	}

	if c.Production != nil {
		r.production = *c.Production
	} else {
		r.production = os.Getenv("NODE_ENV") == "production"
	}
	// An explicit push address pins the mode.
	switch {
	case c.Address == ProductionPushHost:
		r.production = true
	case c.Address != "":
		r.production = false
	}

	r.pushEndpoint = session.Endpoint{Host: ProductionPushHost, Port: DefaultPushPort}
	r.manageEndpoint = session.Endpoint{Host: ProductionManageHost, Port: ProductionManagePort}
	if !r.production {
		r.pushEndpoint.Host = DevelopmentPushHost
		r.manageEndpoint = session.Endpoint{Host: DevelopmentManageHost, Port: DevelopmentManagePort}
	}
	if c.Address != "" {
		r.pushEndpoint.Host = c.Address
	}
	if c.Port != 0 {
		r.pushEndpoint.Port = c.Port
	}
	if c.ManageChannelsAddress != "" {
		r.manageEndpoint.Host = c.ManageChannelsAddress
	}
	if c.ManageChannelsPort != 0 {
		r.manageEndpoint.Port = c.ManageChannelsPort
	}
	if c.Proxy != nil {
		r.pushProxy = &session.Endpoint{Host: c.Proxy.Host, Port: c.Proxy.Port}
	}
	if c.ManageChannelsProxy != nil {
		r.manageProxy = &session.Endpoint{Host: c.ManageChannelsProxy.Host, Port: c.ManageChannelsProxy.Port}
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.RejectUnauthorized != nil && !*c.RejectUnauthorized {
		tlsConfig.InsecureSkipVerify = true
	}
	if c.CA != "" {
		pool, err := certificate.LoadCAPool(c.CA)
		if err != nil {
			return nil, &ConfigError{Option: "ca", Reason: err.Error()}
		}
		tlsConfig.RootCAs = pool
	}

	if c.Token != nil {
		tok := *c.Token
		if tok.KeyID == "" {
			return nil, &ConfigError{Option: "token.keyId", Reason: "must be a non-empty string"}
		}
		if tok.TeamID == "" {
			return nil, &ConfigError{Option: "token.teamId", Reason: "must be a non-empty string"}
		}
		if len(tok.Key) == 0 {
			if tok.KeyFile == "" {
				return nil, &ConfigError{Option: "token.key", Reason: "signing key is required"}
			}
			data, err := os.ReadFile(tok.KeyFile)
			if err != nil {
				return nil, &ConfigError{Option: "token.key", Reason: err.Error()}
			}
			tok.Key = data
		}
		// Token auth and TLS material are mutually exclusive; the
		// certificate options are dropped.
		r.token = &tok
		r.tls = tlsConfig
		return r, nil
	}

	cert, err := loadClientCertificate(c)
	if err != nil {
		return nil, err
	}
	tlsConfig.Certificates = []tls.Certificate{*cert}
	r.tls = tlsConfig
	return r, nil
}

func loadClientCertificate(c *Config) (*tls.Certificate, error) {
	if c.PFX != "" {
		cert, err := certificate.LoadP12File(c.PFX, c.Passphrase)
		if err != nil {
			return nil, &ConfigError{Option: "pfx", Reason: err.Error()}
		}
		return cert, nil
	}
	certPath := c.Cert
	if certPath == "" {
		certPath = "cert.pem"
	}
	keyPath := c.Key
	if keyPath == "" {
		keyPath = "key.pem"
	}
	cert, err := certificate.LoadPEM(certPath, keyPath)
	if err != nil {
		return nil, &ConfigError{Option: "cert", Reason: err.Error()}
	}
	return cert, nil
}
