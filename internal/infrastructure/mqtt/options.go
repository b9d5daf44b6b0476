package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2
)

// Settings carries the connection parameters for one broker link.
//
// The same client serves both the local broker and the upstream cloud
// endpoint; the differences (TLS, rotating credentials, status topic)
// are all expressed here.
type Settings struct {
	Host     string
	Port     int
	ClientID string

	// Username/Password are static credentials for the local broker.
	Username string
	Password string

	// Credentials, when set, is consulted on every connect attempt and
	// takes precedence over Username/Password. The upstream link uses
	// this to mint a fresh JWT for each connection.
	Credentials func() (username, password string)

	// TLS enables an encrypted connection when non-nil.
	TLS *tls.Config

	// QoS is the default QoS for retained status publishes.
	QoS byte

	// InitialDelay and MaxDelay bound the reconnect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// StatusTopic, when non-empty, receives retained online/offline
	// payloads and is used as the LWT topic.
	StatusTopic string
}

// LocalSettings builds Settings for the local broker from configuration.
func LocalSettings(cfg config.BrokerConfig) Settings {
	s := Settings{
		Host:         cfg.Host,
		Port:         cfg.Port,
		ClientID:     cfg.ClientID,
		Username:     cfg.Auth.Username,
		Password:     cfg.Auth.Password,
		QoS:          byte(cfg.QoS),
		InitialDelay: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
	}
	if cfg.TLS {
		s.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return s
}

// buildClientOptions creates paho MQTT options from Settings.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (static or per-connect provider)
//   - Auto-reconnect with exponential backoff
//   - Clean session mode
func buildClientOptions(s Settings) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if s.TLS != nil {
		scheme = "ssl"
		opts.SetTLSConfig(s.TLS)
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port))

	opts.SetClientID(s.ClientID)

	switch {
	case s.Credentials != nil:
		opts.SetCredentialsProvider(pahomqtt.CredentialsProvider(s.Credentials))
	case s.Username != "":
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}

	// Clean session - the subscription set is replayed by the owner on
	// reconnect, so no persistent broker-side session is wanted.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(s.InitialDelay)
	opts.SetMaxReconnectInterval(s.MaxDelay)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the client disconnects
// unexpectedly (crash, network failure, etc.). This lets the cloud side
// and local consumers detect when the agent goes offline.
func configureLWT(opts *pahomqtt.ClientOptions, statusTopic, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)

	opts.SetWill(statusTopic, willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
