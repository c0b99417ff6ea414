// Copyright 2024 The schedsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// RelayConfig defines parameters for relaying schedule patches between service
// instances through a NATS server
type RelayConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// Subject is the NATS subject the patches are exchanged on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// InboundQueueLen is the number of relayed patches which can be waiting to be applied
	InboundQueueLen int `mapstructure:"inbound_queue_len" json:"inbound_queue_len" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Event streams clear this deadline.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPCORSConfig defines the cross origin request parameters
type HTTPCORSConfig struct {
	// AllowedOrigins is the list of origins allowed to call the APIs. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" validate:"required,min=1"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// CORS defines cross origin request parameters
	CORS HTTPCORSConfig `mapstructure:"cors" json:"cors" validate:"required"`
}

// ===============================================================================
// Event Stream Related Config

// StreamConfig defines the schedule event stream parameters
type StreamConfig struct {
	// SubscriberQueueLen is the number of undelivered updates a stream session may
	// hold before it is considered lagging
	SubscriberQueueLen int `mapstructure:"subscriber_queue_len" json:"subscriber_queue_len" validate:"gte=1"`
	// KeepAliveInterval is the interval between keep-alive frames in seconds
	KeepAliveInterval int `mapstructure:"keep_alive_interval_sec" json:"keep_alive_interval_sec" validate:"gte=1"`
	// KeepAliveText is the text carried by the keep-alive frames
	KeepAliveText string `mapstructure:"keep_alive_text" json:"keep_alive_text"`
}

// KeepAliveDuration the keep-alive interval as a time.Duration
func (c StreamConfig) KeepAliveDuration() time.Duration {
	return time.Second * time.Duration(c.KeepAliveInterval)
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// LogLevel overrides the CMD log level. Re-applied when the config file changes.
	LogLevel string `mapstructure:"log_level,omitempty" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	// HTTP are the HTTP API server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required"`
	// Stream are the event stream configs
	Stream StreamConfig `mapstructure:"stream" json:"stream" validate:"required"`
	// Relay are the peer relay configs. The relay is disabled when not set.
	Relay *RelayConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 7777)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Schedsync-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("http.cors.allowed_origins", []string{"*"})

	// Default stream settings
	viper.SetDefault("stream.subscriber_queue_len", 256)
	viper.SetDefault("stream.keep_alive_interval_sec", 1)
	viper.SetDefault("stream.keep_alive_text", "keep-alive-text")
}

// InstallDefaultRelayConfigValues installs default relay parameters in viper.
//
// Only called when the config file enables the relay, otherwise the defaults would
// switch it on.
func InstallDefaultRelayConfigValues() {
	viper.SetDefault("relay.subject", "schedsync.patch")
	viper.SetDefault("relay.connect_timeout_sec", 30)
	viper.SetDefault("relay.reconnect.max_attempts", -1)
	viper.SetDefault("relay.reconnect.wait_interval_sec", 15)
	viper.SetDefault("relay.inbound_queue_len", 256)
}
