// Copyright 2022 The infotainer Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// NATSBridgeConfig defines the NATS session bridge
type NATSBridgeConfig struct {
	// Enabled whether to start the NATS bridge
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Connection is the NATS connection parameters
	Connection NATSConfig `mapstructure:"connection" json:"connection" validate:"required"`
	// SubjectPrefix is the prefix of all bridge subjects
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// SessionTimeout is the idle duration in seconds after which a bridged session is
	// unregistered
	SessionTimeout int `mapstructure:"session_timeout_sec" json:"session_timeout_sec" validate:"gte=1"`
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
	// means there will be no timeout.
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
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Management Server Related Config

// ManagementEndpointConfig defines management API endpoint config
type ManagementEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the management APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ManagementServerConfig defines configuration for the management API server
type ManagementServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the management API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the management API server
	Endpoints ManagementEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Dataplane Server Related Config

// DataplaneEndpointConfig defines dataplane API endpoint config
type DataplaneEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the dataplane APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// WebSocketSessionConfig defines websocket session parameters
type WebSocketSessionConfig struct {
	// HeartbeatInterval is the time between pings to the client in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// ClientTimeout is how long a client may stay silent, in seconds, before its session
	// is closed
	ClientTimeout int `mapstructure:"client_timeout_sec" json:"client_timeout_sec" validate:"gtefield=HeartbeatInterval"`
	// OutboundQueueDepth is the number of responses which can be queued for a session
	OutboundQueueDepth int `mapstructure:"outbound_queue_depth" json:"outbound_queue_depth" validate:"gte=1"`
	// MaxMessageBytes is the largest inbound frame accepted
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" json:"max_message_bytes" validate:"gte=1024"`
	// WriteTimeout is the deadline for writing one frame in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// DataplaneServerConfig defines configuration for the dataplane API server
type DataplaneServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the dataplane API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the dataplane API server
	Endpoints DataplaneEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// Session is the websocket session parameters
	Session WebSocketSessionConfig `mapstructure:"session" json:"session" validate:"required"`
}

// ===============================================================================
// Core Related Config

// DataLogConfig defines the data log storage parameters
type DataLogConfig struct {
	// DataDir is the directory holding the data log store
	DataDir string `mapstructure:"data_dir" json:"data_dir" validate:"required"`
	// FsyncMode is the durability mode: "always", "interval", or "never"
	FsyncMode string `mapstructure:"fsync_mode" json:"fsync_mode" validate:"required,oneof=always interval never"`
	// FsyncInterval is the WAL sync interval in milliseconds for "interval" mode
	FsyncInterval int `mapstructure:"fsync_interval_ms" json:"fsync_interval_ms" validate:"gte=1"`
	// Workers is the number of data log writers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueDepth is the request queue length of each writer
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
}

// CoreConfig defines the broker core parameters
type CoreConfig struct {
	// RouterWorkers is the number of publication router workers
	RouterWorkers int `mapstructure:"router_workers" json:"router_workers" validate:"gte=1"`
	// QueueDepth is the request queue length of each core component
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
	// RequestTimeout is the max duration in seconds to process one client command
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// FanOutParallelism is the max number of concurrent deliveries per publication
	FanOutParallelism int `mapstructure:"fan_out_parallelism" json:"fan_out_parallelism" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// DataLog are the data log storage parameters
	DataLog DataLogConfig `mapstructure:"data_log" json:"data_log" validate:"required"`
	// Core are the broker core parameters
	Core CoreConfig `mapstructure:"core" json:"core" validate:"required"`
	// Management are the management API server configs
	Management ManagementServerConfig `mapstructure:"management" json:"management" validate:"required"`
	// Dataplane are the dataplane API server configs
	Dataplane DataplaneServerConfig `mapstructure:"dataplane" json:"dataplane" validate:"required"`
	// NATS is the optional NATS session bridge
	NATS NATSBridgeConfig `mapstructure:"nats" json:"nats"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default data log settings
	viper.SetDefault("data_log.data_dir", "/tmp/infotainer")
	viper.SetDefault("data_log.fsync_mode", "interval")
	viper.SetDefault("data_log.fsync_interval_ms", 100)
	viper.SetDefault("data_log.workers", 4)
	viper.SetDefault("data_log.queue_depth", 64)

	// Default core settings
	viper.SetDefault("core.router_workers", 4)
	viper.SetDefault("core.queue_depth", 64)
	viper.SetDefault("core.request_timeout_sec", 10)
	viper.SetDefault("core.fan_out_parallelism", 32)

	// Default NATS bridge settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.connection.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connection.connect_timeout_sec", 30)
	viper.SetDefault("nats.connection.reconnect.max_attempts", -1)
	viper.SetDefault("nats.connection.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "infotainer")
	viper.SetDefault("nats.session_timeout_sec", 60)

	// Default Management server settings
	viper.SetDefault("management.endpoint_config.path_prefix", "/")
	viper.SetDefault("management.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("management.api_server.server_config.listen_port", 3000)
	viper.SetDefault("management.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"management.api_server.logging_config.request_id_header", "Infotainer-Request-ID",
	)
	viper.SetDefault(
		"management.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default Dataplane server settings
	viper.SetDefault("dataplane.endpoint_config.path_prefix", "/")
	viper.SetDefault("dataplane.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("dataplane.api_server.server_config.listen_port", 3001)
	viper.SetDefault("dataplane.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("dataplane.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("dataplane.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"dataplane.api_server.logging_config.request_id_header", "Infotainer-Request-ID",
	)
	viper.SetDefault(
		"dataplane.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("dataplane.session.heartbeat_interval_sec", 5)
	viper.SetDefault("dataplane.session.client_timeout_sec", 10)
	viper.SetDefault("dataplane.session.outbound_queue_depth", 64)
	viper.SetDefault("dataplane.session.max_message_bytes", 1048576)
	viper.SetDefault("dataplane.session.write_timeout_sec", 5)
}
