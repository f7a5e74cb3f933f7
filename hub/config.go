package hub

import "time"

// ServerInfo describes one listening socket the hub accepts connections
// on. A hub may bind several (plain and TLS, v4 and v6).
type ServerInfo struct {
	Port         int    `yaml:"port" mapstructure:"port"`
	BindAddress4 string `yaml:"bind_address4" mapstructure:"bind_address4"`
	BindAddress6 string `yaml:"bind_address6" mapstructure:"bind_address6"`
	HubAddress4  string `yaml:"hub_address4" mapstructure:"hub_address4"`
	HubAddress6  string `yaml:"hub_address6" mapstructure:"hub_address6"`
	TLS          bool   `yaml:"tls" mapstructure:"tls"`
}

// Config holds the hub's runtime configuration, bound from flags and a
// YAML file via viper the way cmd/adchubd wires it up.
type Config struct {
	HubName string `yaml:"name" mapstructure:"name"`
	Desc    string `yaml:"desc" mapstructure:"desc"`

	Log     bool   `yaml:"log" mapstructure:"log"`
	LogFile string `yaml:"log_file" mapstructure:"log_file"`

	MaxCommandSize int `yaml:"max_command_size" mapstructure:"max_command_size"`

	BufferSize    int `yaml:"buffer_size" mapstructure:"buffer_size"`
	MaxBufferSize int `yaml:"max_buffer_size" mapstructure:"max_buffer_size"`

	OverflowTimeout   time.Duration `yaml:"overflow_timeout" mapstructure:"overflow_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" mapstructure:"disconnect_timeout"`
	LogTimeout        time.Duration `yaml:"log_timeout" mapstructure:"log_timeout"`
	HbriTimeout       time.Duration `yaml:"hbri_timeout" mapstructure:"hbri_timeout"`

	Servers []ServerInfo `yaml:"servers" mapstructure:"servers"`
}

// DefaultConfig mirrors ADCH++'s stock defaults: a 1MiB out-queue cap per
// connection, which a connection may stay above for up to 60s before it
// is disconnected for overflow, a 30s grace period to reach NORMAL, and a
// 5s grace period for HBRI validation.
func DefaultConfig() Config {
	return Config{
		HubName:           "adchub",
		Desc:              "a Go ADC hub",
		Log:               true,
		MaxCommandSize:    64 * 1024,
		BufferSize:        64 * 1024,
		MaxBufferSize:     1024 * 1024,
		OverflowTimeout:   60 * time.Second,
		DisconnectTimeout: 10 * time.Second,
		LogTimeout:        30 * time.Second,
		HbriTimeout:       5 * time.Second,
		Servers: []ServerInfo{
			{Port: 2780, BindAddress4: "0.0.0.0"},
		},
	}
}
