package config

const (
	DefaultSocketDir    = "~/.clop/run"
	DefaultProgressDir  = "~/.clop/progress"
	DefaultSettleDelay  = "1s"
	DefaultReplyTimeout = "10s"
	DefaultPollInterval = "100ms"
	DefaultLogLevel     = "info"
)

// DefaultAppCommand launches the background app hidden.
var DefaultAppCommand = []string{"open", "-g", "-a", "Clop"}

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		SocketDir:   DefaultSocketDir,
		ProgressDir: DefaultProgressDir,
		App: AppConfig{
			Command:     append([]string(nil), DefaultAppCommand...),
			SettleDelay: DefaultSettleDelay,
		},
		Timeouts: TimeoutsConfig{
			Reply: DefaultReplyTimeout,
		},
		PollInterval: DefaultPollInterval,
		LogLevel:     DefaultLogLevel,
	}
}
