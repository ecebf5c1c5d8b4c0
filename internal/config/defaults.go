package config

const (
	defaultSocketRoot         = "/tmp"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultReadTimeoutMillis  = 30000
	defaultMaxTransforms      = 4
	defaultFraming            = FramingHalfClose
	defaultBackoffBaseMillis  = 40
	defaultBackoffCapMillis   = 6000
	defaultRetries            = 5
	defaultOnExhausted        = ExhaustSilent
	defaultJournalEnabled     = true
	defaultMetricsIntervalMil = 0
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			SocketRoot: defaultSocketRoot,
		},
		Daemon: Daemon{
			ReadTimeoutMillis: defaultReadTimeoutMillis,
			MaxTransforms:     defaultMaxTransforms,
		},
		Client: Client{
			Framing:           defaultFraming,
			BackoffBaseMillis: defaultBackoffBaseMillis,
			BackoffCapMillis:  defaultBackoffCapMillis,
			Retries:           defaultRetries,
			OnExhausted:       defaultOnExhausted,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Journal: Journal{
			Enabled: defaultJournalEnabled,
		},
		Metrics: Metrics{
			ReportIntervalMillis: defaultMetricsIntervalMil,
		},
	}
}
