package agent

// Config drives an Agent, loaded from the environment via
// caarlos0/env/v6, the same library and field-comment convention as
// netobserv's pkg/agent.Config, and optionally overlaid from a YAML
// file for batch/offline runs launched without a full environment
// (§6). The yaml tags mirror the env tags lowercased, so an overlay
// file's keys read the same as the environment variables they
// override (e.g. `results_dir:` for RESULTS_DIR).
type Config struct {
	// ResultsDir is the directory the trace file and race report are
	// written to. Required.
	ResultsDir string `env:"RESULTS_DIR" yaml:"results_dir"`
	// OutputFilename is the trace file's name within ResultsDir.
	OutputFilename string `env:"OUTPUT_FILENAME" envDefault:"hb.json" yaml:"output_filename"`
	// FilterRW gates the Race Detector's optional common-ancestor
	// filter on r/w candidate pairs (§4.5 predicate 5).
	FilterRW bool `env:"FILTER_RW" envDefault:"false" yaml:"filter_rw"`
	// Verbose raises the logger to debug level regardless of LogLevel.
	Verbose bool `env:"VERBOSE" envDefault:"false" yaml:"verbose"`
	// BuffersLength establishes the length of the SimEvent channel
	// between the simulator event source and the Logger, and of the
	// replay tailer's event channel.
	BuffersLength int `env:"BUFFERS_LENGTH" envDefault:"256" yaml:"buffers_length"`
	// ControllerHBMsgInToken is the instrumentation marker the
	// controller prints for every OpenFlow message it receives.
	ControllerHBMsgInToken string `env:"CONTROLLER_HB_MSGIN_TOKEN" envDefault:"HappensBefore-MessageIn" yaml:"controller_hb_msgin_token"`
	// ControllerHBMsgOutToken is the instrumentation marker the
	// controller prints for every OpenFlow message it sends.
	ControllerHBMsgOutToken string `env:"CONTROLLER_HB_MSGOUT_TOKEN" envDefault:"HappensBefore-MessageOut" yaml:"controller_hb_msgout_token"`
	// MetricsEnable starts the Prometheus metrics HTTP server.
	MetricsEnable bool `env:"METRICS_ENABLE" envDefault:"false" yaml:"metrics_enable"`
	// MetricsPort is the port the metrics server listens on.
	MetricsPort int `env:"METRICS_SERVER_PORT" envDefault:"9090" yaml:"metrics_server_port"`
	// ReportKafkaBrokers is a comma-separated list of Kafka broker
	// addresses the race report is published to. If empty, the report
	// is only logged (§6).
	ReportKafkaBrokers []string `env:"REPORT_KAFKA_BROKERS" envSeparator:"," yaml:"report_kafka_brokers"`
	// ReportKafkaTopic is the topic race reports are published to.
	ReportKafkaTopic string `env:"REPORT_KAFKA_TOPIC" envDefault:"hb-races" yaml:"report_kafka_topic"`
	// LogLevel is the logrus level name: trace, debug, info, warn,
	// error, fatal, panic.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	// ReplayTrace, if set, runs in offline replay mode: an existing
	// trace file at this path is tailed (§2 C8) instead of waiting for
	// live SimEvents on Events().
	ReplayTrace string `env:"REPLAY_TRACE" yaml:"replay_trace"`
}

func (c *Config) validate() error {
	if c.ResultsDir == "" {
		return errRequired("RESULTS_DIR")
	}
	return nil
}

type errRequired string

func (e errRequired) Error() string {
	return "agent: missing required config: " + string(e)
}
