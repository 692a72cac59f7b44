package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Channel     ChannelConfig   `yaml:"channel"`
	Voices      VoicesConfig    `yaml:"voices"`
	Inference   InferenceConfig `yaml:"inference"`
	Speech      SpeechConfig    `yaml:"speech"`
	Models      ModelsConfig    `yaml:"models"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"` // engine, speech, all
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type ChannelConfig struct {
	CallTimeout int `yaml:"call_timeout_ms"`
}

type VoicesConfig struct {
	Directory string `yaml:"directory"`
}

type InferenceConfig struct {
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
	Device  string `yaml:"device"`
	Threads int    `yaml:"threads"`
}

type SpeechConfig struct {
	Mode   string `yaml:"mode"` // mock, wasm
	Module string `yaml:"module"`
}

type ModelsConfig struct {
	MaxSessions     int   `yaml:"max_sessions"`
	PrewarmSpeakers []int `yaml:"prewarm_speakers"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicevox-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 50021,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voicevox-node-1",
			Role:              "all",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Channel: ChannelConfig{
			CallTimeout: 60000,
		},
		Voices: VoicesConfig{
			Directory: "./voices",
		},
		Inference: InferenceConfig{
			Mode:    "mock",
			Device:  "cpu",
			Threads: 0,
		},
		Speech: SpeechConfig{
			Mode: "mock",
		},
		Models: ModelsConfig{
			MaxSessions: 0,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEVOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEVOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEVOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEVOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEVOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEVOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEVOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEVOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICEVOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEVOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEVOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEVOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEVOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEVOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEVOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEVOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICEVOX_NODE_ID")
	overrideString(&cfg.Node.Role, "VOICEVOX_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICEVOX_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICEVOX_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Channel.CallTimeout, "VOICEVOX_CHANNEL_CALL_TIMEOUT_MS")
	overrideString(&cfg.Voices.Directory, "VOICEVOX_VOICES_DIRECTORY")
	overrideString(&cfg.Inference.Mode, "VOICEVOX_INFERENCE_MODE")
	overrideString(&cfg.Inference.Command, "VOICEVOX_INFERENCE_COMMAND")
	overrideString(&cfg.Inference.Device, "VOICEVOX_INFERENCE_DEVICE")
	overrideInt(&cfg.Inference.Threads, "VOICEVOX_INFERENCE_THREADS")
	overrideString(&cfg.Speech.Mode, "VOICEVOX_SPEECH_MODE")
	overrideString(&cfg.Speech.Module, "VOICEVOX_SPEECH_MODULE")
	overrideInt(&cfg.Models.MaxSessions, "VOICEVOX_MODELS_MAX_SESSIONS")
	overrideIntSlice(&cfg.Models.PrewarmSpeakers, "VOICEVOX_MODELS_PREWARM_SPEAKERS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideIntSlice(target *[]int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var parsed []int
		for _, p := range parts {
			s := strings.TrimSpace(p)
			if s == "" {
				continue
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return
			}
			parsed = append(parsed, n)
		}
		if len(parsed) > 0 {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	switch cfg.Node.Role {
	case "engine", "speech", "all":
	default:
		return errors.New("node.role must be one of engine|speech|all")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Channel.CallTimeout <= 0 {
		return errors.New("channel.call_timeout_ms must be positive")
	}
	if cfg.Node.Role != "speech" {
		if cfg.Voices.Directory == "" {
			return errors.New("voices.directory must not be empty on engine nodes")
		}
	}
	switch cfg.Inference.Mode {
	case "mock", "exec":
	default:
		return errors.New("inference.mode must be one of mock|exec")
	}
	if cfg.Inference.Mode == "exec" && cfg.Inference.Command == "" {
		return errors.New("inference.command must be set when mode=exec")
	}
	switch cfg.Inference.Device {
	case "", "cpu", "cuda":
	default:
		return errors.New("inference.device must be one of cpu|cuda")
	}
	if cfg.Inference.Threads < 0 {
		return errors.New("inference.threads must be >= 0")
	}
	switch cfg.Speech.Mode {
	case "mock", "wasm":
	default:
		return errors.New("speech.mode must be one of mock|wasm")
	}
	if cfg.Speech.Mode == "wasm" && cfg.Speech.Module == "" {
		return errors.New("speech.module must be set when mode=wasm")
	}
	if cfg.Models.MaxSessions < 0 {
		return errors.New("models.max_sessions must be >= 0")
	}
	for _, id := range cfg.Models.PrewarmSpeakers {
		if id < 0 {
			return errors.New("models.prewarm_speakers must not contain negative ids")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
