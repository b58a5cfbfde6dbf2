package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for a taskmesh process.
type Config struct {
	Debug     bool            `yaml:"debug" env:"TM_DEBUG"`
	Master    MasterConfig    `yaml:"master"`
	Slave     SlaveConfig     `yaml:"slave"`
	API       APIConfig       `yaml:"api"`
	Directory DirectoryConfig `yaml:"directory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MasterConfig holds master node configuration.
type MasterConfig struct {
	InitializePort      int           `yaml:"initialize_port" env:"TM_MASTER_INITIALIZE_PORT"`
	MaxDisconnectErrors int           `yaml:"max_disconnect_errors" env:"TM_MASTER_MAX_DISCONNECT_ERRORS"`
	MaxConnections      int           `yaml:"max_connections" env:"TM_MASTER_MAX_CONNECTIONS"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" env:"TM_MASTER_HEARTBEAT_INTERVAL"`
	LoopInterval        time.Duration `yaml:"loop_interval" env:"TM_MASTER_LOOP_INTERVAL"`
	PollInterval        time.Duration `yaml:"poll_interval" env:"TM_MASTER_POLL_INTERVAL"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" env:"TM_MASTER_CONNECT_TIMEOUT"`
	IOTimeout           time.Duration `yaml:"io_timeout" env:"TM_MASTER_IO_TIMEOUT"`
	AcceptTimeout       time.Duration `yaml:"accept_timeout" env:"TM_MASTER_ACCEPT_TIMEOUT"`
	TaskQueueSize       int           `yaml:"task_queue_size" env:"TM_MASTER_TASK_QUEUE_SIZE"`
	AdvertiseAddress    string        `yaml:"advertise_address" env:"TM_MASTER_ADVERTISE_ADDRESS"`
}

// SlaveConfig holds slave node configuration.
type SlaveConfig struct {
	MasterAddress  string        `yaml:"master_address" env:"TM_SLAVE_MASTER_ADDRESS"`
	InitializePort int           `yaml:"initialize_port" env:"TM_SLAVE_INITIALIZE_PORT"`
	MaxDisconnects int           `yaml:"max_disconnects" env:"TM_SLAVE_MAX_DISCONNECTS"`
	AcceptTimeout  time.Duration `yaml:"accept_timeout" env:"TM_SLAVE_ACCEPT_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"TM_SLAVE_CONNECT_TIMEOUT"`
	IOTimeout      time.Duration `yaml:"io_timeout" env:"TM_SLAVE_IO_TIMEOUT"`
	RetryInterval  time.Duration `yaml:"retry_interval" env:"TM_SLAVE_RETRY_INTERVAL"`
	ScanSubnet     bool          `yaml:"scan_subnet" env:"TM_SLAVE_SCAN_SUBNET"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" env:"TM_SLAVE_SCAN_TIMEOUT"`
	ScanWorkers    int           `yaml:"scan_workers" env:"TM_SLAVE_SCAN_WORKERS"`
	CPUCount       int           `yaml:"cpu_count" env:"TM_SLAVE_CPU_COUNT"`
}

// APIConfig holds the master HTTP API configuration. An empty address disables it.
type APIConfig struct {
	Address      string        `yaml:"address" env:"TM_API_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"TM_API_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"TM_API_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"TM_API_ENABLE_CORS"`
}

// DirectoryConfig holds the optional Redis directory configuration.
type DirectoryConfig struct {
	Enabled  bool          `yaml:"enabled" env:"TM_DIRECTORY_ENABLED"`
	Address  string        `yaml:"address" env:"TM_DIRECTORY_ADDRESS"`
	Password string        `yaml:"password" env:"TM_DIRECTORY_PASSWORD"`
	DB       int           `yaml:"db" env:"TM_DIRECTORY_DB"`
	Prefix   string        `yaml:"prefix" env:"TM_DIRECTORY_PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TM_DIRECTORY_TTL"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"TM_LOG_LEVEL"`
	Format     string `yaml:"format" env:"TM_LOG_FORMAT"`
	Output     string `yaml:"output" env:"TM_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"TM_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"TM_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"TM_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"TM_LOG_MAX_AGE"`
}

// EffectiveLevel returns "debug" when the debug flag is set, else the configured level.
func (c *Config) EffectiveLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Logging.Level
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Master: MasterConfig{
			InitializePort:      12222,
			MaxDisconnectErrors: 3,
			MaxConnections:      20,
			HeartbeatInterval:   2 * time.Second,
			LoopInterval:        50 * time.Millisecond,
			PollInterval:        100 * time.Millisecond,
			ConnectTimeout:      2 * time.Second,
			IOTimeout:           5 * time.Second,
			AcceptTimeout:       time.Second,
			TaskQueueSize:       1000,
		},
		Slave: SlaveConfig{
			InitializePort: 12222,
			MaxDisconnects: 3,
			AcceptTimeout:  10 * time.Second,
			ConnectTimeout: 2 * time.Second,
			IOTimeout:      5 * time.Second,
			RetryInterval:  2 * time.Second,
			ScanSubnet:     true,
			ScanTimeout:    300 * time.Millisecond,
			ScanWorkers:    64,
		},
		API: APIConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Directory: DirectoryConfig{
			Address: "localhost:6379",
			Prefix:  "taskmesh",
			TTL:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "TM_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the TM_ prefix of every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets dotted-path overrides, e.g. "master.initialize_port".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := loadFile(l.configPath, cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

func (l *Loader) envName(tag string) string {
	if l.envPrefix == "TM_" {
		return tag
	}
	return l.envPrefix + strings.TrimPrefix(tag, "TM_")
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		name := l.envName(envTag)
		envValue := os.Getenv(name)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", name, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by its dotted yaml path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, strings.ReplaceAll(name, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
