package worker

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// SystemConfig 系统配置
type SystemConfig struct {
	// Name 系统名称，NewSystem 的参数为空时使用
	Name string `koanf:"name"`
	// LogLevel 日志级别：debug / info / warn / error
	LogLevel string `koanf:"log_level"`
	// LogFormat 日志格式：text / json
	LogFormat string `koanf:"log_format"`
	// Traceback Worker 崩溃时是否记录错误及调用栈（可被 WithTraceback 覆盖）
	Traceback bool `koanf:"traceback"`
	// ShutdownTimeout Shutdown 等待非 daemon 子 Worker 的最长时间
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// Logger 自定义日志器，设置后忽略 LogLevel / LogFormat
	Logger *slog.Logger `koanf:"-"`
}

// DefaultSystemConfig 默认系统配置
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		Name:            "worker",
		LogLevel:        "info",
		LogFormat:       "text",
		Traceback:       true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadConfig 从 YAML 或 JSON 文件加载配置，未出现的字段取默认值
func LoadConfig(path string) (*SystemConfig, error) {
	parser, err := parserFor(filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	k, err := defaultKoanf()
	if err != nil {
		return nil, err
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return unmarshalConfig(k)
}

// LoadConfigBytes 从内存数据加载配置，format 为 yaml 或 json
func LoadConfigBytes(b []byte, format string) (*SystemConfig, error) {
	parser, err := parserFor(format)
	if err != nil {
		return nil, err
	}

	k, err := defaultKoanf()
	if err != nil {
		return nil, err
	}
	if err := k.Load(rawbytes.Provider(b), parser); err != nil {
		return nil, errors.Wrap(err, "load config bytes")
	}
	return unmarshalConfig(k)
}

func defaultKoanf() (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultSystemConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "load default config")
	}
	return k, nil
}

func unmarshalConfig(k *koanf.Koanf) (*SystemConfig, error) {
	cfg := DefaultSystemConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

func parserFor(format string) (koanf.Parser, error) {
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "yaml", "yml":
		return yaml.Parser(), nil
	case "json":
		return json.Parser(), nil
	default:
		return nil, errors.Errorf("unsupported config format %q", format)
	}
}

// NewLogger 按配置构建日志器，输出到 w（nil 表示 stderr）
func (c *SystemConfig) NewLogger(w io.Writer) *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
