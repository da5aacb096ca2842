package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	_ "embed"
)

const (
	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	LogFormatJSON = "json"
	LogFormatText = "text"

	EnvPrefix = "ORCHESTRA"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if err := compiled.Err(); err != nil {
		panic(err)
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `mapstructure:"version" yaml:"version"` // fixed 0 for now
	Remote  Remote  `mapstructure:"remote" yaml:"remote"`
	Poller  Poller  `mapstructure:"poller" yaml:"poller"`
	API     API     `mapstructure:"api" yaml:"api"`
	Service Service `mapstructure:"service" yaml:"service"`
}

// Remote describes the connection to the remote job service.
type Remote struct {
	URL     string   `mapstructure:"url" yaml:"url"`
	Owner   string   `mapstructure:"owner" yaml:"owner"` // identity used for job discovery
	Auth    Auth     `mapstructure:"auth" yaml:"auth"`
	Timeout Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxParallelism is forwarded to evaluation calls which accept it.
	MaxParallelism int `mapstructure:"max_parallelism" yaml:"max_parallelism"`
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `mapstructure:"type" yaml:"type"`
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

type Poller struct {
	Interval     Duration `mapstructure:"interval" yaml:"interval"`
	Grace        Duration `mapstructure:"grace" yaml:"grace"`
	FetchTimeout Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	Parallelism  int      `mapstructure:"parallelism" yaml:"parallelism"`
}

type API struct {
	Addr         string   `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type Service struct {
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// Duration is a time.Duration written as "1s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	x, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(x)
	return nil
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Remote: Remote{
			URL:            "http://localhost:4943",
			Auth:           Auth{Type: AuthTypeNone},
			Timeout:        Duration(30 * time.Second),
			MaxParallelism: 100,
		},
		Poller: Poller{
			Interval:     Duration(time.Second),
			Grace:        Duration(3 * time.Second),
			FetchTimeout: Duration(10 * time.Second),
			Parallelism:  8,
		},
		API: API{
			Addr:         ":8080",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
		},
		Service: Service{
			LogFormat: LogFormatJSON,
		},
	}
}

// LoadConfig reads the configuration from path. If path is empty, only the
// defaults and environment are used. Environment variables with ORCHESTRA_
// prefix override config file values, e.g. ORCHESTRA_REMOTE_AUTH_TOKEN.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.owner", d.Remote.Owner)
	v.SetDefault("remote.auth.type", d.Remote.Auth.Type)
	v.SetDefault("remote.auth.token", d.Remote.Auth.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout.Std().String())
	v.SetDefault("remote.max_parallelism", d.Remote.MaxParallelism)
	v.SetDefault("poller.interval", d.Poller.Interval.Std().String())
	v.SetDefault("poller.grace", d.Poller.Grace.Std().String())
	v.SetDefault("poller.fetch_timeout", d.Poller.FetchTimeout.Std().String())
	v.SetDefault("poller.parallelism", d.Poller.Parallelism)
	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout.Std().String())
	v.SetDefault("api.write_timeout", d.API.WriteTimeout.Std().String())
	v.SetDefault("service.verbose", d.Service.Verbose)
	v.SetDefault("service.log_format", d.Service.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against the cue schema and reports
// all problems at once.
func (c Config) Validate() error {
	errs := c.validateSchema()
	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("poller.interval: must be positive"))
	}
	if c.Poller.Grace < 0 {
		errs = append(errs, errors.New("poller.grace: must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) validateSchema() []error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return []error{fmt.Errorf("encoding config: %w", err)}
	}
	file, err := cueyaml.Extract("config.yaml", b)
	if err != nil {
		return []error{fmt.Errorf("encoding config: %w", err)}
	}

	unified := schema.Unify(cueCtx.BuildFile(file))
	err = unified.Validate(cue.All(), cue.Concrete(true))
	if err == nil {
		return nil
	}

	var errs []error
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf("%s: %s", schemaPath(e.Path()), fmt.Sprintf(format, args...))
		if _, ok := seen[msg]; ok {
			continue
		}
		seen[msg] = struct{}{}
		errs = append(errs, errors.New(msg))
	}
	return errs
}

// schemaPath returns the config key of a cue error path, e.g.
// remote.auth.token for #Config.remote.auth.token.
func schemaPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
