package callinterceptor

import (
	"fmt"
	"time"
	"unicode"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type timeDuration time.Duration

func (t *timeDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	if !unicode.IsLetter(rune(s[len(s)-1])) {
		return fmt.Errorf("duration string must end with a time unit (ns, us, ms, s, m, h)")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*t = timeDuration(d)
	return nil
}

// UnmarshalText lets creasty/defaults fill durations from struct tags.
func (t *timeDuration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*t = timeDuration(d)
	return nil
}

func (t *timeDuration) ToDuration() time.Duration {
	return time.Duration(*t)
}

func (t timeDuration) MarshalYAML() (interface{}, error) {
	return time.Duration(t).String(), nil
}

type Config struct {
	LogLevel         int              `json:"log_level" yaml:"log_level" default:"4" validate:"gte=0,lte=6"`
	LocalAddr        string           `json:"local_addr" yaml:"local_addr" default:"0.0.0.0:0"`
	CountryCode      string           `json:"country_code" yaml:"country_code" default:"44" validate:"numeric"`
	NormalizeNumbers bool             `json:"normalize_numbers" yaml:"normalize_numbers"`
	SIP              ConfigSip        `json:"sip" yaml:"sip"`
	AuditFiles       ConfigAuditFiles `json:"audit_files" yaml:"audit_files"`
	BlockList        ConfigBlockList  `json:"block_list" yaml:"block_list"`
	Terminate        ConfigTerminate  `json:"terminate" yaml:"terminate"`
	Oracle           ConfigOracle     `json:"oracle" yaml:"oracle"`
	Admin            ConfigAdmin      `json:"admin" yaml:"admin"`
}

type ConfigSip struct {
	User      string       `json:"user" yaml:"user" validate:"required"`
	Password  password     `json:"password" yaml:"password"`
	Host      string       `json:"host" yaml:"host" validate:"required"`
	Port      int          `json:"port" yaml:"port" default:"5060" validate:"gte=1,lte=65535"`
	Expiry    timeDuration `json:"expiry" yaml:"expiry" default:"500s"`
	UserAgent string       `json:"user_agent" yaml:"user_agent" default:"sip-call-interceptor"`
}

type ConfigAuditFiles struct {
	BlockedNumbers string `json:"blocked_numbers" yaml:"blocked_numbers"`
	AllowedNumbers string `json:"allowed_numbers" yaml:"allowed_numbers"`
}

type ConfigBlockList struct {
	StorePath   string   `json:"store_path" yaml:"store_path" default:"blocklist.db" validate:"required"`
	ImportPaths []string `json:"import_paths" yaml:"import_paths"`
	AllowPaths  []string `json:"allow_paths" yaml:"allow_paths"`
}

const (
	TerminateAnswer = "answer"
	TerminateReject = "reject"
)

type ConfigTerminate struct {
	Mode             string       `json:"mode" yaml:"mode" default:"answer" validate:"oneof=answer reject"`
	TryToAnswerDelay timeDuration `json:"try_to_answer_delay" yaml:"try_to_answer_delay" default:"100ms"`
	AnswerDelay      timeDuration `json:"answer_delay" yaml:"answer_delay" default:"100ms"`
	HangupDelay      timeDuration `json:"hangup_delay" yaml:"hangup_delay" default:"1s"`
}

type ConfigOracle struct {
	Registry ConfigOracleRegistry `json:"registry" yaml:"registry"`
	Scylla   ConfigOracleScylla   `json:"scylla" yaml:"scylla"`
	Cache    ConfigOracleCache    `json:"cache" yaml:"cache"`
}

type ConfigOracleRegistry struct {
	URL          string       `json:"url" yaml:"url" validate:"omitempty,url"`
	APIKey       password     `json:"api_key" yaml:"api_key"`
	MinRiskLevel string       `json:"min_risk_level" yaml:"min_risk_level" default:"CRITICAL" validate:"oneof=WARNING CRITICAL"`
	Timeout      timeDuration `json:"timeout" yaml:"timeout" default:"5s"`
}

type ConfigOracleScylla struct {
	Hosts        []string     `json:"hosts" yaml:"hosts"`
	Keyspace     string       `json:"keyspace" yaml:"keyspace" default:"spam_registry"`
	MinRiskLevel string       `json:"min_risk_level" yaml:"min_risk_level" default:"CRITICAL" validate:"oneof=WARNING CRITICAL"`
	Timeout      timeDuration `json:"timeout" yaml:"timeout" default:"5s"`
}

type ConfigOracleCache struct {
	Size int          `json:"size" yaml:"size" default:"1024" validate:"gte=0"`
	TTL  timeDuration `json:"ttl" yaml:"ttl" default:"10m"`
}

type ConfigAdmin struct {
	ListenAddr string   `json:"listen_addr" yaml:"listen_addr"`
	APIKey     password `json:"api_key" yaml:"api_key"`
}

type password string

func (p *password) UnmarshalYAML(unmarshal func(interface{}) error) error {
	return unmarshal((*string)(p))
}

func (p password) MarshalYAML() (interface{}, error) {
	if p == "" {
		return "", nil
	}
	return "********", nil
}

// ParseConfig decodes YAML on top of the default values and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// SetPassword overrides the SIP password, e.g. from the environment.
func (c *Config) SetPassword(p string) {
	c.SIP.Password = password(p)
}

// SetOracleAPIKey overrides the registry API key.
func (c *Config) SetOracleAPIKey(k string) {
	c.Oracle.Registry.APIKey = password(k)
}
