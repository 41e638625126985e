package main

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	argCount  = 5
	maxArgLen = 255 // identity strings must stay below this

	cookieEnv = "BUNDLEX_ERLANG_COOKIE"
)

var (
	errUsage       = errors.New("usage: cnode <host> <alive> <node> <cookie> <creation>")
	errArgTooLong  = errors.New("argument too long")
	errNoCookie    = errors.New("no cookie given and " + cookieEnv + " is empty")
	errBadCreation = errors.New("creation must be an integer between 0 and 32767")
)

// Config holds the node identity from the command line and the tunables
// read through viper.
type Config struct {
	HostName  string `mapstructure:"-"`
	AliveName string `mapstructure:"-"`
	NodeName  string `mapstructure:"-"`
	Cookie    string `mapstructure:"-"`
	Creation  uint32 `mapstructure:"-"`

	ListenAddr     string        `mapstructure:"listen_addr"`
	AcceptTimeout  time.Duration `mapstructure:"accept_timeout"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	EPMDPort       int           `mapstructure:"epmd_port"`
	LogLevel       string        `mapstructure:"log_level"`
}

// LoadConfig validates the positional arguments and reads the tunables from
// an optional config file and CNODE_* environment variables.
func LoadConfig(args []string, path string) (*Config, error) {
	if len(args) != argCount {
		return nil, errors.Wrapf(errUsage, "got %d arguments", len(args))
	}
	for i, a := range args {
		if len(a) >= maxArgLen {
			return nil, errors.Wrapf(errArgTooLong, "argument %d has %d bytes", i+1, len(a))
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CNODE")
	v.AutomaticEnv()
	v.SetDefault("listen_addr", "0.0.0.0:0")
	v.SetDefault("accept_timeout", 5*time.Second)
	v.SetDefault("receive_timeout", 5*time.Second)
	v.SetDefault("epmd_port", 4369)
	v.SetDefault("log_level", "info")
	if err := v.BindEnv("epmd_port", "CNODE_EPMD_PORT", "ERL_EPMD_PORT"); err != nil {
		return nil, errors.Wrap(err, "bind epmd_port")
	}
	if err := v.BindEnv("cookie", cookieEnv); err != nil {
		return nil, errors.Wrap(err, "bind cookie")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	c.HostName = args[0]
	c.AliveName = args[1]
	c.NodeName = args[2]
	c.Cookie = args[3]
	if c.Cookie == "" {
		c.Cookie = v.GetString("cookie")
	}
	if c.Cookie == "" {
		return nil, errNoCookie
	}
	if len(c.Cookie) >= maxArgLen {
		return nil, errors.Wrapf(errArgTooLong, "cookie from %s", cookieEnv)
	}

	creation, err := strconv.ParseInt(args[4], 10, 16)
	if err != nil || creation < 0 {
		return nil, errors.Wrapf(errBadCreation, "got %q", args[4])
	}
	c.Creation = uint32(creation)

	return &c, nil
}
