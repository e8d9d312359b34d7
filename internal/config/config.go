// Package config loads settings for the server and the client. Values come
// from defaults, a .env file, CONTACT_CHAT_* environment variables and
// command line flags, in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CONTACT_CHAT"

// Flag names, also used as viper keys.
const (
	HTTPAddrFlag       = "http-addr"
	MongoURIFlag       = "mongo-uri"
	MongoDatabaseFlag  = "mongo-db"
	RedisAddrFlag      = "redis-addr"
	RedisPasswordFlag  = "redis-password"
	RedisDBFlag        = "redis-db"
	NATSURLFlag        = "nats-url"
	LogLevelFlag       = "log-level"
	MailboxTTLFlag     = "mailbox-ttl"
	RequestTimeoutFlag = "request-timeout"

	ServerFlag = "server"
	UserFlag   = "user"
	KeyDirFlag = "key-dir"
	MemoryFlag = "memory"
)

type Config struct {
	HTTPAddr       string
	MongoURI       string
	MongoDatabase  string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	NATSURL        string
	LogLevel       string
	MailboxTTL     time.Duration
	RequestTimeout time.Duration
	// Memory runs the server on in-process stores instead of Mongo and Redis.
	Memory bool

	// Client settings.
	Server string
	User   string
	KeyDir string
}

func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		HTTPAddr:       "localhost:9090",
		MongoURI:       "mongodb://localhost:27017",
		MongoDatabase:  "mydb",
		RedisAddr:      "localhost:6379",
		LogLevel:       "info",
		MailboxTTL:     7 * 24 * time.Hour,
		RequestTimeout: 10 * time.Second,
		Server:         "localhost:9090",
		KeyDir:         filepath.Join(home, ".contact_chat"),
	}
}

// RegisterServerFlags adds the server settings to fs.
func RegisterServerFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(HTTPAddrFlag, d.HTTPAddr, "address the HTTP server listens on")
	fs.String(MongoURIFlag, d.MongoURI, "MongoDB connection URI")
	fs.String(MongoDatabaseFlag, d.MongoDatabase, "MongoDB database name")
	fs.String(RedisAddrFlag, d.RedisAddr, "Redis address for the offline mailbox")
	fs.String(RedisPasswordFlag, d.RedisPassword, "Redis password")
	fs.Int(RedisDBFlag, d.RedisDB, "Redis database number")
	fs.String(NATSURLFlag, d.NATSURL, "NATS URL; accepted envelopes are relayed there when set")
	fs.Duration(MailboxTTLFlag, d.MailboxTTL, "how long undelivered envelopes are kept")
	fs.Duration(RequestTimeoutFlag, d.RequestTimeout, "timeout for startup storage calls")
	fs.Bool(MemoryFlag, d.Memory, "use in-memory stores instead of MongoDB and Redis")
	fs.String(LogLevelFlag, d.LogLevel, "log level: debug, info, warn, error")
}

// RegisterClientFlags adds the client settings to fs.
func RegisterClientFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(ServerFlag, d.Server, "server host:port")
	fs.String(UserFlag, d.User, "your user id")
	fs.String(KeyDirFlag, d.KeyDir, "directory holding your private keys")
	fs.Duration(RequestTimeoutFlag, d.RequestTimeout, "timeout for server calls")
	fs.String(LogLevelFlag, d.LogLevel, "log level: debug, info, warn, error")
}

// Load resolves the configuration. envFiles default to ".env"; a missing
// file is not an error. fs may be nil.
func Load(fs *pflag.FlagSet, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "load %s", f)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	for k, val := range map[string]any{
		HTTPAddrFlag:       d.HTTPAddr,
		MongoURIFlag:       d.MongoURI,
		MongoDatabaseFlag:  d.MongoDatabase,
		RedisAddrFlag:      d.RedisAddr,
		RedisPasswordFlag:  d.RedisPassword,
		RedisDBFlag:        d.RedisDB,
		NATSURLFlag:        d.NATSURL,
		LogLevelFlag:       d.LogLevel,
		MailboxTTLFlag:     d.MailboxTTL,
		RequestTimeoutFlag: d.RequestTimeout,
		MemoryFlag:         d.Memory,
		ServerFlag:         d.Server,
		UserFlag:           d.User,
		KeyDirFlag:         d.KeyDir,
	} {
		v.SetDefault(k, val)
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}

	cfg := &Config{
		HTTPAddr:       v.GetString(HTTPAddrFlag),
		MongoURI:       v.GetString(MongoURIFlag),
		MongoDatabase:  v.GetString(MongoDatabaseFlag),
		RedisAddr:      v.GetString(RedisAddrFlag),
		RedisPassword:  v.GetString(RedisPasswordFlag),
		RedisDB:        v.GetInt(RedisDBFlag),
		NATSURL:        v.GetString(NATSURLFlag),
		LogLevel:       v.GetString(LogLevelFlag),
		MailboxTTL:     v.GetDuration(MailboxTTLFlag),
		RequestTimeout: v.GetDuration(RequestTimeoutFlag),
		Memory:         v.GetBool(MemoryFlag),
		Server:         v.GetString(ServerFlag),
		User:           v.GetString(UserFlag),
		KeyDir:         v.GetString(KeyDirFlag),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.HTTPAddr == "":
		return errors.New("config: http address is required")
	case c.RequestTimeout <= 0:
		return errors.New("config: request timeout must be positive")
	case c.MailboxTTL < 0:
		return errors.New("config: mailbox ttl must not be negative")
	}
	return nil
}
