// Package config reads linkvm settings from flags, LINKVM_* environment
// variables and .env files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daimatz/linkvm/pkg/logging"
	"github.com/daimatz/linkvm/pkg/metaspace"
)

// EnvPrefix prefixes the environment variable of every key.
const EnvPrefix = "linkvm"

const (
	KeyClassPath          = "classpath"
	KeyJmod               = "jmod"
	KeyLogLevel           = "log-level"
	KeyVerifyLocal        = "verify-local"
	KeyVerifyRemote       = "verify-remote"
	KeyStressRewriter     = "stress-rewriter"
	KeyRegisterFinalizers = "register-finalizers"
	KeyArenaChunkSize     = "arena-chunk-size"
	KeyArchive            = "archive"
)

// Config is the resolved configuration of a linkvm universe.
type Config struct {
	// ClassPath lists directories searched by the application loader.
	ClassPath []string
	// Jmod is the java.base jmod backing the boot loader. Empty means none
	// was found; the boot loader then only sees the archive.
	Jmod               string
	LogLevel           string
	VerifyLocal        bool
	VerifyRemote       bool
	StressRewriter     bool
	RegisterFinalizers bool
	ArenaChunkSize     int
	// Archive is a snapshot image whose classes the application loader
	// prefers.
	Archive string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ClassPath:      []string{"."},
		LogLevel:       "warn",
		VerifyRemote:   true,
		ArenaChunkSize: metaspace.DefaultChunkSize,
	}
}

// LoadEnvFiles loads .env and .env.local from the working directory.
// Missing files are ignored; variables already set win.
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Configure sets the environment binding and defaults on v.
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault(KeyClassPath, strings.Join(d.ClassPath, string(os.PathListSeparator)))
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyVerifyLocal, d.VerifyLocal)
	v.SetDefault(KeyVerifyRemote, d.VerifyRemote)
	v.SetDefault(KeyArenaChunkSize, d.ArenaChunkSize)
}

// SetupFlags adds the configuration flags to cmd and its subcommands.
func SetupFlags(cmd *cobra.Command) {
	d := Default()
	f := cmd.PersistentFlags()
	f.String(KeyClassPath, strings.Join(d.ClassPath, string(os.PathListSeparator)), "Directories searched for application classes, separated by the OS path list separator")
	f.String(KeyJmod, "", "Path to java.base.jmod (default: $JAVA_HOME/jmods/java.base.jmod)")
	f.String(KeyLogLevel, d.LogLevel, "Log level (debug, info, warn, error)")
	f.Bool(KeyVerifyLocal, d.VerifyLocal, "Verify classes defined by the boot loader")
	f.Bool(KeyVerifyRemote, d.VerifyRemote, "Verify classes defined by other loaders")
	f.Bool(KeyStressRewriter, false, "Rewrite, restore and rewrite every class again while linking")
	f.Bool(KeyRegisterFinalizers, false, "Rewrite returns of Object.<init> to register finalizers")
	f.Int(KeyArenaChunkSize, d.ArenaChunkSize, "Metadata arena chunk size in bytes")
	f.String(KeyArchive, "", "Snapshot archive to restore shared classes from")
}

// BindFlags binds cmd's flags to v.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	return v.BindPFlags(cmd.Flags())
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		LogLevel:           v.GetString(KeyLogLevel),
		Jmod:               v.GetString(KeyJmod),
		VerifyLocal:        v.GetBool(KeyVerifyLocal),
		VerifyRemote:       v.GetBool(KeyVerifyRemote),
		StressRewriter:     v.GetBool(KeyStressRewriter),
		RegisterFinalizers: v.GetBool(KeyRegisterFinalizers),
		ArenaChunkSize:     v.GetInt(KeyArenaChunkSize),
		Archive:            v.GetString(KeyArchive),
	}
	for _, p := range filepath.SplitList(v.GetString(KeyClassPath)) {
		if p != "" {
			c.ClassPath = append(c.ClassPath, p)
		}
	}
	if c.Jmod == "" {
		c.Jmod = FindJmod()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ArenaChunkSize <= 0 {
		return fmt.Errorf("invalid %s %d: must be positive", KeyArenaChunkSize, c.ArenaChunkSize)
	}
	return nil
}

// FindJmod locates java.base.jmod: $JAVA_BASE_JMOD, then $JAVA_HOME/jmods,
// then the usual Linux JDK install locations.
func FindJmod() string {
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}
