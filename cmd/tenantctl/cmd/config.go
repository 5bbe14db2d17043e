package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/tenantctl/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd is the parent command for config management.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage tenantctl configuration",
	Long: `View and modify tenantctl settings.

Configuration is stored at $TENANTCTL_HOME/config.yaml. TENANTCTL_*
environment variables override file values at runtime; 'config show'
prints the effective values, 'config get' and 'config set' work on the file.

Examples:
  tenantctl config show
  tenantctl config get api.base_url
  tenantctl config set api.base_url https://api.example.com/api
  tenantctl config set store.backend sqlite
  tenantctl config reset`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# Configuration file: %s\n\n%s", configFile(), data)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a configuration value from the file by its key path.

Available keys:
` + keyHelp(),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileCfg, err := config.LoadFile(configFile())
		if err != nil {
			return err
		}
		field, err := lookupKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), field.get(fileCfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the file. The result must validate.

Duration values: 500ms, 30s, 1m
Boolean values: true, false, yes, no, on, off

Available keys:
` + keyHelp(),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileCfg, err := config.LoadFile(configFile())
		if err != nil {
			return err
		}
		field, err := lookupKey(args[0])
		if err != nil {
			return err
		}
		if err := field.set(fileCfg, args[1]); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if err := fileCfg.Save(configFile()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], field.get(fileCfg))
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Write the default configuration",
	Long: `Overwrites the configuration file with the defaults.

Examples:
  tenantctl config reset --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			if _, err := os.Stat(configFile()); err == nil {
				answer, err := readLine(cmd, "Reset configuration to defaults? [y/N]: ")
				if err != nil {
					return err
				}
				if strings.ToLower(answer) != "y" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
					return nil
				}
			}
		}
		if err := config.Default().Save(configFile()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote defaults to %s\n", configFile())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), configFile())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
	configCmd.AddCommand(configPathCmd)

	configResetCmd.Flags().Bool("force", false, "skip confirmation")
}

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.Path()
}

type configField struct {
	help string
	get  func(*config.Config) string
	set  func(*config.Config, string) error
}

func stringField(help string, ptr func(*config.Config) *string) configField {
	return configField{
		help: help,
		get:  func(c *config.Config) string { return *ptr(c) },
		set: func(c *config.Config, v string) error {
			*ptr(c) = v
			return nil
		},
	}
}

func durationField(help string, ptr func(*config.Config) *config.Duration) configField {
	return configField{
		help: help,
		get:  func(c *config.Config) string { return ptr(c).String() },
		set: func(c *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q", v)
			}
			if d < 0 {
				return fmt.Errorf("duration cannot be negative")
			}
			*ptr(c) = config.Duration(d)
			return nil
		},
	}
}

var configFields = map[string]configField{
	"api.base_url":         stringField("Server base URL", func(c *config.Config) *string { return &c.API.BaseURL }),
	"api.tenant_header":    stringField("Header carrying the active organization", func(c *config.Config) *string { return &c.API.TenantHeader }),
	"http.timeout":         durationField("Per-attempt request timeout", func(c *config.Config) *config.Duration { return &c.HTTP.Timeout }),
	"store.backend":        stringField("Session store: file, sqlite or redis", func(c *config.Config) *string { return &c.Store.Backend }),
	"store.path":           stringField("Store file path (file and sqlite)", func(c *config.Config) *string { return &c.Store.Path }),
	"store.redis_addr":     stringField("Redis address", func(c *config.Config) *string { return &c.Store.RedisAddr }),
	"store.redis_prefix":   stringField("Redis key prefix", func(c *config.Config) *string { return &c.Store.RedisPrefix }),
	"store.passphrase_env": stringField("Variable holding the sealing passphrase", func(c *config.Config) *string { return &c.Store.PassphraseEnv }),
	"watch.enabled": {
		help: "Follow store changes made by other processes",
		get:  func(c *config.Config) string { return strconv.FormatBool(c.Watch.Enabled) },
		set: func(c *config.Config, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.Watch.Enabled = b
			return nil
		},
	},
	"watch.debounce": durationField("Quiet period before reacting to a store change", func(c *config.Config) *config.Duration { return &c.Watch.Debounce }),
	"log.level":      stringField("debug, info, warn or error", func(c *config.Config) *string { return &c.Log.Level }),
	"log.format":     stringField("text or json", func(c *config.Config) *string { return &c.Log.Format }),
}

func lookupKey(key string) (configField, error) {
	f, ok := configFields[key]
	if !ok {
		return configField{}, fmt.Errorf("unknown config key: %s", key)
	}
	return f, nil
}

func keyHelp() string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-22s %s\n", k, configFields[k].help)
	}
	return b.String()
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
