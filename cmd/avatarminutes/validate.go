package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/avatarminutes/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the avatarminutes configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)

	for _, warning := range configWarnings(cfg) {
		_, _ = color.New(color.FgYellow).Fprintf(out, "⚠️  %s\n", warning)
	}

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(out)
		_, _ = red.Fprintf(out, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(out, "   - %s\n", key)
		}
		fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(out, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))

		dumpConfig(cfg, defaultConfig())

		_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

// configWarnings lists settings that load fine but leave the service unusable.
func configWarnings(cfg *config.Config) []string {
	var warnings []string
	if cfg.Vendor.APIKey == "" {
		warnings = append(warnings, "vendor.api_key is empty; sessions cannot be started")
	}
	if cfg.Auth.JWTSecret == "" {
		warnings = append(warnings, "auth.jwt_secret is empty; every user request will be rejected")
	}
	if cfg.API.WebhookSecret == "" {
		warnings = append(warnings, "api.webhook_secret is empty; payments-webhook accepts unauthenticated calls")
	}
	return warnings
}

func defaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// findUnknownKeys reports keys in the file that no default declares.
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := validKeys()
	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func validKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// dumpConfig walks the config by mapstructure tag and prints each leaf,
// highlighting values that differ from the defaults.
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	dumpSection("", reflect.ValueOf(*cfg), reflect.ValueOf(*defaultCfg), 0, cyan, yellow, green)
}

func dumpSection(prefix string, value, defaults reflect.Value, depth int, header, modified, unchanged *color.Color) {
	indent := strings.Repeat("  ", depth)
	t := value.Type()

	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("mapstructure"), ",")[0]
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		field := value.Field(i)
		def := defaults.Field(i)
		if field.Kind() == reflect.Struct {
			_, _ = header.Printf("\n%s[%s]\n", indent, key)
			dumpSection(key, field, def, depth+1, header, modified, unchanged)
			continue
		}

		dumpField(indent+tag, redact(key, field.Interface()), redact(key, def.Interface()), modified, unchanged)
	}
}

func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redact hides credentials. Postgres URLs may embed a password.
func redact(key string, value interface{}) interface{} {
	s, ok := value.(string)
	if !ok || s == "" {
		return value
	}
	for _, marker := range []string{"password", "secret", "api_key", "postgres.url"} {
		if strings.Contains(key, marker) {
			return "***REDACTED***"
		}
	}
	return value
}
