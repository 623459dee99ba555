// Command billingctl runs billing operations against the database without the
// HTTP server: migrations, seeding, posting runs, reminder runs, revenue cycles
// and dead-letter handling.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diewo77/school-billing/internal/config"
	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

var Version = "dev"

// opener connects to the database described by cfg.
type opener func(cfg *config.Config) (*gorm.DB, error)

func connect(cfg *config.Config) (*gorm.DB, error) { return db.Connect(cfg.Database) }

// cli carries the settings shared by every subcommand.
type cli struct {
	v    *viper.Viper
	open opener
}

func main() {
	if err := newRoot(connect).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRoot(open opener) *cobra.Command {
	c := &cli{v: viper.New(), open: open}
	c.v.SetEnvPrefix("BILLINGCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the school billing engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(c.v.GetString("log-level"), "text")
		},
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file overlaid on the environment")
	pf.String("tenant", "", "tenant id (BILLINGCTL_TENANT)")
	pf.StringP("output", "o", "yaml", "output format: yaml or json")
	pf.String("log-level", "warn", "log level")
	for _, name := range []string{"config", "tenant", "output", "log-level"} {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.seedCmd())
	root.AddCommand(c.postCmd())
	root.AddCommand(c.resumeCmd())
	root.AddCommand(c.remindersCmd())
	root.AddCommand(c.cyclesCmd())
	root.AddCommand(c.jobsCmd())
	return root
}

// config loads the environment and the optional --config overlay.
func (c *cli) config() (*config.Config, error) {
	cfg := config.Load()
	if path := c.v.GetString("config"); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// database returns the config and an open connection.
func (c *cli) database() (*config.Config, *gorm.DB, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, err
	}
	d, err := c.open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, d, nil
}

func (c *cli) tenant() (string, error) {
	t := strings.TrimSpace(c.v.GetString("tenant"))
	if t == "" {
		return "", errors.New("--tenant is required")
	}
	return t, nil
}

// render prints v in the selected format. Field names follow the JSON tags in
// both formats.
func (c *cli) render(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch strings.ToLower(c.v.GetString("output")) {
	case "json":
		var pretty any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	case "yaml", "":
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown output format %q", c.v.GetString("output"))
	}
}
