package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"uniqua/internal/character"
	"uniqua/internal/config"
	"uniqua/internal/store"

	"github.com/spf13/cobra"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your uniqua setup",
		Long: `Verifies configuration, required environment variables, the character file,
the history database, the staging directory and channel settings.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("uniqua doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &doctorReport{}
			cfg := checkConfig(r, cfgPath)
			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config is invalid")
			}

			if missing := config.MissingEnv(cfg); len(missing) > 0 {
				r.fail("Environment", "missing "+strings.Join(missing, ", "))
			} else {
				r.pass("Environment", "required variables set")
			}

			if !cfg.Google.Enabled {
				r.warn("Image model", "disabled, replies echo the original picture")
			} else {
				r.pass("Image model", cfg.Google.Backend+" / "+cfg.Google.Model)
			}

			checkCharacter(r, cfg.General.CharacterFile)

			if cfg.Store.Enabled {
				if err := checkDatabase(cfg.Store.DBPath); err != nil {
					r.fail("History database", err.Error())
				} else {
					r.pass("History database", cfg.Store.DBPath)
				}
			} else {
				r.warn("History database", "disabled")
			}

			if err := checkWritableDir(cfg.Staging.Dir); err != nil {
				r.fail("Staging directory", err.Error())
			} else {
				r.pass("Staging directory", cfg.Staging.Dir)
			}

			checkChannels(r, cfg)

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running uniqua.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nuniqua should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! uniqua is ready to run.\n")
			}
			return nil
		},
	}
}

func checkConfig(r *doctorReport, cfgPath string) *config.Config {
	if _, err := os.Stat(cfgPath); err != nil {
		r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
		cfg, err := config.FromEnv()
		if err != nil {
			r.fail("Config validation", err.Error())
			return nil
		}
		return cfg
	}
	r.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		r.fail("Config validation", err.Error())
		return nil
	}
	r.pass("Config validation", "valid")
	return cfg
}

func checkCharacter(r *doctorReport, path string) {
	if path == "" {
		r.pass("Character", "built-in")
		return
	}
	c, err := character.Load(path)
	if err != nil {
		r.fail("Character", err.Error())
		return
	}
	if err := c.Validate(); err != nil {
		r.fail("Character", err.Error())
		return
	}
	r.pass("Character", fmt.Sprintf("%s (%q)", path, c.TriggerPhrase))
}

func checkChannels(r *doctorReport, cfg *config.Config) {
	var enabled []string
	if cfg.Channels.Telegram.Enabled {
		enabled = append(enabled, "telegram")
	}
	if cfg.Channels.Discord.Enabled {
		enabled = append(enabled, "discord")
	}
	if cfg.Channels.Slack.Enabled {
		enabled = append(enabled, "slack")
	}
	if cfg.Channels.WebSocket.Enabled {
		enabled = append(enabled, "websocket")
		addr := net.JoinHostPort(cfg.Channels.WebSocket.Host, strconv.Itoa(cfg.Channels.WebSocket.Port))
		if err := checkPort(addr); err != nil {
			r.warn("WebSocket port", fmt.Sprintf("%s may be in use: %v", addr, err))
		} else {
			r.pass("WebSocket port", addr+" available")
		}
	}
	if len(enabled) == 0 {
		r.warn("Channels", "none enabled, only 'uniqua chat' will work")
		return
	}
	r.pass("Channels", strings.Join(enabled, ", "))
}

func checkDatabase(dbPath string) error {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := st.CountByStatus(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
