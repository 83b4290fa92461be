package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/dualstore/internal/settings"
)

// Setting is one configuration value as printed by the config commands.
type Setting struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Default   bool       `json:"default,omitempty"` // not stored; fallback shown
}

func settingFrom(e settings.Entry) Setting {
	s := Setting{Key: e.Key, Value: e.Value, UpdatedBy: e.UpdatedBy}
	if !e.UpdatedAt.IsZero() {
		at := e.UpdatedAt
		s.UpdatedAt = &at
	}
	return s
}

// SettingList is the output of the config commands.
type SettingList struct {
	Settings []Setting `json:"settings"`
	now      time.Time
}

func (l SettingList) renderText(w io.Writer) error {
	if len(l.Settings) == 0 {
		_, err := fmt.Fprintln(w, "no settings stored")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range l.Settings {
		var note string
		switch {
		case s.Default:
			note = "(default)"
		case s.UpdatedAt != nil:
			note = fmt.Sprintf("set by %s %s", s.UpdatedBy, humanize.RelTime(*s.UpdatedAt, l.now, "ago", "from now"))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Key, s.Value, note)
	}
	return tw.Flush()
}

// builtinDefaults are the fallbacks the services use for well-known keys.
var builtinDefaults = map[string]string{
	settings.KeyAutoLockDays:            fmt.Sprint(settings.DefaultAutoLockDays),
	settings.KeyDefaultRebatePercentage: fmt.Sprintf("%.2f", settings.DefaultRebatePercentage),
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change runtime configuration values",
		Long: `Read and change the key/value settings stored on both stores
(auto_lock_days, default_rebate_percentage, ...).

Values are served from a cache that is refreshed at most every settings.ttl;
a value set here is visible to this process immediately.`,
	}

	cmd.AddCommand(newConfigGetCommand(opts))
	cmd.AddCommand(newConfigSetCommand(opts))
	cmd.AddCommand(newConfigListCommand(opts))

	return cmd
}

func newConfigGetCommand(opts *RootOptions) *cobra.Command {
	var fallback string

	cmd := &cobra.Command{
		Use:           "get <key>",
		Short:         "Print one value, or its default when unset",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				key := settings.NormalizeKey(args[0])
				if e, ok := a.settings.Lookup(ctx, key); ok {
					return f.Success(SettingList{Settings: []Setting{settingFrom(e)}, now: a.locker.Now()})
				}

				def := fallback
				if !cmd.Flags().Changed("default") {
					d, known := builtinDefaults[key]
					if !known {
						return f.Fail(ExitFailure, "no such setting", fmt.Errorf("%q is not set and has no default", key))
					}
					def = d
				}
				return f.Success(SettingList{
					Settings: []Setting{{Key: key, Value: def, Default: true}},
					now:      a.locker.Now(),
				})
			})
		},
	}

	cmd.Flags().StringVar(&fallback, "default", "", "value to print when the key is unset")

	return cmd
}

func newConfigSetCommand(opts *RootOptions) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value on both stores",
		Long: `Store a value. The write goes to both stores; the local cache is
invalidated so the next read sees the new value.

Example:
  dualstore config set auto_lock_days 5 --actor ops@example.com`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return NewExitError(ExitCommandError, "--actor is required")
			}
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				e, err := a.settings.Set(ctx, args[0], args[1], actor)
				if err != nil {
					return f.Fail(ExitFailure, "set failed", err)
				}
				return f.Success(SettingList{Settings: []Setting{settingFrom(e)}, now: a.locker.Now()})
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "user making the change (required)")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}

func newConfigListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List every stored value",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				entries, err := a.settings.All(ctx)
				if err != nil {
					return f.Fail(ExitFailure, "list settings failed", err)
				}
				list := SettingList{Settings: make([]Setting, 0, len(entries)), now: a.locker.Now()}
				for _, e := range entries {
					list.Settings = append(list.Settings, settingFrom(e))
				}
				return f.Success(list)
			})
		},
	}
}
