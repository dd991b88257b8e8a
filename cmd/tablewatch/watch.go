package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"registry-cache-service/internal/bind"
	"registry-cache-service/internal/cache"
	"registry-cache-service/internal/config"
	"registry-cache-service/internal/logger"
	"registry-cache-service/internal/realtime"
	"registry-cache-service/internal/store"
)

type watchOptions struct {
	ConfigPath string
	JSON       bool
	Rows       bool
	Once       bool
}

func newRootCommand() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "tablewatch [tables...]",
		Short: "Watch cached registry tables",
		Long: `Bind one or more tables through the table cache and print every
row set the cache publishes for them.

Without table arguments every configured table is watched.

Examples:
  tablewatch parcels owners
  tablewatch --config ./config.yaml --rows parcels
  tablewatch --once --json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the service config")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print one JSON object per update")
	cmd.Flags().BoolVar(&opts.Rows, "rows", false, "print rows, not only counts")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "print each table once it has loaded, then exit")

	return cmd
}

func runWatch(ctx context.Context, opts *watchOptions, tables []string, out io.Writer) error {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	defer logger.Sync()

	backend, err := store.Open(cfg.Database, cfg.Cache.Tables)
	if err != nil {
		return err
	}
	var source cache.EventSource[store.Row]
	if cfg.Cache.Realtime && !opts.Once {
		source = realtime.NewBinlogSource(cfg.Database, cfg.Cache.Tables)
	}
	// Tables load on bind; the service's warm-up and scheduler are not
	// needed here.
	cfg.Cache.WarmOnStart = false
	cfg.Scheduler.Enabled = false

	m := realtime.NewManager(cfg, backend, source)
	defer m.Close()

	if len(tables) == 0 {
		tables = m.Tables()
	}
	for _, t := range tables {
		if !m.Has(t) {
			return fmt.Errorf("table %q is not configured", t)
		}
	}

	var bindOpts []bind.Option[store.Row]
	if m.Push() != nil {
		bindOpts = append(bindOpts, bind.WithPush(m.Push()))
	}

	cases := make([]reflect.SelectCase, 0, len(tables)+1)
	bindings := make([]*bind.Binding[store.Row], 0, len(tables))
	for _, t := range tables {
		b := bind.Bind(ctx, m.Cache(), t, bindOpts...)
		defer b.Close()
		bindings = append(bindings, b)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(b.Updates())})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	printed := make(map[string]bool)
	for {
		chosen, _, _ := reflect.Select(cases)
		if chosen == len(bindings) {
			return nil
		}

		b := bindings[chosen]
		st := b.State()
		if st.IsLoading {
			continue
		}
		if err := printState(out, b.Table(), st, opts); err != nil {
			return err
		}
		if st.Err != nil {
			logger.Log.Warn("Table fetch failed", zap.String("table", b.Table()), zap.Error(st.Err))
		}

		printed[b.Table()] = true
		if opts.Once && len(printed) == len(bindings) {
			return nil
		}
	}
}

type update struct {
	Table string      `json:"table"`
	Count int         `json:"count"`
	Rows  []store.Row `json:"rows,omitempty"`
	Error string      `json:"error,omitempty"`
}

func printState(out io.Writer, table string, st bind.State[store.Row], opts *watchOptions) error {
	u := update{Table: table, Count: len(st.Rows)}
	if opts.Rows {
		u.Rows = st.Rows
	}
	if st.Err != nil {
		u.Error = st.Err.Error()
	}

	if opts.JSON {
		return json.NewEncoder(out).Encode(u)
	}

	line := fmt.Sprintf("%s: %d rows", table, u.Count)
	if u.Error != "" {
		line += " (" + u.Error + ")"
	}
	if _, err := fmt.Fprintln(out, line); err != nil {
		return err
	}
	for _, r := range u.Rows {
		if _, err := fmt.Fprintf(out, "  %s %s\n", r.Key(), formatFields(r.Fields)); err != nil {
			return err
		}
	}
	return nil
}

func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
