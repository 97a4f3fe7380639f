package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	gofetchdata "github.com/dgduncan/go-fetch-data"
	"github.com/dgduncan/go-fetch-data/query"
)

type getOptions struct {
	key     []string
	params  []string
	headers []string

	timeout time.Duration
	stale   time.Duration
	retry   int

	repeat   int
	interval time.Duration

	store      string
	dsn        string
	table      string
	revalidate bool

	metricsAddr string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fetchdata",
		Short:         "Fetch JSON over HTTP through a query cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newGetCmd())
	return root
}

func newGetCmd() *cobra.Command {
	o := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Run a GET through the query cache, optionally several rounds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runGet(cmd, o, args[0])
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&o.key, "key", nil, "query key parts, comma separated (default the url)")
	f.StringArrayVar(&o.params, "param", nil, "query parameter as k=v, repeatable")
	f.StringArrayVar(&o.headers, "header", nil, "request header as k=v, repeatable")
	f.DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	f.DurationVar(&o.stale, "stale", 0, "time fetched data stays fresh")
	f.IntVar(&o.retry, "retry", 3, "retries after a failed fetch")
	f.IntVar(&o.repeat, "repeat", 1, "number of rounds")
	f.DurationVar(&o.interval, "interval", time.Second, "pause between rounds")
	f.StringVar(&o.store, "store", storeMemory, "query store: memory, postgres or dynamodb")
	f.StringVar(&o.dsn, "dsn", "", "postgres connection string")
	f.StringVar(&o.table, "table", "fetchdata", "dynamodb table")
	f.BoolVar(&o.revalidate, "revalidate", false, "cache responses and revalidate them with conditional requests")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9100")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	return cmd
}

func runGet(cmd *cobra.Command, o *getOptions, url string) error {
	ctx := cmd.Context()

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	if o.repeat < 1 {
		return errors.New("--repeat must be at least 1")
	}

	rawParams, err := pairs(o.params)
	if err != nil {
		return fmt.Errorf("--param: %w", err)
	}
	var params gofetchdata.Params
	if len(rawParams) > 0 {
		params = make(gofetchdata.Params, len(rawParams))
		for k, v := range rawParams {
			params[k] = v
		}
	}
	headers, err := pairs(o.headers)
	if err != nil {
		return fmt.Errorf("--header: %w", err)
	}

	store, closeStore, err := openStore(ctx, o, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	if o.metricsAddr != "" {
		srv := serveMetrics(o.metricsAddr, reg, logger)
		defer srv.Close()
	}

	cfg := gofetchdata.DefaultConfig()
	cfg.Timeout = o.timeout
	if o.revalidate {
		cfg.ResponseCache = store
	}
	hc := gofetchdata.NewClient(&cfg, nil, logger)

	qcfg := query.DefaultConfig()
	qcfg.StaleTime = o.stale
	qcfg.Retry = o.retry
	qcfg.Store = store
	qcfg.Registerer = reg
	qc := query.NewClient(&qcfg, nil, logger)

	key := query.Key{url}
	if len(o.key) > 0 {
		key = make(query.Key, len(o.key))
		for i, k := range o.key {
			key[i] = k
		}
	}

	req := gofetchdata.Request[json.RawMessage]{
		QueryKey: key,
		URL:      url,
		Params:   params,
		Transport: &gofetchdata.TransportConfig{
			Headers: headers,
		},
	}

	out := cmd.OutOrStdout()
	for round := 1; round <= o.repeat; round++ {
		if round > 1 {
			select {
			case <-time.After(o.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s := gofetchdata.Fetch(ctx, qc, hc, req)
		err := s.Wait(ctx)
		printRound(out, round, s)
		s.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func printRound(w io.Writer, round int, s *query.State[json.RawMessage]) {
	fmt.Fprintf(w, "round %d: status=%s updated=%s", round, s.Status(), s.DataUpdatedAt().Format(time.RFC3339))
	if err := s.Err(); err != nil {
		fmt.Fprintf(w, " error=%q", err.Error())
	}
	fmt.Fprintln(w)

	if data, ok := s.Data(); ok {
		fmt.Fprintln(w, string(data))
	}
}

func pairs(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}

	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected k=v, got %q", kv)
		}
		m[k] = v
	}
	return m, nil
}
