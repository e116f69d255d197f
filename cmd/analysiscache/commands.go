package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/config"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/analysiscache"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/logging"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	callerID   string

	cfg    *config.Config
	logger *slog.Logger
	opened *analysiscache.Result
}

// run executes the command line in args and releases the store afterwards,
// whether or not the command succeeded.
func run(args []string, stdout, stderr io.Writer) (err error) {
	c := &cli{}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer func() {
		if c.opened == nil {
			return
		}
		if cerr := c.opened.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return root.Execute()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "analysiscache",
		Short:         "Inspect and maintain the content-addressed analysis cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file (default: config/config.yaml if present)")
	root.PersistentFlags().StringVar(&c.callerID, "caller", "", "caller identity for ownership checks")

	root.AddCommand(
		c.signatureCmd(),
		c.createCmd(),
		c.getCmd(),
		c.listCmd(),
		c.saveCmd(),
		c.unsaveCmd(),
		c.invalidateCmd(),
		c.sweepCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger.With("request_id", uuid.NewString(), "command", cmd.Name())
	slog.SetDefault(c.logger)
	return nil
}

// cache opens the configured store on first use.
func (c *cli) cache(ctx context.Context) (*analysiscache.Cache, error) {
	if c.opened == nil {
		res, err := analysiscache.Open(ctx, c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.opened = res
	}
	return c.opened.Cache, nil
}

func (c *cli) requireCaller() error {
	if c.callerID == "" {
		return usagef("--caller is required")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireSignature(arg string) error {
	if !signature.Valid(arg) {
		return usagef("malformed signature %q: want %d lowercase hex characters", arg, signature.Length)
	}
	return nil
}

type requestFlags struct {
	req signature.Request
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.req.ProfileID, "profile", "", "profile id")
	fl.StringVar(&f.req.Situation, "situation", "", "situation")
	fl.StringVar(&f.req.Goal, "goal", "", "goal")
	fl.StringVar(&f.req.CurrentSteps, "steps", "", "current steps")
	fl.StringVar(&f.req.Deadline, "deadline", "", "deadline")
	fl.StringVar(&f.req.Stakeholders, "stakeholders", "", "stakeholders")
	fl.StringVar(&f.req.Resources, "resources", "", "resources")
	fl.StringVar(&f.req.Constraints, "constraints", "", "constraints, separated by commas or newlines")
}

func (c *cli) signatureCmd() *cobra.Command {
	var f requestFlags
	cmd := &cobra.Command{
		Use:   "signature",
		Short: "Print the signature of a request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			normalized := signature.Normalize(f.req)
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"signature":  signature.Build(normalized),
				"normalized": normalized,
			})
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) createCmd() *cobra.Command {
	var (
		f         requestFlags
		payload   string
		primary   float64
		secondary float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Cache an analysis payload for a request",
		Long: `Cache an analysis payload for a request as a fresh ephemeral entry.
The payload is a JSON document, given inline or as @path to read it from a file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.req.ProfileID == "" {
				return usagef("--profile is required")
			}
			raw, err := readPayload(payload)
			if err != nil {
				return err
			}
			normalized := signature.Normalize(f.req)
			e := &entry.Entry{
				Signature:      signature.Build(normalized),
				OwnerProfileID: f.req.ProfileID,
				Payload:        raw,
				Snapshot:       normalized,
				Baseline:       entry.Baseline{Primary: primary, Secondary: secondary},
			}
			if c.callerID != "" {
				e.OwnerUserID = &c.callerID
			}

			cache, err := c.cache(cmd.Context())
			if err != nil {
				return err
			}
			if err := cache.Create(cmd.Context(), e); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"signature": e.Signature})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&payload, "payload", "", "analysis payload as JSON, or @file")
	cmd.Flags().Float64Var(&primary, "baseline-primary", 0, "primary baseline score at creation")
	cmd.Flags().Float64Var(&secondary, "baseline-secondary", 0, "secondary baseline score at creation")
	return cmd
}

func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, usagef("--payload is required")
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, usagef("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func (c *cli) getCmd() *cobra.Command {
	var includeSaved bool
	cmd := &cobra.Command{
		Use:   "get <signature>...",
		Short: "Fetch one entry, or several visible to the caller",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if err := requireSignature(arg); err != nil {
					return err
				}
			}
			cache, err := c.cache(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) > 1 {
				entries, err := cache.GetMany(cmd.Context(), args, c.callerID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			e, err := cache.Get(cmd.Context(), args[0], analysiscache.GetOptions{
				IncludeSaved: includeSaved,
				CallerID:     c.callerID,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().BoolVar(&includeSaved, "include-saved", false, "also return saved entries (claims unowned ones for --caller)")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var opts analysiscache.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the caller's saved entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireCaller(); err != nil {
				return err
			}
			cache, err := c.cache(cmd.Context())
			if err != nil {
				return err
			}
			page, err := cache.List(cmd.Context(), c.callerID, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", analysiscache.DefaultListLimit, "page size")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "entries to skip")
	cmd.Flags().StringVar(&opts.Search, "search", "", "case-insensitive filter over the returned page")
	return cmd
}

func (c *cli) saveCmd() *cobra.Command {
	var (
		title string
		tags  []string
	)
	cmd := &cobra.Command{
		Use:   "save <signature>",
		Short: "Save an entry permanently for the caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireCaller(); err != nil {
				return err
			}
			if err := requireSignature(args[0]); err != nil {
				return err
			}
			var opts analysiscache.SaveOptions
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("tag") {
				opts.Tags = tags
			}
			cache, err := c.cache(cmd.Context())
			if err != nil {
				return err
			}
			e, err := cache.Save(cmd.Context(), args[0], c.callerID, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), e)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title (derived from the payload summary when omitted)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag, repeatable")
	return cmd
}

func (c *cli) unsaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsave <signature>",
		Short: "Return a saved entry to the ephemeral cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireCaller(); err != nil {
				return err
			}
			if err := requireSignature(args[0]); err != nil {
				return err
			}
			cache, err := c.cache(cmd.Context())
			if err != nil {
				return err
			}
			e, err := cache.Unsave(cmd.Context(), args[0], c.callerID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), e)
		},
	}
}

func (c *cli) invalidateCmd() *cobra.Command {
	var (
		profile string
		shift   float64
	)
	cmd := &cobra.Command{
		Use:   "invalidate [signature]",
		Short: "Delete one entry, or every entry of a profile",
		Example: `  analysiscache invalidate 3f2a...e9
  analysiscache invalidate --profile p-42
  analysiscache invalidate --profile p-42 --shift 9.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch {
			case len(args) == 1 && profile == "":
				if err := requireSignature(args[0]); err != nil {
					return err
				}
				cache, err := c.cache(ctx)
				if err != nil {
					return err
				}
				if err := cache.Invalidate(ctx, args[0]); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"invalidated": args[0]})
			case len(args) == 0 && profile != "":
				cache, err := c.cache(ctx)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("shift") {
					ran, err := cache.InvalidateOnBaselineShift(ctx, profile, shift)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]any{"profile": profile, "invalidated": ran})
				}
				n, err := cache.InvalidateProfile(ctx, profile)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"profile": profile, "removed": n})
			default:
				return usagef("give either a signature or --profile")
			}
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "invalidate every entry of this profile")
	cmd.Flags().Float64Var(&shift, "shift", 0, "baseline shift magnitude; invalidates only at or above the threshold")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove ephemeral entries expired past the grace window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := c.cache(cmd.Context())
			if err != nil {
				return err
			}
			if !loop {
				n, err := cache.Sweep(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"removed": n})
			}
			return c.runSweeper(cmd.Context(), cache)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping every cache.sweep.interval until interrupted")
	return cmd
}

// runSweeper sweeps periodically and serves /metrics when enabled, until SIGINT or SIGTERM.
func (c *cli) runSweeper(ctx context.Context, cache *analysiscache.Cache) error {
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var srv *http.Server
	if c.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(c.cfg.Metrics.Endpoint, promhttp.Handler())
		srv = &http.Server{Addr: c.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			c.logger.Info("serving metrics", "address", srv.Addr, "endpoint", c.cfg.Metrics.Endpoint)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		analysiscache.RunSweepLoop(stop, c.cfg.Cache.Sweep.Interval, func() {
			if _, err := cache.Sweep(ctx, time.Now()); err != nil {
				c.logger.Error("sweep failed", "error", err)
			}
		})
	}()

	<-ctx.Done()
	close(stop)
	<-done
	c.logger.Info("sweeper stopped")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}
