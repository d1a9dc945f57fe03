package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"deckpdf/internal/chrome"
	"deckpdf/internal/export"
	u "deckpdf/internal/utils"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

type exportOptions struct {
	deck string
	out  string
	port int
}

func newRootCmd() *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "deckpdf",
		Short: "Export a slide deck to PDF",
		Long: "deckpdf builds the deck site if needed, starts a preview server, loads the deck's " +
			"print view in headless Chrome and saves it as a PDF.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			return setup(c)
		},
		RunE: func(c *cobra.Command, args []string) error {
			return runExport(c.Context(), c.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.deck, "deck", export.DefaultDeck, "deck to export")
	cmd.Flags().StringVar(&opts.out, "out", "", "destination file (default output/<deck>.pdf)")
	cmd.Flags().IntVar(&opts.port, "port", export.DefaultPort, "preview server port")

	cmd.PersistentFlags().String("config", "", "config file (default $CONFIG_PATH or ./deckpdf.yaml)")
	cmd.PersistentFlags().StringP("log", "l", "", "log level: debug, info, warn, error")

	cmd.AddCommand(newServeCmd(), newVersionCmd())
	return cmd
}

// setup loads configuration and configures logging for every subcommand.
func setup(c *cobra.Command) error {
	cfgPath, _ := c.Flags().GetString("config")
	cfg, err := u.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	level := cfg.Logger.Level
	if lvl, _ := c.Flags().GetString("log"); lvl != "" {
		level = lvl
	}
	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		level,
	)
	return nil
}

func runExport(ctx context.Context, stdout io.Writer, opts exportOptions) error {
	params, err := export.NewParams(opts.deck, opts.out, opts.port)
	if err != nil {
		return err
	}

	cfg := u.GetConfig()
	o := export.NewOrchestrator(cfg, chrome.NewRenderer(cfg.PDF))
	if cfg.Cache.PDFCacheEnabled {
		cache := export.NewRedisCache(cfg.Cache)
		defer cache.Close()
		o.Cache = cache
	}
	defer u.CloseHistory()

	out, err := o.Run(ctx, params)
	if err != nil {
		u.Debug("Export failed", "deck", params.Deck, "error", err)
		return err
	}

	fmt.Fprintf(stdout, "PDF exported: %s\n", out)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintf(c.OutOrStdout(), "deckpdf %s %s\n", version, commit)
		},
	}
}
