package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/xid"

	u "deckpdf/internal/utils"
)

// RenderJob describes one print-view capture.
type RenderJob struct {
	URL            string
	PageSelector   string
	ContentTimeout time.Duration
	ViewportWidth  int64
	ViewportHeight int64
}

// Renderer loads a print view in a browser and returns the printed PDF bytes.
// Implementations report a missing page marker as *ContentTimeoutError and other
// browser failures as *AutomationError.
type Renderer interface {
	RenderPDF(ctx context.Context, job RenderJob) ([]byte, error)
}

// Orchestrator runs a single deck export end to end.
type Orchestrator struct {
	Config   u.Config
	Renderer Renderer

	// Build runs the build command when the build dir is missing.
	Build CommandRunner
	// NewServer creates the preview server process for argv.
	NewServer func(argv []string) ServerProcess
	// Cache is consulted only when Config.Cache.PDFCacheEnabled is set.
	Cache PDFCache
	// Record persists history; nil disables it.
	Record func(ctx context.Context, rec u.ExportRecord) error
	Client *http.Client
}

// NewOrchestrator wires the default process, build and history implementations.
func NewOrchestrator(cfg u.Config, r Renderer) *Orchestrator {
	o := &Orchestrator{
		Config:   cfg,
		Renderer: r,
		Build:    RunInherited,
		NewServer: func(argv []string) ServerProcess {
			return NewExecProcess(argv, cfg.Preview.ShutdownGrace)
		},
		Client: &http.Client{Timeout: 2 * time.Second},
	}
	if cfg.History.Postgres.Enabled() {
		pg := cfg.History.Postgres
		o.Record = func(ctx context.Context, rec u.ExportRecord) error {
			return u.RecordExport(ctx, pg, rec)
		}
	}
	return o
}

// Run exports p.Deck to p.Out and returns the absolute path written. Once the
// preview server has been spawned it is terminated before Run returns.
func (o *Orchestrator) Run(ctx context.Context, p Params) (outPath string, err error) {
	started := time.Now()
	rec := u.ExportRecord{RunID: xid.New().String(), Deck: p.Deck, OutPath: p.Out}
	defer func() {
		rec.Duration = time.Since(started)
		rec.Status = "ok"
		if rec.CacheHit {
			rec.Status = "cached"
		}
		if err != nil {
			rec.Status = "failed"
			rec.Error = err.Error()
		}
		o.record(ctx, rec)
	}()

	u.Info("Export started", "run_id", rec.RunID, "deck", p.Deck, "port", p.Port)

	if err := EnsureBuild(ctx, o.Config.Build.Dir, o.Config.Build.Command, o.Build); err != nil {
		return "", err
	}

	outPath, err = p.AbsOut()
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}
	rec.OutPath = outPath
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	cacheKey := o.cacheKey(p)
	if pdf := o.cached(ctx, cacheKey); pdf != nil {
		if err := writeFileAtomic(outPath, pdf); err != nil {
			return "", err
		}
		rec.CacheHit = true
		rec.Bytes = int64(len(pdf))
		u.Info("PDF cache hit", "deck", p.Deck, "key", cacheKey)
		return outPath, nil
	}

	argv, err := o.previewArgv(p)
	if err != nil {
		return "", err
	}
	server := o.NewServer(argv)
	defer func() {
		if terr := server.Terminate(syscall.SIGTERM); terr != nil {
			u.Warn("Failed to stop preview server", "error", terr)
		}
	}()
	if err := server.Start(ctx); err != nil {
		return "", fmt.Errorf("launch preview server: %w", err)
	}

	rootURL := p.PreviewURL(o.Config.Preview.Host)
	err = WaitForServer(ctx, rootURL, Probe{
		Client:   o.Client,
		Interval: o.Config.Preview.PollInterval,
		Timeout:  o.Config.Preview.ReadyTimeout,
		Alive:    server.IsRunning,
	})
	if err != nil {
		var exited *ServerExitedError
		if errors.As(err, &exited) {
			if ee, ok := server.(interface{ ExitErr() error }); ok {
				exited.Cause = ee.ExitErr()
			}
		}
		return "", err
	}

	pdfCfg := o.Config.PDF
	pdf, err := o.Renderer.RenderPDF(ctx, RenderJob{
		URL:            p.PrintURL(o.Config.Preview.Host, pdfCfg.DeckPath, pdfCfg.PrintQuery),
		PageSelector:   pdfCfg.PageSelector,
		ContentTimeout: pdfCfg.ContentTimeout,
		ViewportWidth:  pdfCfg.ViewportWidth,
		ViewportHeight: pdfCfg.ViewportHeight,
	})
	if err != nil {
		return "", err
	}
	if len(pdf) == 0 {
		return "", &AutomationError{Op: "print", Cause: errors.New("browser returned an empty PDF")}
	}

	if err := writeFileAtomic(outPath, pdf); err != nil {
		return "", err
	}
	rec.Bytes = int64(len(pdf))

	if cacheKey != "" {
		if err := o.Cache.Set(ctx, cacheKey, pdf, o.Config.Cache.PDFCacheTTL); err != nil {
			u.Warn("PDF cache write failed", "error", err)
		}
	}

	u.Info("PDF exported", "run_id", rec.RunID, "path", outPath, "bytes", len(pdf))
	return outPath, nil
}

func (o *Orchestrator) previewArgv(p Params) ([]string, error) {
	pc := o.Config.Preview
	if pc.Builtin {
		return BuiltinPreviewCommand(pc.Host, p.Port, o.Config.Build.Dir)
	}
	if len(pc.Command) == 0 {
		return nil, ConfigError{Message: "no preview command configured"}
	}
	return PreviewCommand(pc.Command, pc.Host, p.Port, o.Config.Build.Dir), nil
}

// cacheKey is empty when caching is off or the build cannot be fingerprinted.
func (o *Orchestrator) cacheKey(p Params) string {
	if o.Cache == nil || !o.Config.Cache.PDFCacheEnabled {
		return ""
	}
	fp, err := BuildFingerprint(o.Config.Build.Dir)
	if err != nil {
		u.Warn("Build fingerprint failed, skipping cache", "error", err)
		return ""
	}
	return CacheKey(p.Deck, fp, o.Config.PDF)
}

func (o *Orchestrator) cached(ctx context.Context, key string) []byte {
	if key == "" {
		return nil
	}
	pdf, err := o.Cache.Get(ctx, key)
	if err != nil {
		u.Warn("PDF cache read failed", "error", err)
		return nil
	}
	if len(pdf) == 0 {
		return nil
	}
	return pdf
}

func (o *Orchestrator) record(ctx context.Context, rec u.ExportRecord) {
	if o.Record == nil {
		return
	}
	// The run context may already be cancelled; history is still worth keeping.
	ctx = context.WithoutCancel(ctx)
	if err := o.Record(ctx, rec); err != nil {
		u.Warn("Failed to record export history", "run_id", rec.RunID, "error", err)
	}
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".deckpdf-*.pdf")
	if err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write pdf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("write pdf: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("write pdf: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}
