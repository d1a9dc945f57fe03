package export

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	u "deckpdf/internal/utils"
)

type fakeServer struct {
	mu           sync.Mutex
	argv         []string
	starts       int
	terminations int
	lastSignal   os.Signal
	running      bool
	startErr     error
	exitEarly    bool
	events       *[]string
}

func (s *fakeServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.events != nil {
		*s.events = append(*s.events, "start")
	}
	if s.startErr != nil {
		return s.startErr
	}
	s.running = !s.exitEarly
	return nil
}

func (s *fakeServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeServer) Terminate(sig os.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminations++
	s.lastSignal = sig
	s.running = false
	return nil
}

type fakeRenderer struct {
	pdf  []byte
	err  error
	jobs []RenderJob
}

func (r *fakeRenderer) RenderPDF(ctx context.Context, job RenderJob) ([]byte, error) {
	r.jobs = append(r.jobs, job)
	return r.pdf, r.err
}

type harness struct {
	t        *testing.T
	cfg      u.Config
	server   *fakeServer
	renderer *fakeRenderer
	builds   int
	events   []string
	spawned  int
	port     int
	out      string
	records  []u.ExportRecord
}

// newHarness returns an orchestrator whose build dir exists and whose preview
// URL points at a healthy httptest server.
func newHarness(t *testing.T) (*harness, *Orchestrator) {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	dist := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html></html>"), 0o644))

	cfg := u.DefaultConfig()
	cfg.Build.Dir = dist
	cfg.Preview.ReadyTimeout = 2 * time.Second
	cfg.Preview.PollInterval = 20 * time.Millisecond

	h := &harness{
		t:        t,
		cfg:      cfg,
		renderer: &fakeRenderer{pdf: []byte("%PDF-1.7 fake")},
		port:     port,
		out:      filepath.Join(t.TempDir(), "output", "demo.pdf"),
	}
	h.server = &fakeServer{events: &h.events}

	o := &Orchestrator{
		Config:   cfg,
		Renderer: h.renderer,
		Build: func(ctx context.Context, name string, args ...string) error {
			h.builds++
			h.events = append(h.events, "build")
			return nil
		},
		NewServer: func(argv []string) ServerProcess {
			h.spawned++
			h.server.argv = argv
			return h.server
		},
		Record: func(ctx context.Context, rec u.ExportRecord) error {
			h.records = append(h.records, rec)
			return nil
		},
	}
	return h, o
}

func (h *harness) params() Params {
	p, err := NewParams("demo", h.out, h.port)
	require.NoError(h.t, err)
	return p
}

func TestRun_Success(t *testing.T) {
	h, o := newHarness(t)

	out, err := o.Run(context.Background(), h.params())
	require.NoError(t, err)

	assert.Equal(t, h.out, out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 fake", string(data))

	assert.Equal(t, 0, h.builds, "build must not run when dist exists")
	assert.Equal(t, 1, h.spawned)
	assert.Equal(t, 1, h.server.starts)
	assert.Equal(t, 1, h.server.terminations)
	assert.Equal(t, syscall.SIGTERM, h.server.lastSignal)

	require.Len(t, h.renderer.jobs, 1)
	job := h.renderer.jobs[0]
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(h.port)+"/decks/demo/?view=print", job.URL)
	assert.Equal(t, ".pdf-page", job.PageSelector)
	assert.Equal(t, 15*time.Second, job.ContentTimeout)
	assert.Equal(t, int64(1600), job.ViewportWidth)

	assert.Equal(t, []string{"pnpm", "exec", "vite", "preview", "--host", "127.0.0.1", "--port", strconv.Itoa(h.port), "--strictPort"}, h.server.argv)

	require.Len(t, h.records, 1)
	assert.Equal(t, "ok", h.records[0].Status)
	assert.Equal(t, int64(len("%PDF-1.7 fake")), h.records[0].Bytes)
}

func TestRun_OverwritesExistingOutput(t *testing.T) {
	h, o := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.out), 0o755))
	require.NoError(t, os.WriteFile(h.out, []byte("old contents that are longer"), 0o644))

	_, err := o.Run(context.Background(), h.params())
	require.NoError(t, err)

	data, err := os.ReadFile(h.out)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 fake", string(data))
}

func TestRun_BuildsOnceBeforeSpawnWhenDistMissing(t *testing.T) {
	h, o := newHarness(t)
	o.Config.Build.Dir = filepath.Join(t.TempDir(), "dist")

	_, err := o.Run(context.Background(), h.params())
	require.NoError(t, err)

	assert.Equal(t, 1, h.builds)
	assert.Equal(t, []string{"build", "start"}, h.events)
}

func TestRun_BuildFailureAbortsBeforeSpawn(t *testing.T) {
	h, o := newHarness(t)
	o.Config.Build.Dir = filepath.Join(t.TempDir(), "dist")
	o.Build = func(ctx context.Context, name string, args ...string) error {
		h.builds++
		return errors.New("exit status 1")
	}

	_, err := o.Run(context.Background(), h.params())

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, err.Error(), "pnpm run build failed")
	assert.Equal(t, 1, h.builds)
	assert.Equal(t, 0, h.spawned)
	assert.NoFileExists(t, h.out)

	require.Len(t, h.records, 1)
	assert.Equal(t, "failed", h.records[0].Status)
}

func TestRun_ServerTimeoutTerminatesServer(t *testing.T) {
	h, o := newHarness(t)
	o.Config.Preview.ReadyTimeout = 200 * time.Millisecond

	// Nothing listens on a port that was just released.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.port = l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, err = o.Run(context.Background(), h.params())

	var te *ServerTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "http://127.0.0.1:"+strconv.Itoa(h.port))
	assert.Equal(t, 1, h.server.terminations)
	assert.False(t, h.server.IsRunning())
	assert.Empty(t, h.renderer.jobs)
	assert.NoFileExists(t, h.out)
}

func TestRun_ServerExitedEarly(t *testing.T) {
	h, o := newHarness(t)
	h.server.exitEarly = true

	_, err := o.Run(context.Background(), h.params())

	var ee *ServerExitedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, h.server.terminations)
}

func TestRun_ServerStartFailure(t *testing.T) {
	h, o := newHarness(t)
	h.server.startErr = errors.New("exec: \"pnpm\": executable file not found in $PATH")

	_, err := o.Run(context.Background(), h.params())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch preview server")
	assert.Equal(t, 1, h.server.terminations)
}

func TestRun_ContentTimeoutTerminatesServerAndWritesNothing(t *testing.T) {
	h, o := newHarness(t)
	h.renderer.pdf = nil
	h.renderer.err = &ContentTimeoutError{URL: "http://x/decks/missing-deck/?view=print", Selector: ".pdf-page", Limit: 15 * time.Second}

	p, err := NewParams("missing-deck", h.out, h.port)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), p)

	var ce *ContentTimeoutError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, h.server.terminations)
	assert.NoFileExists(t, h.out)
	assert.Contains(t, h.renderer.jobs[0].URL, "/decks/missing-deck/?view=print")
}

func TestRun_AutomationFailureAndEmptyPDF(t *testing.T) {
	h, o := newHarness(t)
	h.renderer.pdf = nil

	_, err := o.Run(context.Background(), h.params())

	var ae *AutomationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "print", ae.Op)
	assert.Equal(t, 1, h.server.terminations)
	assert.NoFileExists(t, h.out)
}

func TestRun_BuiltinPreviewCommand(t *testing.T) {
	h, o := newHarness(t)
	o.Config.Preview.Builtin = true

	_, err := o.Run(context.Background(), h.params())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(h.server.argv), 2)
	assert.Equal(t, "serve", h.server.argv[1])
	assert.Contains(t, h.server.argv, o.Config.Build.Dir)
}

func TestRun_CacheHitSkipsPreviewServer(t *testing.T) {
	mr := miniredis.RunT(t)
	h, o := newHarness(t)
	o.Config.Cache.PDFCacheEnabled = true
	o.Config.Cache.PDFCacheTTL = time.Minute
	o.Cache = &RedisCache{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}

	_, err := o.Run(context.Background(), h.params())
	require.NoError(t, err)
	assert.Equal(t, 1, h.spawned)
	assert.Len(t, mr.Keys(), 1)

	require.NoError(t, os.Remove(h.out))
	h.server = &fakeServer{}

	out, err := o.Run(context.Background(), h.params())
	require.NoError(t, err)
	assert.Equal(t, 1, h.spawned, "cache hit must not spawn a server")
	assert.FileExists(t, out)

	require.Len(t, h.records, 2)
	assert.Equal(t, "cached", h.records[1].Status)
	assert.True(t, h.records[1].CacheHit)
}

func TestRun_CacheReadFailureFallsBackToRender(t *testing.T) {
	mr := miniredis.RunT(t)
	h, o := newHarness(t)
	o.Config.Cache.PDFCacheEnabled = true
	o.Cache = &RedisCache{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	mr.SetError("LOADING")

	_, err := o.Run(context.Background(), h.params())
	require.NoError(t, err)
	assert.Equal(t, 1, h.spawned)
	assert.FileExists(t, h.out)
}

func TestNewOrchestrator_Defaults(t *testing.T) {
	cfg := u.DefaultConfig()
	o := NewOrchestrator(cfg, &fakeRenderer{})
	assert.NotNil(t, o.Build)
	assert.NotNil(t, o.NewServer)
	assert.Nil(t, o.Record, "history disabled without postgres host")

	cfg.History.Postgres.Host = "db"
	o = NewOrchestrator(cfg, &fakeRenderer{})
	assert.NotNil(t, o.Record)

	srv := o.NewServer([]string{"true"})
	ep, ok := srv.(*ExecProcess)
	require.True(t, ok)
	assert.Equal(t, cfg.Preview.ShutdownGrace, ep.Grace)
}
