// Package txt2img assembles a staged text-to-image run from configuration:
// device, stage weights, residency guard, pipeline driver, work source and
// result sinks, plus the optional status server.
package txt2img

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"staged/internal/common/fsutil"
	"staged/internal/config"
	"staged/internal/device"
	"staged/internal/httpapi"
	"staged/internal/metrics"
	"staged/internal/pipeline"
	"staged/internal/prompts"
	"staged/internal/residency"
	"staged/internal/sink"
	"staged/internal/stage"
	"staged/internal/weights"
	"staged/pkg/types"
)

// App is one configured run.
type App struct {
	cfg config.Config
	log zerolog.Logger

	dev     device.Device
	guard   *residency.Guard
	driver  *pipeline.Driver
	metrics *metrics.Recorder
	source  pipeline.WorkSource

	sinks   sink.Multi
	images  *sink.Images
	grid    *sink.Grid
	catalog *sink.Catalog
}

// New validates cfg and builds every component. Stage weights are loaded and
// checked here, before any batch runs.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.NewRecorder()}

	id, err := device.ParseID(cfg.Device)
	if err != nil {
		return nil, err
	}
	if a.dev, err = device.Open(id, device.Options{
		CapacityBytes: cfg.SimCapacityMB << 20,
		ReclaimDelay:  cfg.SimReclaimDelay,
	}); err != nil {
		return nil, err
	}

	loader, err := a.loader()
	if err != nil {
		return nil, err
	}
	blobs, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	stages, err := stage.Standard(blobs)
	if err != nil {
		return nil, err
	}
	for _, s := range stages {
		log.Info().Str("event", "stage_loaded").Str("stage", s.Name()).Str("role", string(s.Role())).
			Str("size", humanize.IBytes(s.Size())).Msg("txt2img")
	}

	params := stage.Params{
		GuidanceScale: cfg.Scale,
		Steps:         cfg.Steps,
		Eta:           cfg.Eta,
		Channels:      cfg.Channels,
		Height:        cfg.Height,
		Width:         cfg.Width,
		Factor:        cfg.Factor,
	}
	if cfg.FixedCode {
		params.StartCode = StartCode(cfg.Seed, params.LatentShape(cfg.Samples))
	}
	spec, err := pipeline.NewSpec(stages, pipeline.StandardContracts(params)...)
	if err != nil {
		return nil, err
	}

	maxResident := 1
	if cfg.Overlap {
		maxResident = 2
	}
	a.guard = residency.New(a.dev, nil, residency.Config{
		PollInterval: cfg.PollInterval,
		MaxWait:      cfg.MaxWait,
		MaxResident:  maxResident,
		PeakBudget:   cfg.PeakBudgetMB << 20,
		Logger:       log,
		Publisher:    a.metrics,
	})
	a.driver = pipeline.New(spec, a.guard, pipeline.Config{
		Params:    params,
		Seed:      cfg.Seed,
		Overlap:   cfg.Overlap,
		Logger:    log,
		Publisher: a.metrics,
	})

	if cfg.FromFile != "" {
		a.source = prompts.File{Path: cfg.FromFile, N: cfg.Samples}
	} else {
		a.source = prompts.Repeat{Prompt: cfg.Prompt, N: cfg.Samples}
	}
	if err := a.openSinks(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) loader() (weights.Loader, error) {
	if a.cfg.Ckpt == "" {
		a.log.Warn().Str("event", "synthetic_weights").Msg("txt2img: no checkpoint given, using synthetic stage weights")
		return weights.DefaultSyntheticSizes, nil
	}
	path, err := fsutil.ExpandHome(a.cfg.Ckpt)
	if err != nil {
		return nil, err
	}
	if !fsutil.PathExists(path) {
		return nil, fmt.Errorf("checkpoint %s does not exist", path)
	}
	return weights.FileLoader{Path: path, Log: a.log}, nil
}

func (a *App) openSinks() error {
	var namer *sink.Namer
	if !a.cfg.SkipSave {
		var err error
		if namer, err = sink.NewNamer(a.cfg.Outdir); err != nil {
			return err
		}
		a.images = sink.NewImages(namer, a.log)
		a.sinks = append(a.sinks, a.images)
	}
	if a.cfg.Catalog != "" {
		c, err := sink.OpenCatalog(a.cfg.Catalog, namer)
		if err != nil {
			return err
		}
		a.catalog = c
		a.sinks = append(a.sinks, c)
	}
	if !a.cfg.SkipGrid {
		g, err := sink.NewGrid(a.cfg.Outdir, a.cfg.GridRows(), a.log)
		if err != nil {
			_ = a.sinks.Close()
			return err
		}
		a.grid = g
		a.sinks = append(a.sinks, g)
	}
	return nil
}

// StartCode draws the fixed starting latent once from seed.
func StartCode(seed uint64, shape []int) *stage.Tensor {
	return stage.Randn(rand.New(rand.NewPCG(seed, 0)), shape...)
}

// Run executes all iterations, then closes the sinks (writing the grid).
// When a status address is configured the status API serves for the
// duration of the run.
func (a *App) Run(ctx context.Context) error {
	stop := a.serveStatus()
	defer stop()

	err := a.driver.Run(ctx, a.source, a.cfg.Iter, a.sinks)
	if cerr := a.sinks.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close sinks: %w", cerr))
	}
	return err
}

func (a *App) serveStatus() func() {
	if a.cfg.StatusAddr == "" {
		return func() {}
	}
	mux := httpapi.NewMux(a, httpapi.Options{
		Logger:      a.log,
		Gatherer:    a.metrics.Registry(),
		CORSOrigins: a.cfg.CORSOrigins,
		Swagger:     true,
	})
	srv := httpapi.NewServer(a.cfg.StatusAddr, mux)
	go func() {
		a.log.Info().Str("event", "status_listen").Str("addr", a.cfg.StatusAddr).Msg("txt2img")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Str("event", "status_server_error").Err(err).Msg("txt2img")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn().Str("event", "status_shutdown_error").Err(err).Msg("txt2img")
		}
	}
}

// Status implements httpapi.Service.
func (a *App) Status() types.StatusResponse { return a.driver.Status() }

// Ready implements httpapi.Service.
func (a *App) Ready() bool { return a.driver.Ready() }

// State returns the driver's run state.
func (a *App) State() pipeline.RunState { return a.driver.State() }

// Device is the device stages run on.
func (a *App) Device() device.Device { return a.dev }

// Samples lists the files written by the per-item sink.
func (a *App) Samples() []string {
	if a.images == nil {
		return nil
	}
	return a.images.Written()
}

// GridPath is the grid file written by Run, if any.
func (a *App) GridPath() string {
	if a.grid == nil {
		return ""
	}
	return a.grid.Path()
}

// Catalog is the sample catalog, nil unless configured. It is closed by Run.
func (a *App) Catalog() *sink.Catalog { return a.catalog }
