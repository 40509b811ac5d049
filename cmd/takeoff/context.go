package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/takeoff-tracker/internal/agent"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/corpus"
	"github.com/joseph-ayodele/takeoff-tracker/internal/export"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
	"github.com/joseph-ayodele/takeoff-tracker/internal/fastpath"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm/openai"
	"github.com/joseph-ayodele/takeoff-tracker/internal/miner"
	"github.com/joseph-ayodele/takeoff-tracker/internal/ocr"
	"github.com/joseph-ayodele/takeoff-tracker/internal/pipeline"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
	"github.com/joseph-ayodele/takeoff-tracker/internal/review"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
)

type commandContext struct {
	configFlag *string
	envFlag    *string

	configOnce sync.Once
	config     *common.Config
	logger     *slog.Logger
	configErr  error

	storeOnce sync.Once
	db        *repository.DB
	storeErr  error
}

func newCommandContext(configFlag, envFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag, envFlag: envFlag}
}

// ensureConfig loads the env file, then the TOML file and environment, and
// installs the process logger.
func (c *commandContext) ensureConfig() (*common.Config, error) {
	c.configOnce.Do(func() {
		if c.envFlag != nil && strings.TrimSpace(*c.envFlag) != "" {
			if err := godotenv.Load(strings.TrimSpace(*c.envFlag)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.configErr = fmt.Errorf("load env file: %w", err)
				return
			}
		}
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := common.LoadConfig(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = newLogger(cfg.Log, os.Stderr)
		slog.SetDefault(c.logger)
	})
	return c.config, c.configErr
}

func (c *commandContext) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// store opens and migrates the configured database once per process.
func (c *commandContext) store(ctx context.Context) (*repository.DB, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	c.storeOnce.Do(func() {
		if err := cfg.Validate(); err != nil {
			c.storeErr = err
			return
		}
		db, err := repository.Open(ctx, repository.ConfigFrom(cfg.Database), c.log())
		if err != nil {
			c.storeErr = err
			return
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			c.storeErr = err
			return
		}
		c.db = db
	})
	return c.db, c.storeErr
}

func (c *commandContext) close() {
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
}

// services are the store-backed collaborators shared by commands.
type services struct {
	db        *repository.DB
	runs      repository.RunRepository
	items     repository.LineItemRepository
	instances repository.InstanceRepository
	catalog   repository.CatalogRepository
	review    *review.Service
	export    *export.Service
}

func (c *commandContext) services(ctx context.Context) (*services, error) {
	db, err := c.store(ctx)
	if err != nil {
		return nil, err
	}
	logger := c.log()
	s := &services{
		db:        db,
		runs:      repository.NewRunRepository(db, logger),
		items:     repository.NewLineItemRepository(db, logger),
		instances: repository.NewInstanceRepository(db, logger),
		catalog:   repository.NewCatalogRepository(db, logger),
		review:    review.NewService(repository.NewReviewRepository(db, logger), logger),
	}
	s.export = export.NewService(s.runs, s.items, s.instances, s.catalog, logger)
	return s, nil
}

// pages builds the shared page-text provider. Cached pages are tied to the
// file's size and mtime and dropped when the run that read them ends.
func (c *commandContext) pages() (*extract.CachedProvider, *ocr.Extractor) {
	cfg := c.config
	x := ocr.NewExtractor(ocr.Config{
		Pdftotext:     cfg.OCR.Pdftotext,
		Pdftoppm:      cfg.OCR.Pdftoppm,
		Pdfinfo:       cfg.OCR.Pdfinfo,
		Tesseract:     cfg.OCR.Tesseract,
		TesseractLang: cfg.OCR.TesseractLang,
		TessdataDir:   cfg.OCR.TessdataDir,
		DPI:           cfg.OCR.DPI,
		MinChars:      cfg.OCR.MinChars,
	}, c.log())
	return extract.NewCachedProvider(x), x
}

// completer returns the rate-limited model client.
func (c *commandContext) completer() (llm.Completer, error) {
	cfg := c.config
	if err := cfg.ValidateLLM(); err != nil {
		return nil, err
	}
	client := openai.NewClient(openai.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout.Duration,
		MaxRetries: cfg.LLM.MaxRetries,
	}, c.log())
	return llm.NewLimiter(client, semaphore.NewWeighted(cfg.LLM.Concurrency), c.log()), nil
}

// processor wires the full cascade.
func (c *commandContext) processor(svc *services) (*pipeline.Processor, error) {
	cfg := c.config
	model, err := c.completer()
	if err != nil {
		return nil, err
	}
	logger := c.log()
	pages, renderer := c.pages()
	pricing := llm.Pricing{PromptPer1K: cfg.LLM.PromptPricePer1K, OutputPer1K: cfg.LLM.OutputPricePer1K}
	cc := cfg.Cascade

	return pipeline.NewProcessor(logger, pipeline.Deps{
		Runs:    svc.runs,
		Catalog: svc.catalog,
		Items:   svc.items,
		Corpus:  corpus.NewFSProvider(cfg.Corpus.BaseDir, logger),
		Scorer:  scoring.NewScorer(logger),
		Booster: scoring.NewBooster(model, logger,
			scoring.WithBatchCap(cc.BoostBatchCap),
			scoring.WithPricing(pricing),
		),
		FastPath: fastpath.NewExtractor(pages, logger,
			fastpath.WithThreshold(cc.FastPathThreshold),
			fastpath.WithMaxPages(cc.FastPathMaxPages),
		),
		Agent: agent.New(model, pages, logger,
			agent.WithMaxIterations(cc.AgentMaxIterations),
			agent.WithMaxDuration(cc.AgentMaxDuration.Duration),
			agent.WithReviewThreshold(cc.AgentReviewThreshold),
			agent.WithRenderer(renderer),
			agent.WithPricing(pricing),
		),
		Miner: miner.New(pages, model, svc.instances, logger,
			miner.WithBudget(cc.MinerBudget.Duration),
			miner.WithPageMatchCap(cc.MinerPageMatchCap),
			miner.WithCandidateCap(cc.MinerCandidateCap),
			miner.WithClassifyCap(cc.MinerClassifyCap),
			miner.WithContextChars(cc.MinerContextChars),
			miner.WithPricing(pricing),
		),
		PageCache: pages,
	}), nil
}

// newLogger picks a text handler for terminals and JSON otherwise.
func newLogger(cfg common.LogConfig, out *os.File) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" || format == "auto" {
		format = "json"
		fd := out.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}
