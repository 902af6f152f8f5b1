package main

import (
	"context"
	"os"

	"financial_reports/pkg/core/classify"
	"financial_reports/pkg/core/docreader"
	"financial_reports/pkg/core/extract"
	"financial_reports/pkg/core/ingest"
	"financial_reports/pkg/core/pipeline"
	"financial_reports/pkg/core/reconcile"
	"financial_reports/pkg/core/store"
	"financial_reports/pkg/models"
)

func openBackend(ctx context.Context) (store.Backend, func(), error) {
	switch cfg.Storage.IndexBackend {
	case "sqlite":
		c, err := store.OpenSQLiteCatalog(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	case "postgres":
		c, err := store.OpenPostgresCatalog(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return store.NewJSONCatalog(cfg.IndexPath(), logger), func() {}, nil
	}
}

func newOCREngine(ctx context.Context) (docreader.OCREngine, error) {
	switch cfg.OCR.Engine {
	case "tesseract":
		return docreader.NewTesseractEngine(cfg.OCR.Languages, nil, logger), nil
	case "gemini":
		g, err := docreader.NewGeminiOCR(ctx, cfg.OCR.GeminiAPIKey, cfg.OCR.GeminiModel, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, nil
}

func buildPipeline(ctx context.Context, index *store.RecordIndex) (*pipeline.Orchestrator, error) {
	reader := docreader.NewPDFReader()

	ocr, err := newOCREngine(ctx)
	if err != nil {
		return nil, err
	}

	patterns := extract.DefaultPatterns()
	if cfg.Extract.PatternsFile != "" {
		if patterns, err = extract.LoadPatterns(cfg.Extract.PatternsFile); err != nil {
			return nil, err
		}
	}
	extractor := extract.NewExtractor(patterns, reader, extract.Options{
		OCR:                ocr,
		Rasterizer:         docreader.NewPdftoppmRasterizer(cfg.OCR.DPI, nil),
		OCRMaxPages:        cfg.OCR.MaxPages,
		MinTokenConfidence: cfg.OCR.MinTokenConfidence,
	}, logger)

	policy, err := reconcile.ParsePolicy(cfg.Reconcile.Policy)
	if err != nil {
		return nil, err
	}
	records := reconcile.NewRecordStore(logger)

	return pipeline.NewOrchestrator(
		ingest.NewPortalClient(cfg.Portal, cfg.Convention(), logger),
		classify.NewClassifier(cfg.Classifier, reader, logger),
		extractor,
		records,
		reconcile.NewEngine(policy, records, logger),
		index,
		pipeline.Options{
			DataDir:       cfg.Storage.DataDir,
			Convention:    cfg.Convention(),
			DownloadDelay: cfg.Portal.DownloadDelay,
		},
		logger,
	), nil
}

func exportIndex(index *store.RecordIndex, path string) error {
	entries := index.Entries()
	records := reconcile.NewRecordStore(logger)
	byID := make(map[string]*models.CanonicalRecord, len(entries))
	for _, e := range entries {
		if e.JSONFile == "" {
			continue
		}
		rec, err := records.Load(e.JSONFile)
		if err != nil {
			logger.Warn("record not exported", "id", e.ID, "error", err)
			continue
		}
		byID[e.ID] = rec
	}
	data, err := store.ExportXLSX(entries, index.Stats(), byID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
