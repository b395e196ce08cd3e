// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ffutop/spritescan/decomp"
	"github.com/ffutop/spritescan/decomp/external"
	"github.com/ffutop/spritescan/decomp/hal"
	"github.com/ffutop/spritescan/internal/checkpoint"
	"github.com/ffutop/spritescan/internal/config"
	"github.com/ffutop/spritescan/internal/model"
	"github.com/ffutop/spritescan/internal/region"
	"github.com/ffutop/spritescan/internal/rom"
	"github.com/ffutop/spritescan/internal/scan"
	"github.com/ffutop/spritescan/internal/sprite"
	"github.com/spf13/pflag"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

type cliOptions struct {
	configFile string
	json       bool
	list       bool
	clear      bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := pflag.NewFlagSet("spritescan", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: spritescan [flags] ROM\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var cli cliOptions
	fs.StringVarP(&cli.configFile, "config", "c", "", "Configuration file path.")
	fs.BoolVar(&cli.json, "json", false, "Print candidates as JSON.")
	fs.BoolVar(&cli.list, "list", false, "List stored checkpoints and exit.")
	fs.BoolVar(&cli.clear, "clear", false, "Remove the checkpoint for this ROM and range, then exit.")

	fs.IntP("workers", "w", 0, "Number of scan workers (0 = number of CPUs).")
	fs.String("start", "0", "First offset to scan (hex accepted).")
	fs.String("end", "0", "Offset to stop before (0 = end of ROM).")
	fs.Uint32("step", 1, "Minimum step between probed offsets.")
	fs.Float32P("threshold", "t", 0.3, "Minimum quality score of a candidate.")
	fs.Uint32("max-output", 8192, "Maximum decompressed bytes per offset.")
	fs.Bool("resume", true, "Resume from a matching checkpoint.")
	fs.Bool("mmap", true, "Memory-map the ROM instead of reading it.")
	fs.StringP("decompressor", "d", "hal", "Decompressor (hal, external).")
	fs.String("tool", "exhal", "External decompressor binary.")
	fs.String("store", "file", "Checkpoint store (memory, file, sql).")
	fs.String("store-path", "", "Checkpoint directory or database file.")
	fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log-file", "L", "", "Log file name ('-' for logging to STDERR only).")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.LoadConfig(cli.configFile, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitUsage
	}
	if fs.NArg() > 0 {
		cfg.Scan.ROM = fs.Arg(0)
	}

	setupLogger(cfg.Log)

	store, err := checkpoint.Open(cfg.Store)
	if err != nil {
		slog.Error("Failed to open checkpoint store", "type", cfg.Store.Type, "path", cfg.Store.Path, "err", err)
		return exitFailed
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cli.list {
		return listCheckpoints(ctx, store, stdout)
	}

	if cfg.Scan.ROM == "" {
		fs.Usage()
		return exitUsage
	}

	img, err := rom.Open(cfg.Scan.ROM, cfg.Scan.Mmap)
	if err != nil {
		slog.Error("Failed to start scan", "rom", cfg.Scan.ROM, "err", err)
		return exitFailed
	}
	defer img.Close()

	params := model.Parameters{
		Start:            cfg.Scan.Start,
		End:              cfg.Scan.End,
		StepHint:         cfg.Scan.StepHint,
		QualityThreshold: cfg.Scan.QualityThreshold,
	}
	if params.End == 0 {
		params.End = uint32(img.Size())
	}

	if cli.clear {
		if err := store.Clear(ctx, img.ID(), params); err != nil {
			slog.Error("Failed to clear checkpoint", "err", err)
			return exitFailed
		}
		slog.Info("Checkpoint cleared", "rom", cfg.Scan.ROM, "range", params.Range().String())
		return exitOK
	}

	var port decomp.Port
	switch cfg.Decompressor.Type {
	case "hal":
		port = hal.New()
	case "external":
		tool := external.New(cfg.Decompressor.Tool, cfg.Decompressor.Args, cfg.Decompressor.Timeout)
		defer tool.Close()
		port = tool
	default:
		slog.Error("Unknown decompressor type", "type", cfg.Decompressor.Type)
		return exitUsage
	}

	slog.Info("Starting sprite scan...",
		"rom", img.Path(), "title", img.Title(), "size", img.Size(), "header", img.HeaderSize(),
		"decompressor", cfg.Decompressor.Type, "store", cfg.Store.Type)

	engine := scan.New(img, port, store, engineOptions(cfg))
	if err := engine.Start(ctx, params, cfg.Scan.Workers); err != nil {
		slog.Error("Failed to start scan", "err", err)
		return exitFailed
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			slog.Info("Shutting down, saving progress...")
			engine.Cancel()
		case <-ctx.Done():
		}
	}()

	res, err := engine.Wait()
	printResult(stdout, res, cli.json)

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, scan.ErrCancelled):
		slog.Info("Scan cancelled, run again to resume",
			"scanned", res.Scanned, "total", res.Total)
		return exitCancelled
	case errors.Is(err, scan.ErrIncomplete):
		slog.Error("Scan partially completed", "scanned", res.Scanned, "total", res.Total, "failed_chunks", len(res.FailedChunks), "err", err)
		return exitFailed
	default:
		slog.Error("Scan failed", "err", err)
		return exitFailed
	}
}

func engineOptions(cfg *config.Config) scan.Options {
	opts := scan.DefaultOptions()
	opts.MaxOutput = cfg.Scan.MaxOutput
	opts.FillProbe = cfg.Scan.FillProbe
	opts.Resume = cfg.Scan.Resume
	opts.Step = scan.StepOptions{
		Min:       cfg.Scan.StepHint,
		Max:       cfg.Step.MaxStep,
		Growth:    cfg.Step.Growth,
		GrowAfter: cfg.Step.GrowAfter,
	}
	opts.Chunk.ChunksPerWorker = cfg.Scan.ChunksPerWorker
	opts.Chunk.OverlapMargin = cfg.Scan.OverlapMargin
	opts.Region = region.Options{
		BlockSize:        cfg.Classifier.BlockSize,
		PaddingThreshold: cfg.Classifier.PaddingThreshold,
		MaxDistinct:      cfg.Classifier.MaxDistinct,
	}
	opts.Validator = sprite.Options{
		CoverageLow:     cfg.Validator.CoverageLow,
		CoverageHigh:    cfg.Validator.CoverageHigh,
		DiversityTarget: cfg.Validator.DiversityTarget,
		CoverageWeight:  cfg.Validator.CoverageWeight,
		DiversityWeight: cfg.Validator.DiversityWeight,
		RepeatPenalty:   cfg.Validator.RepeatPenalty,
	}
	opts.CheckpointEvery = cfg.Checkpoint.Every
	opts.CheckpointSchedule = cfg.Checkpoint.Schedule
	return opts
}

type jsonResult struct {
	State        string            `json:"state"`
	Scanned      uint32            `json:"scanned"`
	Total        uint32            `json:"total"`
	Resumed      bool              `json:"resumed"`
	ResumedFrom  uint32            `json:"resumed_from,omitempty"`
	FailedChunks []uint32          `json:"failed_chunks,omitempty"`
	Candidates   []model.Candidate `json:"candidates"`
}

func printResult(w io.Writer, res *scan.Result, asJSON bool) {
	if res == nil {
		return
	}
	if asJSON {
		out := jsonResult{
			State:        res.State.String(),
			Scanned:      res.Scanned,
			Total:        res.Total,
			Resumed:      res.Resumed,
			ResumedFrom:  res.ResumedFrom,
			FailedChunks: res.FailedChunks,
			Candidates:   res.Candidates,
		}
		if out.Candidates == nil {
			out.Candidates = []model.Candidate{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			slog.Error("Failed to write result", "err", err)
		}
		return
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "OFFSET\tSIZE\tTILES\tQUALITY\tCOMPRESSED")
	for _, c := range res.Candidates {
		fmt.Fprintf(tw, "%#06x\t%d\t%d\t%.3f\t%t\n", c.Offset, c.DecompressedSize, c.TileCount, c.Quality, c.Compressed)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d candidate(s), %s, scanned %d of %d bytes\n", len(res.Candidates), res.State, res.Scanned, res.Total)
}

func listCheckpoints(ctx context.Context, store checkpoint.Store, w io.Writer) int {
	entries, err := store.List(ctx)
	if err != nil {
		slog.Error("Failed to list checkpoints", "err", err)
		return exitFailed
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ROM\tRANGE\tTHROUGH\tCANDIDATES\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%#06x\t%d\t%s\n",
			e.RomID[:min(12, len(e.RomID))], e.Params.Range(), e.CompletedThrough, e.Candidates,
			e.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
	return exitOK
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	// Results go to stdout; logs default to stderr so they never mix with JSON output.
	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file, falling back to stderr: %v\n", err)
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
