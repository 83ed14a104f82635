package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sawpanic/microsignal/internal/engine"
	"github.com/sawpanic/microsignal/internal/ingest"
	mlog "github.com/sawpanic/microsignal/internal/log"
)

type replayOptions struct {
	file   string
	symbol string
	every  int
}

func newReplayCmd(flags *globalFlags) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a JSONL envelope file through the engine and print signals",
		Long: `Replay reads one envelope per line ({"type":"trade","symbol":"BTC-USD","data":{...}}),
applies them in file order and prints the microstructure signal for each symbol
as JSON lines. With --every N a signal is also printed after every N events of a symbol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			cfg.Engine.SignalCacheTTL = 0

			eng, err := engine.New(cfg.Engine, nil, nil, logger)
			if err != nil {
				return err
			}
			return runReplay(cmd.Context(), eng, opts, cmd.OutOrStdout(), mlog.NewProgress("replay", fileSize(opts.file), os.Stderr, logger))
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "JSONL envelope file (- for stdin)")
	cmd.Flags().StringVarP(&opts.symbol, "symbol", "s", "", "Only print signals for this symbol, matched exactly")
	cmd.Flags().IntVar(&opts.every, "every", 0, "Also print a signal after every N events per symbol")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// countingReader reports bytes read to the progress tracker
type countingReader struct {
	r        io.Reader
	progress *mlog.Progress
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.progress.Add(int64(n))
	return n, err
}

func runReplay(ctx context.Context, eng *engine.Engine, opts *replayOptions, out io.Writer, progress *mlog.Progress) error {
	var in io.Reader = os.Stdin
	if opts.file != "-" {
		f, err := os.Open(opts.file)
		if err != nil {
			return fmt.Errorf("open replay file: %w", err)
		}
		defer f.Close()
		in = f
	}
	enc := json.NewEncoder(out)

	var encErr error
	emit := func(sym string) {
		if encErr != nil || (opts.symbol != "" && sym != opts.symbol) {
			return
		}
		if sig, ok := eng.Signal(ctx, sym); ok {
			encErr = enc.Encode(sig)
		}
	}

	counts := make(map[string]int)
	stats, err := ingest.Replay(ctx, countingReader{r: in, progress: progress}, eng, func(env ingest.Envelope) {
		if opts.every <= 0 {
			return
		}
		counts[env.Symbol]++
		if counts[env.Symbol]%opts.every == 0 {
			emit(env.Symbol)
		}
	})
	if err != nil {
		progress.Fail(err)
		return err
	}
	for _, sym := range eng.Symbols() {
		emit(sym)
	}
	if encErr != nil {
		return fmt.Errorf("write signals: %w", encErr)
	}
	progress.Finish(fmt.Sprintf("%d lines, %d applied, %d rejected", stats.Lines, stats.Applied, stats.Rejected))
	return nil
}

func fileSize(path string) int64 {
	if path == "" || path == "-" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
