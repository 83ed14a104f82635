package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

// ReplayStats counts the outcome of a replay
type ReplayStats struct {
	Lines    int `json:"lines"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

// Replay applies JSONL envelopes from r to sink in file order. Malformed lines and rejected
// events are counted and skipped. onApplied, when set, is called after each applied envelope.
func Replay(ctx context.Context, r io.Reader, sink Sink, onApplied func(Envelope)) (ReplayStats, error) {
	var stats ReplayStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		env, err := Decode(line)
		if err != nil {
			stats.Rejected++
			continue
		}
		if err := Apply(sink, env); err != nil {
			stats.Rejected++
			continue
		}
		stats.Applied++
		if onApplied != nil {
			onApplied(env)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read replay input: %w", err)
	}
	return stats, nil
}
