package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sawpanic/microsignal/internal/engine"
	"github.com/sawpanic/microsignal/internal/microstructure"
	"github.com/sawpanic/microsignal/internal/signals"
)

// ErrUnknownType is returned for envelopes whose type has no handler
var ErrUnknownType = errors.New("unknown envelope type")

// Envelope wraps one market or component event on the wire
type Envelope struct {
	Type     string          `json:"type"`   // trade, quote, book, sentiment, onchain, flow
	Symbol   string          `json:"symbol"` // e.g. BTC-USD
	Source   string          `json:"source,omitempty"`
	Data     json.RawMessage `json:"data"`
	Checksum string          `json:"checksum,omitempty"` // sha256(type||symbol||data), optional
}

// BookData is the payload of a book envelope
type BookData struct {
	Timestamp time.Time                   `json:"timestamp"`
	Bids      []microstructure.PriceLevel `json:"bids"`
	Asks      []microstructure.PriceLevel `json:"asks"`
}

// ComputeChecksum hashes type, symbol and payload
func (e *Envelope) ComputeChecksum() string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s||%s||%s", e.Type, e.Symbol, string(e.Data))))
	return hex.EncodeToString(hash[:])
}

// SetChecksum computes and sets the checksum
func (e *Envelope) SetChecksum() {
	e.Checksum = e.ComputeChecksum()
}

// Validate checks required fields and the checksum when present
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Symbol == "" {
		return fmt.Errorf("envelope symbol is empty")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope data is empty")
	}
	if e.Checksum != "" && e.Checksum != e.ComputeChecksum() {
		return fmt.Errorf("envelope checksum mismatch for %s %s", e.Type, e.Symbol)
	}
	return nil
}

// Decode parses and validates one envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewEnvelope marshals payload into an envelope with a checksum
func NewEnvelope(typ, symbol string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env := Envelope{Type: typ, Symbol: symbol, Data: data}
	env.SetChecksum()
	return env, nil
}

func knownType(typ string) bool {
	switch typ {
	case engine.StreamTrade, engine.StreamQuote, engine.StreamBook,
		engine.StreamSentiment, engine.StreamOnChain, engine.StreamFlow:
		return true
	}
	return false
}

// Sink receives decoded events. *engine.Engine implements it.
type Sink interface {
	IngestTrade(symbol string, t microstructure.Trade) (microstructure.Trade, error)
	IngestQuote(symbol string, q microstructure.Quote) error
	IngestBook(symbol string, bids, asks []microstructure.PriceLevel, ts time.Time) error
	IngestSentiment(symbol string, r signals.SentimentReading) error
	IngestOnChain(symbol string, m signals.OnChainMetric) error
	IngestFlow(symbol string, w signals.WhaleFlow) error
}

// Apply decodes env's payload by type and hands it to sink
func Apply(sink Sink, env Envelope) error {
	switch env.Type {
	case engine.StreamTrade:
		var t microstructure.Trade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return fmt.Errorf("decode trade: %w", err)
		}
		_, err := sink.IngestTrade(env.Symbol, t)
		return err
	case engine.StreamQuote:
		var q microstructure.Quote
		if err := json.Unmarshal(env.Data, &q); err != nil {
			return fmt.Errorf("decode quote: %w", err)
		}
		return sink.IngestQuote(env.Symbol, q)
	case engine.StreamBook:
		var b BookData
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return fmt.Errorf("decode book: %w", err)
		}
		return sink.IngestBook(env.Symbol, b.Bids, b.Asks, b.Timestamp)
	case engine.StreamSentiment:
		var r signals.SentimentReading
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return fmt.Errorf("decode sentiment: %w", err)
		}
		return sink.IngestSentiment(env.Symbol, r)
	case engine.StreamOnChain:
		var m signals.OnChainMetric
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return fmt.Errorf("decode onchain: %w", err)
		}
		return sink.IngestOnChain(env.Symbol, m)
	case engine.StreamFlow:
		var w signals.WhaleFlow
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return fmt.Errorf("decode flow: %w", err)
		}
		return sink.IngestFlow(env.Symbol, w)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
