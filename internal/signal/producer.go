package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// ErrConfigInvalid means the producer cannot run with its configuration. The
// pipeline treats it as "no signals this cycle".
var ErrConfigInvalid = errors.New("signal producer configuration invalid")

// PortfolioContext is what a producer sees of the simulation.
type PortfolioContext struct {
	State    domain.SimulationState
	Strategy string
	Prices   map[string]float64 // base asset -> USDT mark, may be empty
}

// Producer is the external signal source.
type Producer interface {
	Produce(ctx context.Context, pc PortfolioContext) ([]domain.Signal, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, pc PortfolioContext) ([]domain.Signal, error)

func (f ProducerFunc) Produce(ctx context.Context, pc PortfolioContext) ([]domain.Signal, error) {
	return f(ctx, pc)
}

// Validate checks the fields a producer must fill.
func Validate(sig domain.Signal) error {
	if strings.TrimSpace(sig.AssetPair) == "" {
		return fmt.Errorf("asset pair is required")
	}
	switch sig.Direction {
	case domain.DirectionBuy, domain.DirectionSell, domain.DirectionHold, domain.DirectionNoTrade:
	default:
		return fmt.Errorf("unknown direction %q", sig.Direction)
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range [0, 1]", sig.Confidence)
	}
	if sig.SuggestedEntryPrice.Value < 0 || sig.TakeProfitPrice < 0 || sig.StopLossPrice < 0 {
		return fmt.Errorf("prices must not be negative")
	}
	return nil
}

// FileProducer replays signals from a JSON array on disk, one per call, in
// order and wrapping around. The file is re-read when it changes size.
type FileProducer struct {
	path string

	mu      sync.Mutex
	signals []domain.Signal
	size    int64
	next    int
}

func NewFileProducer(path string) *FileProducer {
	return &FileProducer{path: path}
}

func (p *FileProducer) Produce(ctx context.Context, pc PortfolioContext) ([]domain.Signal, error) {
	if p.path == "" {
		return nil, fmt.Errorf("%w: no fixture path", ErrConfigInvalid)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reload(); err != nil {
		return nil, err
	}
	if len(p.signals) == 0 {
		return nil, nil
	}
	sig := p.signals[p.next%len(p.signals)]
	p.next++
	return []domain.Signal{sig}, nil
}

func (p *FileProducer) reload() error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if p.signals != nil && info.Size() == p.size {
		return nil
	}

	b, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read signals %s: %w", p.path, err)
	}
	var raw []domain.Signal
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, p.path, err)
	}

	valid := make([]domain.Signal, 0, len(raw))
	for i, sig := range raw {
		if err := Validate(sig); err != nil {
			observ.Warn("signal_fixture_skipped", map[string]any{"index": i, "error": err})
			continue
		}
		valid = append(valid, sig)
	}
	p.signals = valid
	p.size = info.Size()
	p.next = 0
	observ.Log("signal_fixture_loaded", map[string]any{"path": p.path, "signals": len(valid)})
	return nil
}

// StaticProducer returns the same signals on every call.
type StaticProducer struct {
	Signals []domain.Signal
	Err     error
}

func (p StaticProducer) Produce(ctx context.Context, pc PortfolioContext) ([]domain.Signal, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return append([]domain.Signal(nil), p.Signals...), nil
}
