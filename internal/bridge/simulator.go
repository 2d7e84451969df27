package bridge

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// SimulatedText is returned by the simulator when no mock results are configured.
const SimulatedText = "USSD execution simulated (web environment)"

// ErrSimulatedFailure is returned when the simulator decides a dial fails.
var ErrSimulatedFailure = errors.New("simulated failure: network timeout")

// Simulator answers every dial without touching a device. With a zero
// failure rate it always succeeds.
type Simulator struct {
	results     []string
	failureRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulator returns a simulator that picks one of results at random, or
// SimulatedText when results is empty. failureRate is clamped to [0, 1].
func NewSimulator(results []string, failureRate float64) *Simulator {
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	return &Simulator{
		results:     results,
		failureRate: failureRate,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulator) Dial(ctx context.Context, code string) (Outcome, error) {
	if code == "" {
		return Outcome{}, ErrEmptyCode
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failureRate > 0 && s.rnd.Float64() < s.failureRate {
		return Outcome{Simulated: true}, ErrSimulatedFailure
	}
	text := SimulatedText
	if len(s.results) > 0 {
		text = s.results[s.rnd.Intn(len(s.results))]
	}
	return Outcome{Text: text, Simulated: true}, nil
}
