// Package codes generates the short human-verifiable codes printed on
// appointments, certificates and re-registrations.
package codes

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/rs/zerolog"
)

const (
	DefaultLength      = 12
	DefaultAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	DefaultMaxAttempts = 10
)

// Checker reports whether a code is already taken in one code space.
type Checker struct {
	Space  Space
	Exists func(ctx context.Context, code string) (bool, error)
}

// ExhaustedWarning is attached to a Result when every attempt collided. The
// code is still returned; a storage uniqueness constraint is the last line.
type ExhaustedWarning struct {
	Attempts int
	Code     string
}

func (w *ExhaustedWarning) Error() string {
	return fmt.Sprintf("codes: no unique code after %d attempts", w.Attempts)
}

// Result is the outcome of Generator.Unique.
type Result struct {
	Code     string
	Attempts int
	Warning  *ExhaustedWarning
}

// Generator draws random codes and checks them against every registered code
// space.
type Generator struct {
	length      int
	alphabet    string
	maxAttempts int
	source      io.Reader
	checkers    []Checker
	logger      zerolog.Logger
}

type Option func(*Generator)

func WithLength(n int) Option { return func(g *Generator) { g.length = n } }

func WithAlphabet(a string) Option { return func(g *Generator) { g.alphabet = a } }

func WithMaxAttempts(n int) Option { return func(g *Generator) { g.maxAttempts = n } }

// WithSource replaces crypto/rand.Reader, for tests.
func WithSource(r io.Reader) Option { return func(g *Generator) { g.source = r } }

func NewGenerator(logger zerolog.Logger, checkers []Checker, opts ...Option) *Generator {
	g := &Generator{
		length:      DefaultLength,
		alphabet:    DefaultAlphabet,
		maxAttempts: DefaultMaxAttempts,
		source:      rand.Reader,
		checkers:    checkers,
		logger:      logger,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Unique draws codes until one is free in every code space. After
// maxAttempts collisions the last candidate is returned with a warning. A
// checker error aborts generation.
func (g *Generator) Unique(ctx context.Context) (Result, error) {
	var code string
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		var err error
		code, err = randomCode(g.source, g.length, g.alphabet)
		if err != nil {
			return Result{}, err
		}
		taken, err := g.taken(ctx, code)
		if err != nil {
			return Result{}, err
		}
		if !taken {
			return Result{Code: code, Attempts: attempt}, nil
		}
		g.logger.Debug().Int("attempt", attempt).Msg("validation code collision")
	}

	w := &ExhaustedWarning{Attempts: g.maxAttempts, Code: code}
	g.logger.Warn().Int("attempts", g.maxAttempts).Msg("validation code uniqueness not confirmed")
	return Result{Code: code, Attempts: g.maxAttempts, Warning: w}, nil
}

func (g *Generator) taken(ctx context.Context, code string) (bool, error) {
	for _, c := range g.checkers {
		exists, err := c.Exists(ctx, code)
		if err != nil {
			return false, fmt.Errorf("codes: check %s space: %w", c.Space, err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// RandomCode returns length characters drawn uniformly from alphabet using
// crypto/rand.
func RandomCode(length int, alphabet string) (string, error) {
	return randomCode(rand.Reader, length, alphabet)
}

func randomCode(src io.Reader, length int, alphabet string) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("codes: length must be positive, got %d", length)
	}
	if len(alphabet) < 2 {
		return "", fmt.Errorf("codes: alphabet needs at least two symbols")
	}
	size := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(src, size)
		if err != nil {
			return "", fmt.Errorf("codes: read random: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
