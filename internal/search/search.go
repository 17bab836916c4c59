// Package search drives autoregressive decoding over a Scorer with greedy
// or beam search.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-decoder/internal/decoder"
	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/simd"
)

var tracer = otel.Tracer("longbow-decoder-search")

// Scorer scores the next token of partial hypotheses against one
// utterance's encoder memory.
type Scorer interface {
	Score(ys []int, state decoder.State, x device.Tensor) ([]float32, decoder.State, error)
	BatchScore(ys [][]int, states []decoder.State, xs device.Tensor) ([][]float32, []decoder.State, error)
	InitState() decoder.State
	Backend() device.Backend
}

var _ Scorer = (*decoder.TransformerDecoder)(nil)

// Hypothesis is a decoded sequence, starting with sos and ending with eos,
// and its total log-probability.
type Hypothesis struct {
	Tokens []int
	Score  float64
}

// Options configures Beam.
type Options struct {
	BeamSize int
	// MaxLen bounds the number of decoding steps. Hypotheses still
	// running at MaxLen are closed with eos at no cost.
	MaxLen int
	SOS    int
	EOS    int
	// NBest is the number of hypotheses returned. Zero means one.
	NBest int
}

var ErrInvalidOptions = errors.New("search: invalid options")

// Greedy extends sos with the most likely token until eos or maxLen steps.
func Greedy(ctx context.Context, scorer Scorer, memory device.Tensor, sos, eos, maxLen int) (Hypothesis, error) {
	ctx, span := tracer.Start(ctx, "search.Greedy")
	defer span.End()

	if maxLen <= 0 {
		return Hypothesis{}, fmt.Errorf("%w: max length %d", ErrInvalidOptions, maxLen)
	}

	hyp := Hypothesis{Tokens: []int{sos}}
	state := scorer.InitState()
	for i := 0; i < maxLen; i++ {
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return hyp, ctx.Err()
		default:
		}

		logp, next, err := scorer.Score(hyp.Tokens, state, memory)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "score failed")
			return hyp, err
		}
		state = next
		stepsTotal.WithLabelValues("greedy").Inc()

		token := simd.ArgMax(logp)
		hyp.Tokens = append(hyp.Tokens, token)
		hyp.Score += float64(logp[token])
		if token == eos {
			return hyp, nil
		}
	}
	hyp.Tokens = append(hyp.Tokens, eos)
	return hyp, nil
}

type running struct {
	Hypothesis
	state decoder.State
}

type candidate struct {
	hyp   int
	token int
	score float64
}

// Beam keeps the BeamSize best partial hypotheses per step, scoring them
// together with BatchScore, and returns up to NBest finished hypotheses
// ordered by descending score.
func Beam(ctx context.Context, scorer Scorer, memory device.Tensor, opts Options) ([]Hypothesis, error) {
	ctx, span := tracer.Start(ctx, "search.Beam")
	defer span.End()

	if opts.NBest == 0 {
		opts.NBest = 1
	}
	if opts.BeamSize <= 0 || opts.MaxLen <= 0 || opts.NBest < 0 {
		return nil, fmt.Errorf("%w: beam=%d maxlen=%d nbest=%d", ErrInvalidOptions, opts.BeamSize, opts.MaxLen, opts.NBest)
	}
	span.SetAttributes(
		attribute.Int("beam_size", opts.BeamSize),
		attribute.Int("max_len", opts.MaxLen),
	)

	beam := []running{{Hypothesis: Hypothesis{Tokens: []int{opts.SOS}}, state: scorer.InitState()}}
	var ended []Hypothesis

	for step := 0; step < opts.MaxLen && len(beam) > 0; step++ {
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return nil, ctx.Err()
		default:
		}

		ys := make([][]int, len(beam))
		states := make([]decoder.State, len(beam))
		for i, h := range beam {
			ys[i] = h.Tokens
			states[i] = h.state
		}
		xs := device.RepeatBatch(scorer.Backend(), memory, len(beam))

		scores, next, err := scorer.BatchScore(ys, states, xs)
		scorer.Backend().PutTensor(xs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch score failed")
			return nil, err
		}
		stepsTotal.WithLabelValues("beam").Inc()

		var cands []candidate
		for i, logp := range scores {
			for token, lp := range logp {
				cands = append(cands, candidate{hyp: i, token: token, score: beam[i].Score + float64(lp)})
			}
		}
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].score > cands[b].score })
		if len(cands) > opts.BeamSize {
			cands = cands[:opts.BeamSize]
		}

		var kept []running
		for _, c := range cands {
			tokens := append(append(make([]int, 0, len(beam[c.hyp].Tokens)+1), beam[c.hyp].Tokens...), c.token)
			h := Hypothesis{Tokens: tokens, Score: c.score}
			if c.token == opts.EOS {
				ended = append(ended, h)
				continue
			}
			kept = append(kept, running{Hypothesis: h, state: next[c.hyp]})
		}
		beam = kept

		if finished(ended, beam, opts.NBest) {
			break
		}
	}

	for _, h := range beam {
		ended = append(ended, Hypothesis{Tokens: append(h.Tokens, opts.EOS), Score: h.Score})
	}
	sort.SliceStable(ended, func(a, b int) bool { return ended[a].Score > ended[b].Score })
	if len(ended) > opts.NBest {
		ended = ended[:opts.NBest]
	}
	span.SetAttributes(attribute.Int("hypotheses", len(ended)))
	return ended, nil
}

// finished reports whether no running hypothesis can still enter the
// n best, since extending a hypothesis never raises its score.
func finished(ended []Hypothesis, beam []running, n int) bool {
	if len(beam) == 0 {
		return true
	}
	if len(ended) < n {
		return false
	}
	scores := make([]float64, len(ended))
	for i, h := range ended {
		scores[i] = h.Score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	best := beam[0].Score
	for _, h := range beam[1:] {
		best = max(best, h.Score)
	}
	return scores[n-1] >= best
}
