package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-decoder/internal/cache"
	"github.com/23skdu/longbow-decoder/internal/client"
	"github.com/23skdu/longbow-decoder/internal/decoder"
	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/search"
	"github.com/23skdu/longbow-decoder/internal/vocab"
)

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) ([]client.PutAck, error)
	Close() error
}

// ScoreRequest scores the next token of each prefix against a single
// utterance memory. Prefixes come from Tokens, or when Tokens is empty
// from Text encoded with the vocabulary after sos. All prefixes must have
// the same length.
type ScoreRequest struct {
	Tokens [][]int     `cbor:"tokens,omitempty"`
	Text   []string    `cbor:"text,omitempty"`
	Memory [][]float32 `cbor:"memory"`
}

type ScoreResponse struct {
	RequestID string      `cbor:"request_id"`
	LogP      [][]float32 `cbor:"logp"`
}

// Utterance names a stored memory by UtteranceID or carries it inline.
type Utterance struct {
	UtteranceID string      `cbor:"utterance_id,omitempty"`
	Memory      [][]float32 `cbor:"memory,omitempty"`
}

type DecodeRequest struct {
	Utterances []Utterance `cbor:"utterances"`
	Beam       int         `cbor:"beam"`
	NBest      int         `cbor:"nbest"`
}

type HypothesisResult struct {
	Tokens []int   `cbor:"tokens"`
	Score  float64 `cbor:"score"`
	Text   string  `cbor:"text"`
}

type DecodeResult struct {
	UtteranceID string             `cbor:"utterance_id"`
	Hypotheses  []HypothesisResult `cbor:"hypotheses"`
}

type DecodeResponse struct {
	RequestID string         `cbor:"request_id"`
	Results   []DecodeResult `cbor:"results"`
}

var errUnknownUtterance = errors.New("unknown utterance")

type Server struct {
	scorer       search.Scorer
	vocab        *vocab.Vocab
	store        cache.MemoryStore
	flightClient FlightClientInterface
	breaker      *client.CircuitBreaker
	datasetName  string
	alloc        memory.Allocator
	sem          *semaphore.Weighted
	semSize      int
	beam         int
	maxLen       int
}

func NewServer(scorer search.Scorer, v *vocab.Vocab, store cache.MemoryStore, fc FlightClientInterface, dataset string, maxConcurrent, beam, maxLen int) *Server {
	return &Server{
		scorer:       scorer,
		vocab:        v,
		store:        store,
		flightClient: fc,
		breaker:      client.NewCircuitBreaker("forward", 5, 30*time.Second),
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		semSize:      maxConcurrent,
		beam:         beam,
		maxLen:       maxLen,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/score", s.handleScore)
	mux.HandleFunc("/decode", s.handleDecode)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting Decoder Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding hypotheses to Flight server")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("longbow-decoder-server")

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScore")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("score").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScoreRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Tokens) == 0 {
		for _, text := range req.Text {
			req.Tokens = append(req.Tokens, append([]int{s.vocab.SOS()}, s.vocab.Encode(text)...))
		}
	}
	if len(req.Tokens) == 0 {
		http.Error(w, "Bad Request: no token prefixes", http.StatusBadRequest)
		return
	}
	if len(req.Tokens) > s.semSize {
		http.Error(w, fmt.Sprintf("Bad Request: %d prefixes exceed the limit of %d", len(req.Tokens), s.semSize), http.StatusBadRequest)
		return
	}
	mem, err := memoryFromRows(req.Memory)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.Int("prefix_count", len(req.Tokens)),
	)

	weight := int64(len(req.Tokens))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	backend := s.scorer.Backend()
	xs := device.RepeatBatch(backend, backend.NewTensor(mem.Frames, mem.Dim, mem.Data), len(req.Tokens))
	logp, _, err := s.scorer.BatchScore(req.Tokens, make([]decoder.State, len(req.Tokens)), xs)
	backend.PutTensor(xs)
	if err != nil {
		span.RecordError(err)
		writeDecoderError(w, err)
		return
	}

	writeCBOR(w, ScoreResponse{RequestID: requestID, LogP: logp})
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleDecode")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecodeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.Int("utterance_count", len(req.Utterances)),
	)

	opts := search.Options{
		BeamSize: s.beam,
		MaxLen:   s.maxLen,
		SOS:      s.vocab.SOS(),
		EOS:      s.vocab.EOS(),
		NBest:    req.NBest,
	}
	if req.Beam > 0 {
		opts.BeamSize = req.Beam
	}

	results := make([]DecodeResult, len(req.Utterances))
	g, gctx := errgroup.WithContext(ctx)
	for i, utt := range req.Utterances {
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			id, hyps, err := s.decodeUtterance(gctx, utt, opts)
			if err != nil {
				return err
			}
			results[i] = DecodeResult{UtteranceID: id, Hypotheses: s.hypothesisResults(hyps)}
			utterancesDecoded.Inc()

			if s.flightClient != nil {
				if err := s.forward(gctx, id, hyps); err != nil {
					log.Error().Err(err).Str("utterance_id", id).Msg("Error forwarding hypotheses")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		writeDecoderError(w, err)
		return
	}

	writeCBOR(w, DecodeResponse{RequestID: requestID, Results: results})
}

func (s *Server) decodeUtterance(ctx context.Context, utt Utterance, opts search.Options) (string, []search.Hypothesis, error) {
	id := utt.UtteranceID
	var mem cache.Memory
	switch {
	case utt.Memory != nil:
		m, err := memoryFromRows(utt.Memory)
		if err != nil {
			return "", nil, err
		}
		mem = m
		if id == "" {
			id = uuid.NewString()
		}
	case id != "":
		m, ok := s.store.Get(id)
		if !ok {
			return "", nil, fmt.Errorf("%w %q", errUnknownUtterance, id)
		}
		mem = m
	default:
		return "", nil, fmt.Errorf("%w: utterance has neither id nor memory", decoder.ErrShapeMismatch)
	}

	x := s.scorer.Backend().NewTensor(mem.Frames, mem.Dim, mem.Data)
	hyps, err := search.Beam(ctx, s.scorer, x, opts)
	if err != nil {
		return "", nil, fmt.Errorf("utterance %s: %w", id, err)
	}
	return id, hyps, nil
}

func (s *Server) hypothesisResults(hyps []search.Hypothesis) []HypothesisResult {
	out := make([]HypothesisResult, len(hyps))
	for i, h := range hyps {
		out[i] = HypothesisResult{Tokens: h.Tokens, Score: h.Score, Text: s.vocab.Decode(h.Tokens)}
	}
	return out
}

func (s *Server) forward(ctx context.Context, uttID string, hyps []search.Hypothesis) error {
	rb, err := client.NewRecordBatchBuilder(s.alloc).BuildHypotheses(uttID, hyps, s.vocab.Decode)
	if err != nil || rb == nil {
		return err
	}
	defer rb.Release()

	return s.breaker.Do(func() error {
		_, err := s.flightClient.DoPut(ctx, s.datasetName, rb)
		return err
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// memoryFromRows flattens a frame list into a Memory, rejecting empty or
// ragged input.
func memoryFromRows(rows [][]float32) (cache.Memory, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return cache.Memory{}, fmt.Errorf("%w: empty memory", decoder.ErrShapeMismatch)
	}
	dim := len(rows[0])
	data := make([]float32, 0, len(rows)*dim)
	for i, row := range rows {
		if len(row) != dim {
			return cache.Memory{}, fmt.Errorf("%w: frame %d has %d features, want %d", decoder.ErrShapeMismatch, i, len(row), dim)
		}
		data = append(data, row...)
	}
	return cache.Memory{Frames: len(rows), Dim: dim, Data: data}, nil
}

func writeDecoderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownUtterance):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, decoder.ErrShapeMismatch),
		errors.Is(err, decoder.ErrTokenOutOfRange),
		errors.Is(err, search.ErrInvalidOptions):
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg("Decoding failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func writeCBOR(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
