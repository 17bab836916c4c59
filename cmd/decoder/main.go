package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-decoder/internal/cache"
	"github.com/23skdu/longbow-decoder/internal/client"
	"github.com/23skdu/longbow-decoder/internal/decoder"
	"github.com/23skdu/longbow-decoder/internal/decoder/weights"
	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/search"
	"github.com/23skdu/longbow-decoder/internal/vocab"
)

var (
	configPath    = flag.String("config", "", "Path to decoder YAML config (defaults when empty)")
	weightsPath   = flag.String("weights", "", "Path to raw weights file (random init when empty)")
	useFP16       = flag.Bool("fp16", false, "Weights file stores fp16 values")
	vocabPath     = flag.String("vocab", "", "Path to token list, one token per line")
	beamSize      = flag.Int("beam", 4, "Beam size")
	maxLen        = flag.Int("maxlen", 32, "Maximum number of decoding steps")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	forwardAddr   = flag.String("forward", "", "Flight server address to forward hypotheses to (e.g. localhost:3000)")
	datasetName   = flag.String("dataset", "decoder_hypotheses", "Target dataset name on the forward server")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of concurrent hypotheses to score")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	frames        = flag.Int("frames", 50, "Frames of random encoder memory in CLI mode")
	seed          = flag.Uint64("seed", 0, "Seed for random weights and memory")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	dec, voc, err := buildDecoder(*configPath, *weightsPath, *vocabPath, *useFP16, *seed)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create decoder")
	}

	if *listenAddr != "" || *flightAddr != "" {
		serve(dec, voc)
		return
	}

	if err := decodeRandom(dec, voc); err != nil {
		log.Fatal().Err(err).Msg("Decoding failed")
	}
}

// buildDecoder assembles the decoder from flags. Without a vocabulary file
// a placeholder token list of the configured size is used.
func buildDecoder(cfgPath, wPath, vPath string, fp16 bool, seed uint64) (*decoder.TransformerDecoder, *vocab.Vocab, error) {
	var (
		voc *vocab.Vocab
		err error
	)
	if vPath != "" {
		if voc, err = vocab.Load(vPath); err != nil {
			return nil, nil, err
		}
	}

	var cfg decoder.Config
	switch {
	case cfgPath != "":
		if cfg, err = decoder.LoadConfig(cfgPath); err != nil {
			return nil, nil, err
		}
	case voc != nil:
		cfg = decoder.DefaultConfig(voc.Size(), 256)
		cfg.NumBlocks = 2
	default:
		cfg = decoder.DefaultConfig(32, 256)
		cfg.NumBlocks = 2
	}
	if seed != 0 {
		cfg.Seed = seed
	}

	if voc == nil {
		if voc, err = placeholderVocab(cfg.VocabSize); err != nil {
			return nil, nil, err
		}
	}
	if id, ok := voc.ID(vocab.SOSEOS); !ok || id != voc.EOS() {
		log.Warn().Str("token", vocab.SOSEOS).Msg("Token list does not end with the sos/eos token")
	}
	if voc.Size() != cfg.VocabSize {
		return nil, nil, fmt.Errorf("vocabulary has %d tokens, config expects %d", voc.Size(), cfg.VocabSize)
	}

	dec, err := decoder.New(cfg, device.NewCPUBackend())
	if err != nil {
		return nil, nil, err
	}

	if wPath == "" {
		log.Warn().Uint64("seed", cfg.Seed).Msg("No weights file given, using random weights")
		dec.InitWeights(cfg.Seed)
	} else {
		precision := weights.FP32
		if fp16 {
			precision = weights.FP16
		}
		if err := weights.NewLoader(dec, precision).LoadFromRawBinary(wPath); err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", wPath).Str("precision", string(precision)).Msg("Loaded weights")
	}
	dec.Eval()
	return dec, voc, nil
}

func placeholderVocab(size int) (*vocab.Vocab, error) {
	if size < 3 {
		return nil, fmt.Errorf("vocabulary size %d too small", size)
	}
	tokens := make([]string, size)
	tokens[0] = vocab.Blank
	tokens[1] = vocab.Unk
	for i := 2; i < size-1; i++ {
		tokens[i] = vocab.WordBoundary + strconv.Itoa(i)
	}
	tokens[size-1] = vocab.SOSEOS
	return vocab.New(tokens)
}

func serve(dec *decoder.TransformerDecoder, voc *vocab.Vocab) {
	store := cache.NewMapStore()

	var fc FlightClientInterface
	if *forwardAddr != "" {
		c, err := client.NewFlightClient(*forwardAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *forwardAddr).Msg("Connected to Flight Server")
		fc = c
	}

	if *listenAddr != "" {
		srv := NewServer(dec, voc, store, fc, *datasetName, *maxConcurrent, *beamSize, *maxLen)
		if *flightAddr == "" {
			startServer(*listenAddr, srv)
			return
		}
		go startServer(*listenAddr, srv)
	}
	StartFlightServer(*flightAddr, store)
}

// decodeRandom decodes one utterance of random memory and prints its n-best
// list. Hypotheses go to the forward server when one is set and to stdout
// as an Arrow IPC stream otherwise.
func decodeRandom(dec *decoder.TransformerDecoder, voc *vocab.Vocab) error {
	cfg := dec.Config()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	data := make([]float32, *frames*cfg.EncoderOutputSize)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	x := dec.Backend().NewTensor(*frames, cfg.EncoderOutputSize, data)

	start := time.Now()
	hyps, err := search.Beam(context.Background(), dec, x, search.Options{
		BeamSize: *beamSize,
		MaxLen:   *maxLen,
		SOS:      voc.SOS(),
		EOS:      voc.EOS(),
		NBest:    *beamSize,
	})
	if err != nil {
		return err
	}
	log.Info().
		Int("frames", *frames).
		Int("hypotheses", len(hyps)).
		Dur("elapsed", time.Since(start)).
		Msg("Decoded utterance")

	printNBest(os.Stderr, hyps, voc)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildHypotheses("random", hyps, voc.Decode)
	if err != nil {
		return err
	}
	defer rec.Release()

	if *forwardAddr == "" {
		return writeArrowStream(os.Stdout, rec)
	}

	log.Info().Str("server", *forwardAddr).Str("dataset", *datasetName).Msg("Sending hypotheses")
	flightClient, err := client.NewFlightClient(*forwardAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := flightClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	acks, err := flightClient.DoPut(ctx, *datasetName, rec)
	if err != nil {
		return fmt.Errorf("flight DoPut failed: %w", err)
	}
	log.Info().Int("acks", len(acks)).Msg("Successfully sent hypotheses")
	return nil
}

func printNBest(w io.Writer, hyps []search.Hypothesis, voc *vocab.Vocab) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"RANK", "SCORE", "TOKENS", "TEXT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, h := range hyps {
		table.Append([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(h.Score, 'f', 4, 64),
			strconv.Itoa(len(h.Tokens)),
			voc.Decode(h.Tokens),
		})
	}
	table.Render()
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-decoder"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
