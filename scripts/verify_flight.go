//go:build ignore

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-decoder/internal/client"
)

// Uploads random encoder memories to a decoder Flight server and checks
// that every utterance is acked.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	dim := 256
	if len(os.Args) > 2 {
		d, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid memory width")
		}
		dim = d
	}

	log.Info().Str("addr", addr).Msg("Connecting to Decoder Flight Server")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator())
	rng := rand.New(rand.NewPCG(1, 2))
	for u := 0; u < 3; u++ {
		id := fmt.Sprintf("verify-%d", u)
		frames := make([][]float32, 20+u*10)
		for i := range frames {
			frames[i] = make([]float32, dim)
			for j := range frames[i] {
				frames[i][j] = float32(rng.NormFloat64())
			}
		}

		rec, err := builder.BuildMemory(id, frames)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build memory record")
		}

		start := time.Now()
		acks, err := c.DoPut(context.Background(), "memories", rec)
		rec.Release()
		if err != nil {
			log.Fatal().Err(err).Msg("DoPut failed")
		}
		if len(acks) != 1 || acks[0].UtteranceID != id || acks[0].Frames != len(frames) {
			log.Fatal().Interface("acks", acks).Msg("Unexpected acks")
		}
		log.Info().Str("utterance_id", id).Int("frames", acks[0].Frames).Dur("elapsed", time.Since(start)).Msg("Memory stored")
	}

	fmt.Println("VERIFICATION PASSED")
}
