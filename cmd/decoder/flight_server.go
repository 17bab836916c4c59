package main

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-decoder/internal/cache"
	"github.com/23skdu/longbow-decoder/internal/client"
)

// DecoderFlightServer receives encoder memories over DoPut and keeps them
// in a store for later /decode requests.
type DecoderFlightServer struct {
	flight.BaseFlightServer
	store cache.MemoryStore
	alloc memory.Allocator
}

func NewDecoderFlightServer(store cache.MemoryStore) *DecoderFlightServer {
	return &DecoderFlightServer{
		store: store,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *DecoderFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

// DoPut stores every utterance of every batch and acks each one with a
// CBOR encoded client.PutAck.
func (s *DecoderFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		mems, err := client.ReadMemories(rec)
		if err != nil {
			return fmt.Errorf("invalid memory batch: %w", err)
		}

		ids := make([]string, 0, len(mems))
		for id := range mems {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			m := mems[id]
			s.store.Put(id, m)
			meta, err := cbor.Marshal(client.PutAck{UtteranceID: id, Frames: m.Frames})
			if err != nil {
				return err
			}
			if err := stream.Send(&flight.PutResult{AppMetadata: meta}); err != nil {
				return err
			}
		}
		memoriesStored.Set(float64(s.store.Size()))
		log.Info().Int64("rows", rec.NumRows()).Int("utterances", len(ids)).Msg("DoPut stored memories")
	}
	return reader.Err()
}

func StartFlightServer(addr string, store cache.MemoryStore) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewDecoderFlightServer(store))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Decoder Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
