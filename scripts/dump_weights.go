//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/23skdu/longbow-decoder/internal/decoder"
	"github.com/23skdu/longbow-decoder/internal/decoder/weights"
	"github.com/23skdu/longbow-decoder/internal/device"
)

// WeightDump holds the summary of a loaded tensor for verification
type WeightDump struct {
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	FirstFew []float32 `json:"first_few"`
	LastFew  []float32 `json:"last_few"`
	Sum      float32   `json:"sum"`
}

func main() {
	configPath := flag.String("config", "", "Path to decoder YAML config")
	weightsPath := flag.String("weights", "", "Path to weights binary (random init when empty)")
	fp16 := flag.Bool("fp16", false, "Weights are stored as fp16")
	out := flag.String("out", "", "Also write the weights to this path")
	seed := flag.Uint64("seed", 1, "Seed for random init")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("-config is required")
	}
	cfg, err := decoder.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	m, err := decoder.New(cfg, device.NewCPUBackend())
	if err != nil {
		log.Fatalf("Failed to create decoder: %v", err)
	}

	precision := weights.FP32
	if *fp16 {
		precision = weights.FP16
	}
	if *weightsPath == "" {
		m.InitWeights(*seed)
	} else if err := weights.NewLoader(m, precision).LoadFromRawBinary(*weightsPath); err != nil {
		log.Fatalf("Failed to load weights: %v", err)
	}

	dumps := []WeightDump{}
	for _, group := range m.ParamGroups() {
		for i, t := range group.Params {
			r, c := t.Dims()
			data := t.ToHost()

			wd := WeightDump{Name: fmt.Sprintf("%s.%d", group.Name, i), Rows: r, Cols: c}
			if len(data) > 0 {
				count := min(5, len(data))
				wd.FirstFew = data[:count]
				wd.LastFew = data[len(data)-count:]
				for _, v := range data {
					wd.Sum += v
				}
			}
			dumps = append(dumps, wd)
		}
	}

	if *out != "" {
		if err := weights.NewSaver(m, precision).SaveToRawBinary(*out); err != nil {
			log.Fatalf("Failed to save weights: %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatal(err)
	}
}
