// Command mnemo-worker is the Isolated Worker (spec §4.7): a short-lived
// subprocess, spawned once per batch by the Worker Supervisor, that
// parses, chunks, embeds and upserts every file in its batch, then
// writes a single JSON result line to the last line of its standard
// output before exiting.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/giak/mnemo-lite/internal/config"
	"github.com/giak/mnemo-lite/internal/store"
	"github.com/giak/mnemo-lite/internal/worker"
)

func main() {
	var cfg config.WorkerConfig
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "subprocess argument error: %v\n", err)
		os.Exit(2)
	}

	files := strings.Split(cfg.Files, ",")
	for i, f := range files {
		files[i] = strings.TrimSpace(f)
	}

	st, err := store.OpenDuckDBStore(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connection error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	args := worker.Args{Repository: cfg.Repository, DBURL: cfg.DBURL, Files: files}
	result := worker.Run(context.Background(), args, st, chunkFile, embedTexts)

	line, err := worker.EncodeResult(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "critical error: failed to encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(line)
}
