// Command mnemod serves the Ingest Endpoint and runs the batch indexing
// and auto-save pipeline in-process, the way the teacher's cmd/caddy
// wraps the stock Caddy CLI around its own module.
package main

import (
	"fmt"
	"os"

	caddycmd "github.com/caddyserver/caddy/v2/cmd"
	flags "github.com/jessevdk/go-flags"

	// Standard Caddy modules (TLS, file server, etc.).
	_ "github.com/caddyserver/caddy/v2/modules/standard"

	// Registers the mnemo_indexing handler module.
	_ "github.com/giak/mnemo-lite/internal/ingest"

	"github.com/giak/mnemo-lite/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		runServe(os.Args[2:])
		return
	}
	caddycmd.Main()
}

func runServe(args []string) {
	var cfg config.ServeConfig
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "mnemod: %v\n", err)
		os.Exit(2)
	}

	caddyfilePath := cfg.CaddyfilePath
	if caddyfilePath == "" {
		tmp, err := os.CreateTemp("", "mnemo-Caddyfile.*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mnemod: failed to create temp Caddyfile: %v\n", err)
			os.Exit(1)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write([]byte(renderCaddyfile(cfg))); err != nil {
			fmt.Fprintf(os.Stderr, "mnemod: failed to write temp Caddyfile: %v\n", err)
			os.Exit(1)
		}
		if err := tmp.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "mnemod: failed to close temp Caddyfile: %v\n", err)
			os.Exit(1)
		}
		caddyfilePath = tmp.Name()
	}

	os.Args = []string{os.Args[0], "run", "--config", caddyfilePath}
	caddycmd.Main()
}

func renderCaddyfile(cfg config.ServeConfig) string {
	logBlock := ""
	if cfg.Dev {
		logBlock = "\tlog {\n\t\tformat console\n\t}\n"
	}
	return fmt.Sprintf(`{
	admin off
	auto_https off
%s}

%s {
	route /* {
		mnemo_indexing {
			redis_url %s
			deadletter_path %s
			db_url %s
			worker_binary %s
			worker_timeout %s
			max_retry_attempts %d
			metrics_interval %s
			batch_size %d
			approximate_cap %d
			status_ttl %s
			lock_ttl %s
		}
	}
}
`,
		logBlock,
		cfg.ListenAddr,
		cfg.RedisURL,
		cfg.DeadLetterPath,
		cfg.DBURL,
		cfg.WorkerBinary,
		cfg.WorkerTimeout,
		cfg.MaxRetryAttempts,
		cfg.MetricsInterval,
		cfg.BatchSize,
		cfg.ApproximateCap,
		cfg.StatusTTL,
		cfg.LockTTL,
	)
}
