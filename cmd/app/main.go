package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"CoordScope/internal/di"
	"CoordScope/pkg/config"
	"CoordScope/pkg/server"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	goldenOnly := flag.Bool("golden", false, "run the golden calibration and exit; non-zero exit when a scenario fails")
	version := flag.Bool("version", false, "print the engine version and exit")
	flag.Parse()

	if *version {
		fmt.Println(server.Version)
		return
	}

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *checkOnly {
		fmt.Printf("config ok: env=%s partitions=%d\n", cfg.Environment, len(cfg.Engine.Cycle.Partitions))
		return
	}
	if *goldenOnly {
		os.Exit(runGolden(cfg))
	}

	log.Printf("coordscope %s env=%s clickhouse=%s:%d redis=%v kafka=%v",
		server.Version, cfg.Environment, cfg.ClickHouse.Host, cfg.ClickHouse.Port, cfg.Redis.Enabled, cfg.Kafka.Enabled)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}

// runGolden replays the synthetic scenarios without any infrastructure.
func runGolden(cfg *config.Config) int {
	l, err := di.ProvideLogger(cfg)
	if err != nil {
		log.Printf("logger: %v", err)
		return 2
	}
	rec, err := di.ProvideRecorder(cfg)
	if err != nil {
		log.Printf("recorder: %v", err)
		return 2
	}
	golden := di.ProvideGoldenCalibration(cfg, rec, di.ProvideMetrics(), l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	res, err := golden.Run(ctx)
	if err != nil {
		log.Printf("golden calibration: %v", err)
		return 2
	}
	code := 0
	for _, m := range res {
		fmt.Printf("%-12s expected=%-12s band=%-6s ci=%.3f p=%.4f passed=%v\n", m.Scenario, m.Expected, m.Band, m.CI, m.PValue, m.Passed)
		if !m.Passed {
			code = 1
		}
	}
	return code
}
