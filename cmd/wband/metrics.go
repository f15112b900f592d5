package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
	"github.com/ethereum/go-ethereum/metrics/influxdb"
	"github.com/urfave/cli/v2"

	"github.com/wbanano/wban-bridge/internal/flags"
)

var (
	metricsFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: flags.MetricsCategory,
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:     "metrics.addr",
		Usage:    "Enable stand-alone metrics HTTP server listening interface",
		Category: flags.MetricsCategory,
	}
	metricsPortFlag = &cli.IntFlag{
		Name:     "metrics.port",
		Usage:    "Metrics HTTP server listening port",
		Value:    6060,
		Category: flags.MetricsCategory,
	}
	metricsInfluxDBFlag = &cli.BoolFlag{
		Name:     "metrics.influxdb",
		Usage:    "Enable metrics export to an InfluxDB (v1) database",
		Category: flags.MetricsCategory,
	}
	metricsInfluxDBEndpointFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.endpoint",
		Usage:    "InfluxDB API endpoint to report metrics to",
		Value:    "http://localhost:8086",
		Category: flags.MetricsCategory,
	}
	metricsInfluxDBDatabaseFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.database",
		Usage:    "InfluxDB database name to push reported metrics to",
		Value:    "wban",
		Category: flags.MetricsCategory,
	}
	metricsInfluxDBUsernameFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.username",
		Usage:    "Username to authorize access to the database",
		Category: flags.MetricsCategory,
	}
	metricsInfluxDBPasswordFlag = &cli.StringFlag{
		Name:     "metrics.influxdb.password",
		Usage:    "Password to authorize access to the database",
		Category: flags.MetricsCategory,
	}
)

var metricsFlags = []cli.Flag{
	metricsFlag,
	metricsAddrFlag,
	metricsPortFlag,
	metricsInfluxDBFlag,
	metricsInfluxDBEndpointFlag,
	metricsInfluxDBDatabaseFlag,
	metricsInfluxDBUsernameFlag,
	metricsInfluxDBPasswordFlag,
}

// setupMetrics starts the configured reporters. Flags win over the config
// file so an operator can toggle reporting per invocation.
func setupMetrics(ctx *cli.Context, cfg *metrics.Config) {
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Enabled = ctx.Bool(metricsFlag.Name)
	}
	if !metrics.Enabled && !cfg.Enabled {
		return
	}
	log.Info("Enabling metrics collection")
	go metrics.CollectProcessMetrics(3 * time.Second)

	addr := cfg.HTTP
	if ctx.IsSet(metricsAddrFlag.Name) {
		addr = ctx.String(metricsAddrFlag.Name)
	}
	if addr != "" {
		endpoint := fmt.Sprintf("%s:%d", addr, ctx.Int(metricsPortFlag.Name))
		log.Info("Enabling stand-alone metrics HTTP endpoint", "address", endpoint)
		exp.Setup(endpoint)
	}

	if ctx.Bool(metricsInfluxDBFlag.Name) || cfg.EnableInfluxDB {
		endpoint := ctx.String(metricsInfluxDBEndpointFlag.Name)
		database := ctx.String(metricsInfluxDBDatabaseFlag.Name)
		log.Info("Enabling metrics export to InfluxDB", "endpoint", endpoint, "database", database)
		go influxdb.InfluxDBWithTags(metrics.DefaultRegistry, 10*time.Second, endpoint, database,
			ctx.String(metricsInfluxDBUsernameFlag.Name), ctx.String(metricsInfluxDBPasswordFlag.Name),
			"wban.", map[string]string{"host": "bridge"})
	}
}
