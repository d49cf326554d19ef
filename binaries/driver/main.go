package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/endpoints"
	"github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/log/helpers"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/scheduler/config"
	"github.com/twitter/gridsched/scheduler/server"
)

func main() {
	configFlag := flag.String("config", "local.memory", "Driver Config (a built-in name like local.memory, a .json/.toml file or JSON text)")
	logLevelFlag := flag.String("log_level", "info", "Log everything at this level and above (error|info|debug)")
	jobsFlag := flag.String("jobs", "", "JSON file of jobs to submit; the driver exits once they all completed")
	timeoutFlag := flag.Duration("timeout", 0, "Give up on the submitted jobs after this long (0 waits forever)")
	httpAddrFlag := flag.String("http_addr", "", "Serve /health and /admin/metrics.json on this address, disabled when empty")
	flag.Parse()

	if err := helpers.SetupLogging(*logLevelFlag); err != nil {
		log.Error(err)
		os.Exit(int(errors.GenericFailureExitCode))
	}
	if err := run(*configFlag, *jobsFlag, *httpAddrFlag, *timeoutFlag); err != nil {
		log.Error(err)
		os.Exit(int(errors.ExitCodeOf(err)))
	}
}

func run(configFlag, jobsFile, httpAddr string, timeout time.Duration) error {
	configs, err := config.ReadConfig(configFlag)
	if err != nil {
		return errors.NewError(err, errors.ConfigParseFailureExitCode)
	}
	log.Infof("Driver configuration: %s", configs)

	var jobs []JobSpec
	if jobsFile != "" {
		if jobs, err = ReadJobs(jobsFile); err != nil {
			return errors.NewError(err, errors.ConfigReadFailureExitCode)
		}
	}

	stat := stats.DefaultStatsReceiver().Precision(time.Millisecond)
	d, closer, err := createDriver(configs, stat)
	if err != nil {
		return errors.NewError(err, errors.DriverStartFailureExitCode)
	}
	defer closer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if sig, ok := <-sigCh; ok {
			log.Infof("Received %v, stopping driver", sig)
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	if httpAddr != "" {
		go func() {
			if err := endpoints.NewAdminServer(httpAddr, stat).Serve(ctx); err != nil {
				log.Errorf("Admin server stopped: %v", err)
			}
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	if len(jobs) > 0 {
		waitCtx := ctx
		if timeout > 0 {
			var waitCancel context.CancelFunc
			waitCtx, waitCancel = context.WithTimeout(ctx, timeout)
			defer waitCancel()
		}
		err = SubmitAndWait(waitCtx, d, jobs, os.Stdout)
		cancel()
	}
	<-runErr
	fmt.Fprintf(os.Stderr, "%s\n", stat.Render(true))
	return err
}

// createDriver wires the configured cluster, transport and policy cache
// into a driver. The returned func releases the cluster subscription.
func createDriver(configs *config.JSONConfigs, stat stats.StatsReceiver) (*server.Driver, func(), error) {
	driverConfig, err := configs.Driver.CreateDriverConfig()
	if err != nil {
		return nil, nil, err
	}
	transport, err := configs.Driver.CreateTransport()
	if err != nil {
		return nil, nil, err
	}
	cache, err := configs.Policy.CreateCache(stat)
	if err != nil {
		return nil, nil, err
	}
	cl, err := configs.Cluster.Create()
	if err != nil {
		return nil, nil, err
	}
	sub := cl.Subscribe()
	d := server.NewDriver(driverConfig, sub.InitialMembers, sub.Updates, transport, cache, stat)
	return d, func() {
		sub.Closer.Close()
		cl.Close()
	}, nil
}
