// Package app wires together configuration, logging, and the server
// components into a runnable process.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"

	"github.com/gabrieldiem/tp0-base/server/common"
)

var log = logging.MustGetLogger("app")

const betsFilePath = "bets.csv"

// Run loads configuration, brings up logging, starts the acceptor, and
// blocks until SIGINT/SIGTERM triggers a graceful shutdown. It returns a
// process exit code: 0 on clean termination, non-zero on configuration or
// bind failure.
func Run() int {
	cfg, err := LoadConfig()
	if err != nil {
		logging.MustGetLogger("app").Criticalf("action: config | result: fail | error: %v", err)
		return 1
	}

	configureLogging(cfg.LoggingLevel)

	log.Debugf(
		"action: config | result: success | port: %v | listen_backlog: %v | logging_level: %v | number_of_agencies: %v",
		cfg.Port, cfg.ListenBacklog, cfg.LoggingLevel, cfg.NumberOfAgencies,
	)

	store, err := common.NewBetStore(betsFilePath)
	if err != nil {
		log.Criticalf("action: init_store | result: fail | error: %v", err)
		return 1
	}

	monitor := common.NewLotteryMonitor(store)

	acceptor, err := common.NewAcceptor(cfg.Port, cfg.ListenBacklog, monitor, cfg.NumberOfAgencies)
	if err != nil {
		log.Criticalf("action: bind | result: fail | error: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan struct{})
	go func() {
		acceptor.Run()
		close(runDone)
	}()

	select {
	case <-ctx.Done():
		log.Infof("action: signal_received | result: success")
		acceptor.Shutdown()
		<-runDone
	case <-runDone:
	}

	log.Infof("action: server_shutdown | result: success")
	return 0
}

func configureLogging(level string) {
	format := logging.MustStringFormatter(
		"%{time:2006-01-02 15:04:05} %{level:.4s} %{message}",
	)
	backend := logging.NewLogBackend(os.Stdout, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(parseLevel(level), "")
	logging.SetBackend(leveled)
}

func parseLevel(level string) logging.Level {
	switch level {
	case "CRITICAL":
		return logging.CRITICAL
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "DEBUG":
		return logging.DEBUG
	default:
		return logging.INFO
	}
}
