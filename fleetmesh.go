package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fleetmesh/fleetmesh/broker"
	"github.com/fleetmesh/fleetmesh/logging"
	"github.com/fleetmesh/fleetmesh/pairing"
	"github.com/fleetmesh/fleetmesh/registry"
	"github.com/fleetmesh/fleetmesh/rest"
	"github.com/fleetmesh/fleetmesh/server"
	"github.com/fleetmesh/fleetmesh/store"
	"github.com/fleetmesh/fleetmesh/telemetry"
	"github.com/fleetmesh/fleetmesh/ws"
)

//convenient global values
const (
	applicationName = "fleetmesh"

	addressKey                  = "address"
	staticDirectoryKey          = "staticDirectory"
	databaseFileKey             = "databaseFile"
	telemetryDirectoryKey       = "telemetryDirectory"
	telemetryFlushIntervalKey   = "telemetryFlushInterval"
	pairingBroadcastIntervalKey = "pairingBroadcastInterval"
	handshakeTimeoutKey         = "handshakeTimeout"
	logJSONKey                  = "log.json"
	logLevelKey                 = "log.level"
)

var defaults = map[string]interface{}{
	addressKey:                  ":3000",
	staticDirectoryKey:          "public",
	databaseFileKey:             "data/state.db",
	telemetryDirectoryKey:       "data/telemetry",
	telemetryFlushIntervalKey:   "5s",
	pairingBroadcastIntervalKey: "1s",
	handshakeTimeoutKey:         "5s",
	logJSONKey:                  false,
	logLevelKey:                 "info",
}

func fleetmesh(arguments []string) (exitCode int) {

	var (
		f = pflag.NewFlagSet(applicationName, pflag.ContinueOnError)
		v = viper.New()
	)

	configFile := f.StringP("file", "f", "", "configuration file")
	if err := f.Parse(arguments[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to parse arguments: %s\n", err.Error())
		return 1
	}

	for k, value := range defaults {
		v.SetDefault(k, value)
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to read configuration: %s\n", err.Error())
			return 1
		}
	}

	logger := logging.New(&logging.Options{
		JSON:  v.GetBool(logJSONKey),
		Level: v.GetString(logLevelKey),
	})

	var (
		infoLogger  = logging.Info(logger)
		errorLogger = logging.Error(logger)
	)

	infoLogger.Log("configurationFile", v.ConfigFileUsed())

	db, err := store.Open(v.GetString(databaseFileKey))
	if err != nil {
		errorLogger.Log(logging.MessageKey(), "unable to open state database", logging.ErrorKey(), err)
		return 1
	}
	defer db.Close()

	writer := telemetry.NewWriter(
		v.GetString(telemetryDirectoryKey),
		v.GetDuration(telemetryFlushIntervalKey),
	)
	defer writer.Close()

	var (
		pairingService = pairing.NewService(db, logger)
		peerRegistry   = registry.New(db, logger)
		router         = broker.New(peerRegistry, pairingService, db, writer, logger)
		broadcaster    = broker.NewBroadcaster(
			peerRegistry,
			pairingService,
			v.GetDuration(pairingBroadcastIntervalKey),
			logger,
		)
	)

	r := mux.NewRouter()

	rest.ConfigHandler(&rest.Options{
		R:       r,
		Pairing: pairingService,
		Store:   db,
		Log:     logger,
	})

	r.PathPrefix("/").Handler(&rest.StaticHandler{
		Root: v.GetString(staticDirectoryKey),
	})

	srv := server.New(&server.Options{
		Address:          v.GetString(addressKey),
		Handler:          r,
		PeerHandler:      func(peer *ws.Conn) { router.HandlePeer(peer) },
		HandshakeTimeout: v.GetDuration(handshakeTimeoutKey),
		Log:              logger,
	})

	shutdown := make(chan struct{})
	go broadcaster.Run(shutdown)

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- srv.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErrors:
		if err != nil {
			errorLogger.Log(logging.MessageKey(), "unable to serve", logging.ErrorKey(), err)
			close(shutdown)
			return 4
		}
	case s := <-signals:
		errorLogger.Log(logging.MessageKey(), "exiting due to signal", "signal", s)
	}

	close(shutdown)
	srv.Close()

	// give buffered telemetry a moment to reach disk
	flushDone := make(chan struct{})
	go func() {
		writer.Flush()
		close(flushDone)
	}()
	select {
	case <-flushDone:
	case <-time.After(2 * time.Second):
	}

	return 0
}

func main() {
	os.Exit(fleetmesh(os.Args))
}
