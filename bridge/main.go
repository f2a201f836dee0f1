package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/env"
	"code.linksmart.eu/dt/serial-bridge/bridge/mqtt"
	"code.linksmart.eu/dt/serial-bridge/bridge/relay"
	"code.linksmart.eu/dt/serial-bridge/bridge/storage"
	"code.linksmart.eu/dt/serial-bridge/bridge/zeromq"
	"github.com/davecgh/go-spew/spew"
	"github.com/satori/go.uuid"
)

const shutdownTimeout = 5 * time.Second

func main() {
	conf, err := loadConf()
	if err != nil {
		log.Fatalf("Error loading config: %s", err)
	}

	logFile, err := setupLogger(conf.LogFile)
	if err != nil {
		log.Fatalf("Error opening log file: %s", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	log.Println("Started serial bridge")
	defer log.Println("bye.")
	if env.Debug {
		spew.Dump(conf)
	}

	store, err := storage.Start(conf.Storage)
	if err != nil {
		log.Fatalf("Error starting storage: %s", err)
	}
	defer store.Close()

	link := relay.NewLink(conf.upstreamAddr(), conf.reconnectDelay())
	r := relay.New(link, relay.NewHub(), store)

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		r.Run(ctx)
	}()

	api := newRESTAPI(store, r, conf.UIDir, conf.LEDKeywords)
	httpServer := startServer("RESTAPI", conf.HTTPPort, api.handler())
	wsServer := startServer("ws", conf.WebsocketPort, subscriberHandler(r))

	var mqttMirror *mqtt.Mirror
	if conf.MQTT.Broker != "" {
		mqttMirror, err = mqtt.StartMirror(conf.MQTT, "serial-bridge-"+uuid.NewV4().String(), r)
		if err != nil {
			log.Printf("mqtt: Error starting mirror: %s", err)
		}
	}

	var zmqMirror *zeromq.Mirror
	if conf.ZeroMQ.PubEndpoint != "" {
		zmqMirror, err = zeromq.StartMirror(conf.ZeroMQ, r)
		if err != nil {
			log.Printf("zeromq: Error starting mirror: %s", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, s := range []*http.Server{httpServer, wsServer} {
		err = s.Shutdown(shutdownCtx)
		if err != nil {
			log.Printf("Error shutting down server %s: %s", s.Addr, err)
		}
	}
	if mqttMirror != nil {
		mqttMirror.Close()
	}
	if zmqMirror != nil {
		err = zmqMirror.Close()
		if err != nil {
			log.Printf("zeromq: Error closing: %s", err)
		}
	}

	cancel()
	<-relayDone
}

// setupLogger configures the standard logger and duplicates it to path, if set
func setupLogger(path string) (*os.File, error) {
	flags := log.LstdFlags
	if env.Verbose {
		flags |= log.Lshortfile
	}
	if !env.LogTimestamps {
		flags &^= log.LstdFlags
	}
	log.SetFlags(flags)

	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

func startServer(name string, port int, handler http.Handler) *http.Server {
	s := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: handler,
	}
	go func() {
		log.Printf("%s: Binding to %s", name, s.Addr)
		err := s.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(fmt.Errorf("%s: %s", name, err))
		}
	}()
	return s
}
