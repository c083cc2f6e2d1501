package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"manyeyes/pkg/log"
	"manyeyes/pkg/relayserver"

	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.StringP("addr", "a", ":8080", "Listen address")
	level := pflag.StringP("log-level", "l", "info", "Log level")
	pflag.Parse()

	if err := log.SetupLogger(*level); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()

	server := relayserver.NewServer(relayserver.ServerConfig{Addr: *addr})

	if err := server.ListenAndServe(ctx); err != nil {
		log.Fatal(err)
	}
}
