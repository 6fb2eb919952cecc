package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promosched/internal/app"
	"promosched/internal/config"
)

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal env:", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		fmt.Println("fatal start:", err)
		stop(a, app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.ReasonForSignal(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stop(a, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		fmt.Println("stop:", err)
	}
}
