// Command distqe-worker is the symmetric worker process (spec.md §6
// "CLI (worker)"): it parses its flags, assembles a workerproc.Worker,
// and runs until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chapterhouse/distqe/cmn/config"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/workerproc"
)

func logFlush() {
	for {
		time.Sleep(time.Minute)
		nlog.Flush()
	}
}

func main() {
	cfg, err := config.ParseWorker(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-worker:", err)
		os.Exit(1)
	}
	if level, ok := nlog.ParseLevel(cfg.LogLevel); ok {
		nlog.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandler(cancel)
	go logFlush()

	w, err := workerproc.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-worker:", err)
		os.Exit(1)
	}

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		nlog.Flush(true)
		fmt.Fprintln(os.Stderr, "distqe-worker:", err)
		os.Exit(1)
	}
	w.Stop()
	nlog.Flush(true)
}

func installSignalHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
}
