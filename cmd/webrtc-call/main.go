// Command webrtc-call places and answers peer-to-peer calls signaled through
// a shared document store.
//
//	webrtc-call [flags] create          place a call and print its id
//	webrtc-call [flags] answer <id>     answer the call with that id
//	webrtc-call [flags] inspect <id>    print a call record and follow its candidates
//	webrtc-call [flags] demo            run caller and callee in one process
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

const usage = `usage: webrtc-call [flags] <command>

commands:
  create          place a call and print its id
  answer <id>     answer the call with that id
  inspect <id>    print a call record and follow its candidates
  demo            run caller and callee in one process over the memory store

run "webrtc-call -h" for flags.`

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, usage)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, logger, os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) int {
	if len(cfg.Args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	cmd, args := cfg.Args[0], cfg.Args[1:]

	var err error
	switch cmd {
	case "create":
		err = runCreate(ctx, cfg, logger, out)
	case "answer":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: webrtc-call answer <id>")
			return 2
		}
		err = runAnswer(ctx, cfg, logger, out, args[0])
	case "inspect":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: webrtc-call inspect <id>")
			return 2
		}
		err = runInspect(ctx, cfg, logger, out, args[0])
	case "demo":
		err = runDemo(ctx, cfg, logger, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		return 2
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd+" failed", "err", err)
		return 1
	}
	return 0
}
