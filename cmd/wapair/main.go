// Command wapair links a session from the terminal. The credentials land in
// the same per-session store the service restores at boot.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/session"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.uber.org/zap"
)

var (
	conffile = flag.String("c", "", "config yaml file")
	id       = flag.String("id", "", "session id to pair")
	timeout  = flag.Duration("timeout", 3*time.Minute, "give up after this long")
)

func main() {
	flag.Parse()
	if *id == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := pair(); err != nil {
		fmt.Fprintln(os.Stderr, "wapair:", err)
		os.Exit(1)
	}
}

func pair() error {
	cfg, err := config.LoadConfig(*conffile)
	if err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer zap.ReplaceGlobals(logger)()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	events := make(chan interface{}, 16)
	emit := func(ev interface{}) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	h, err := whatsapp.NewProvider(cfg.GetSessionsDir()).Acquire(ctx, *id, emit)
	if err != nil {
		return err
	}
	defer h.Disconnect()
	if err := h.Connect(); err != nil {
		return err
	}

	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case session.PairingCode:
				fmt.Println("Scan with WhatsApp > Linked devices:")
				session.PrintQR(e.Code)
			case session.Opened:
				fmt.Printf("Session %s linked as %s\n", *id, e.JID)
				return nil
			case session.Closed:
				if e.Err != nil {
					return fmt.Errorf("pairing failed (%d): %w", e.Cause, e.Err)
				}
				return fmt.Errorf("pairing failed (%d)", e.Cause)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
