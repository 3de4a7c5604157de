// Parley is a peer messaging core: a signaling hub with a sqlite-backed
// conversation store, and a headless client that can exchange messages
// and negotiate calls through it.
//
//	parley hub    -config parley.json
//	parley client -hub http://localhost:9090 -user alice
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/parley-im/parley/internal/call"
	"github.com/parley-im/parley/internal/client"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/hub"
	"github.com/parley-im/parley/internal/store"
)

var log = logging.Logger("main")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "hub":
		err = runHub(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: parley hub [-config FILE] | parley client [flags]")
}

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	configPath := fs.String("config", "parley.json", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	config.ApplyLogLevel(cfg.Log.Level)

	db, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	// Log level follows the config file live; everything else requires a
	// restart.
	stopWatch, err := config.Watch(*configPath, func(next *config.Config) {
		config.ApplyLogLevel(next.Log.Level)
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(cfg.Hub, db)
	return h.Serve(ctx, cfg.Hub.Bind)
}

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	hubURL := fs.String("hub", "http://127.0.0.1:9090", "hub base URL")
	userID := fs.String("user", "", "user id to connect as")
	logLevel := fs.String("log", "info", "log level")
	autoAccept := fs.Bool("auto-accept", false, "accept incoming calls without prompting")
	ringTimeout := fs.Duration("ring-timeout", 0, "end unanswered calls after this duration (0 = never)")
	fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("client: -user is required")
	}
	config.ApplyLogLevel(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	media := call.NewEngine(nil, 30*time.Second)
	callOpts := []call.Option{
		call.WithStateHandler(func(peer string, st call.State) {
			log.Infof("call with %s: %s", peer, st)
		}),
	}
	if *ringTimeout > 0 {
		callOpts = append(callOpts, call.WithRingTimeout(*ringTimeout))
	}

	p, err := client.Connect(ctx, *hubURL, *userID, media, callOpts,
		client.WithPresenceHandler(func(online []string) {
			log.Infof("online: %v", online)
		}))
	if err != nil {
		return err
	}
	defer p.Close()

	p.Calls.OnIncoming(func(ic *call.IncomingCall) {
		if *autoAccept {
			log.Infof("accepting %s call from %s", ic.CallType, ic.Peer)
			if err := ic.Accept(); err != nil {
				log.Warnf("accept call from %s: %v", ic.Peer, err)
			}
			return
		}
		log.Infof("declining %s call from %s (run with -auto-accept to answer)", ic.CallType, ic.Peer)
		ic.Decline()
	})

	log.Infof("client %s ready", *userID)
	select {
	case <-ctx.Done():
	case <-p.Conn.Done():
		return fmt.Errorf("connection to hub lost")
	}
	return nil
}
