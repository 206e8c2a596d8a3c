// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// paftpd is the PAFTP daemon: it listens on the configured datagram
// transports, discovers peers, answers capability handshakes and exposes
// established connections to applications through its agents.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchConfiguration hints at a needed restart if the configuration file
// changes while the daemon is running.
func watchConfiguration(filename string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("Creating configuration watcher errored")
		return nil
	}

	if err := watcher.Add(filename); err != nil {
		log.WithError(err).WithField("file", filename).Warn("Watching configuration errored")
		_ = watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != 0 {
					log.WithField("file", event.Name).Warn(
						"Configuration file changed; restart paftpd to apply")
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return watcher
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	layer, ds, agents, err := parseCore(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse configuration")
	}

	watcher := watchConfiguration(os.Args[1])

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.WithField("signal", sig).Info("Shutting down")

	if watcher != nil {
		_ = watcher.Close()
	}
	if ds != nil {
		ds.Close()
	}
	for _, a := range agents {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Closing agent errored")
		}
	}
	if err := layer.Close(); err != nil {
		log.WithError(err).Warn("Closing layer errored")
	}
}
