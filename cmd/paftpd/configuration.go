// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/dtn7/paftp-go/agent"
	"github.com/dtn7/paftp-go/core"
	"github.com/dtn7/paftp-go/discovery"
	"github.com/dtn7/paftp-go/storage"
	"github.com/dtn7/paftp-go/transport"
	"github.com/dtn7/paftp-go/transport/quicdg"
	"github.com/dtn7/paftp-go/transport/udpnan"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Discovery discoveryConf
	Agents    agentsConf
	Listen    []transportConf
	Peer      []transportConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Store    string
	Instance uint32
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// agentsConf describes the application agents.
type agentsConf struct {
	Rest      agentConf
	Websocket agentConf
}

type agentConf struct {
	Listen string
}

// transportConf describes a transport block, used for "listen" and "peer".
type transportConf struct {
	Protocol string
	Endpoint string
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// parseLogging configures logrus from the Logging block.
func parseLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.WithFields(log.Fields{
			"format":   conf.Format,
			"provided": "text,json",
		}).Warn("Unknown logging format")
	}
}

// parseListen creates a transport Provider from a "listen" block, next to
// its discovery Announcement.
func parseListen(conv transportConf, instance uint32) (transport.Dialer, discovery.Announcement, error) {
	port, err := parseListenPort(conv.Endpoint)
	if err != nil {
		return nil, discovery.Announcement{}, err
	}

	switch conv.Protocol {
	case "udpnan":
		announcement := discovery.Announcement{
			Type:     discovery.UDPNAN,
			Instance: instance,
			Port:     uint(port),
		}
		return udpnan.NewTransport(conv.Endpoint, instance), announcement, nil

	case "quicdg":
		announcement := discovery.Announcement{
			Type:     discovery.QUICDG,
			Instance: instance,
			Port:     uint(port),
		}
		return quicdg.NewTransport(conv.Endpoint, instance), announcement, nil

	default:
		return nil, discovery.Announcement{}, fmt.Errorf("unknown listen.protocol %q", conv.Protocol)
	}
}

// parseCore builds the whole node from the given TOML configuration.
func parseCore(filename string) (layer *core.Layer, ds *discovery.Manager, agents []agent.Agent, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	parseLogging(conf.Logging)

	// Storage
	var store *storage.Store
	if conf.Core.Store != "" {
		if store, err = storage.NewStore(conf.Core.Store); err != nil {
			return
		}
	}

	layer = core.NewLayer(store)

	// Listen/transport Providers
	dialers := make(map[discovery.TransportType]transport.Dialer)
	var announcements []discovery.Announcement

	for _, conv := range conf.Listen {
		var (
			provider     transport.Dialer
			announcement discovery.Announcement
		)
		if provider, announcement, err = parseListen(conv, conf.Core.Instance); err != nil {
			return
		}
		if err = layer.RegisterTransport(provider); err != nil {
			return
		}

		dialers[announcement.Type] = provider
		announcements = append(announcements, announcement)
	}

	// Static peers
	for _, conv := range conf.Peer {
		var transportType discovery.TransportType
		switch conv.Protocol {
		case "udpnan":
			transportType = discovery.UDPNAN
		case "quicdg":
			transportType = discovery.QUICDG
		default:
			err = fmt.Errorf("unknown peer.protocol %q", conv.Protocol)
			return
		}

		dialer, known := dialers[transportType]
		if !known {
			err = fmt.Errorf("peer.protocol %q requires a matching listen block", conv.Protocol)
			return
		}

		if connErr := layer.Connect(dialer, conv.Endpoint); connErr != nil {
			log.WithFields(log.Fields{
				"peer":  conv.Endpoint,
				"error": connErr,
			}).Warn("Failed to establish a connection to peer")
		}
	}

	// Discovery
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		interval := conf.Discovery.Interval
		if interval == 0 {
			interval = 10
		}

		notify := func(announcement discovery.Announcement, addr string) {
			if announcement.Instance == conf.Core.Instance {
				return
			}

			dialer, known := dialers[announcement.Type]
			if !known {
				log.WithFields(log.Fields{
					"peer": addr,
					"type": announcement.Type,
				}).Warn("Announcement's transport is unknown or unsupported")
				return
			}

			peerAddress := net.JoinHostPort(addr, fmt.Sprintf("%d", announcement.Port))
			if connErr := layer.Connect(dialer, peerAddress); connErr != nil {
				log.WithFields(log.Fields{
					"peer":  peerAddress,
					"error": connErr,
				}).Debug("Connecting to discovered peer errored")
			}
		}

		ds, err = discovery.NewManager(announcements, notify,
			interval, conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	// Application agents
	if conf.Agents.Rest.Listen != "" {
		agents = append(agents, agent.NewRESTAgent(layer, conf.Agents.Rest.Listen))
	}
	if conf.Agents.Websocket.Listen != "" {
		agents = append(agents, agent.NewWebSocketAgent(layer, conf.Agents.Websocket.Listen))
	}

	return
}
