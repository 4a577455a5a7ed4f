// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command coap-server runs the OSCORE/EDHOC-hardened CoAP engine over
// plain UDP, with flag-based configuration and logrus setup.
package main

import (
	"crypto/tls"
	"flag"
	"net"
	"os"

	piondtls "github.com/pion/dtls/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/engine"
	"github.com/oscore-coap/engine/logging"
	"github.com/oscore-coap/engine/metrics"
	"github.com/oscore-coap/engine/transport/dtlstransport"
)

var (
	listenAddr = flag.String("listen", ":5683", "UDP address to listen for CoAP datagrams on")
	configFile = flag.String("config", "", "Optional JSON configuration file overriding the defaults (config.LoadJSON)")
	proxyMode  = flag.Bool("proxy", false, "Enable the Hop-Limit proxy loop-breaker (RFC 8768) for forwarded requests")

	dtlsListenAddr = flag.String("dtls-listen", "", "Optional DTLS address to additionally listen on (e.g. :5684); requires -dtls-cert and -dtls-key")
	dtlsCertFile   = flag.String("dtls-cert", "", "PEM certificate for the DTLS listener")
	dtlsKeyFile    = flag.String("dtls-key", "", "PEM private key for the DTLS listener")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		doc, err := os.ReadFile(*configFile)
		if err != nil {
			logrus.WithError(err).Panicf("failed to read config file %s", *configFile)
		}
		cfg, err = config.LoadJSON(doc)
		if err != nil {
			logrus.WithError(err).Panicf("failed to parse config file %s", *configFile)
		}
	}

	log := logging.NewLogrus(logrus.StandardLogger())

	reg := prometheus.NewRegistry()
	metrics.MustRegisterGlobals(reg)

	// This reference binary runs OSCORE-less (aead=nil): wiring a real
	// AES-CCM-16-64-128 provider is a deployment decision left to the
	// embedder - see crypto/provider.go's package doc for why no
	// default AEAD ships here.
	e := engine.New(nil, config.WithConfig(cfg), config.WithLogger(log))
	e.ProxyMode = *proxyMode

	if *dtlsListenAddr != "" {
		cert, err := tls.LoadX509KeyPair(*dtlsCertFile, *dtlsKeyFile)
		if err != nil {
			logrus.WithError(err).Panicf("failed to load DTLS certificate %s / key %s", *dtlsCertFile, *dtlsKeyFile)
		}
		dtlsCfg := &piondtls.Config{
			Certificates:         []tls.Certificate{cert},
			ExtendedMasterSecret: piondtls.RequireExtendedMasterSecret,
		}
		go func() {
			log.Printf("coap-server DTLS listener on %s", *dtlsListenAddr)
			err := dtlstransport.ListenAndServe(*dtlsListenAddr, dtlsCfg, func(peer net.Addr, data []byte) []byte {
				outcome, err := e.HandleDatagram(peer, data)
				if err != nil {
					logrus.WithError(err).WithField("peer", peer.String()).Warn("failed to handle DTLS datagram")
					return nil
				}
				return outcome.Reply
			})
			logrus.WithError(err).Panic("DTLS listener failed")
		}()
	}

	conn, err := net.ListenPacket("udp", *listenAddr)
	if err != nil {
		logrus.WithError(err).Panicf("failed to listen on %s", *listenAddr)
	}
	defer conn.Close()
	log.Printf("coap-server listening on %s (proxy mode: %v)", *listenAddr, *proxyMode)

	buf := make([]byte, 64*1024)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			log.Printf("read error: %v", err)
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		go handle(e, conn, peer, datagram)
	}
}

func handle(e *engine.Engine, conn net.PacketConn, peer net.Addr, datagram []byte) {
	// Every datagram gets a correlation ID so the log lines of one
	// exchange can be grepped across goroutines.
	xlog := logging.NewExchange().Logger(logging.NewLogrus(logrus.StandardLogger())).WithField("peer", peer.String())

	outcome, err := e.HandleDatagram(peer, datagram)
	if err != nil {
		xlog.Printf("failed to handle datagram: %v", err)
		return
	}
	if outcome.Reply == nil {
		return
	}
	if _, err := conn.WriteTo(outcome.Reply, peer); err != nil {
		xlog.Printf("failed to write reply: %v", err)
	}
}
