package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/halvorsen/vtsd/internal/config"
	"github.com/halvorsen/vtsd/internal/flow"
	"github.com/halvorsen/vtsd/internal/ident"
	"github.com/halvorsen/vtsd/internal/metrics"
	"github.com/halvorsen/vtsd/internal/netio"
	"github.com/halvorsen/vtsd/internal/reactor"
	"github.com/halvorsen/vtsd/internal/tlsbridge"
	"github.com/halvorsen/vtsd/internal/vlog"
	"github.com/halvorsen/vtsd/internal/vop"
	"github.com/halvorsen/vtsd/internal/vts"
	"github.com/halvorsen/vtsd/internal/x509obj"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vtsd daemon",
	Long: `serve loads configuration, starts the reactor and a TCP listener, and
dispatches each accepted connection through the VOP multiplexer to
whichever secure transport its leading bytes select.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "override config's listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	log := vlog.New(vlog.Config{Level: cfg.Log.Level, Pattern: cfg.Log.Pattern})
	vlog.SetDefault(log)

	r, err := reactor.New(log)
	if err != nil {
		return fmt.Errorf("serve: reactor: %w", err)
	}
	go func() {
		if err := r.Run(); err != nil {
			log.Errorf("serve: reactor exited: %v", err)
		}
	}()
	defer r.Stop()

	muxCfg, err := buildMuxConfig(cfg, log)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("serve: listen on %s: %w", cfg.Listen, err)
	}
	log.Infof("vtsd: listening on %s (transports=%v)", cfg.Listen, cfg.Transports)

	metricsSrv := startMetricsServer(cfg.Metrics.Listen, log)

	acceptCtx, cancelAccept := context.WithCancel(context.Background())
	go acceptLoop(acceptCtx, ln, r, log, muxCfg)

	waitForShutdown(log)

	cancelAccept()
	ln.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// buildMuxConfig loads the key/certificate material each enabled
// transport needs and assembles the vop.Config template used for
// every accepted connection.
func buildMuxConfig(cfg *config.Config, log vlog.Logger) (vop.Config, error) {
	muxCfg := vop.Config{
		Policy: vop.Policy{
			EnableVTS:   cfg.HasTransport("vts"),
			EnableTLS:   cfg.HasTransport("tls"),
			EnablePlain: cfg.HasTransport("plain"),
		},
		Log: log,
	}

	if muxCfg.Policy.EnableVTS {
		offer := vts.Offer{
			HMACHashes:     cfg.VTS.HMACHashes,
			Ciphers:        cfg.VTS.Ciphers,
			Hashes:         cfg.VTS.Hashes,
			MaxKeyLen:      cfg.Handshake.MaxKeyLen,
			HandshakeLimit: cfg.Handshake.Limit,
		}
		vtsCfg := vts.Config{Offer: offer, Log: log}
		if cfg.TLS.KeyFile != "" {
			keyPEM, err := os.ReadFile(cfg.TLS.KeyFile)
			if err != nil {
				return vop.Config{}, fmt.Errorf("vts: read server key: %w", err)
			}
			key, err := x509obj.ImportPrivateKeyPEM(keyPEM)
			if err != nil {
				return vop.Config{}, fmt.Errorf("vts: decode server key: %w", err)
			}
			vtsCfg.OwnKey = key
		}
		for _, path := range cfg.TrustStore {
			pemBytes, err := os.ReadFile(path)
			if err != nil {
				return vop.Config{}, fmt.Errorf("vts: read trust root %s: %w", path, err)
			}
			cert, err := x509obj.ImportCertificatePEM(pemBytes)
			if err != nil {
				return vop.Config{}, fmt.Errorf("vts: decode trust root %s: %w", path, err)
			}
			vtsCfg.Policy.TrustRoots = append(vtsCfg.Policy.TrustRoots, cert)
		}
		muxCfg.VTSTemplate = vtsCfg
	}

	if muxCfg.Policy.EnableTLS {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return vop.Config{}, fmt.Errorf("tls transport enabled but tls.cert_file/tls.key_file not set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return vop.Config{}, fmt.Errorf("tls: load key pair: %w", err)
		}
		muxCfg.TLSTemplate = tlsbridge.Config{
			TLS: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
			Log: log,
		}
	}

	return muxCfg, nil
}

func startMetricsServer(listen string, log vlog.Logger) *http.Server {
	if listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("vtsd: metrics server: %v", err)
		}
	}()
	log.Infof("vtsd: metrics listening on %s", listen)
	return srv
}

func acceptLoop(ctx context.Context, ln net.Listener, r *reactor.Reactor, log vlog.Logger, muxCfg vop.Config) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Errorf("vtsd: accept: %v", err)
			return
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		connID := ident.New()
		connLog := log.WithField("conn", connID.String())
		go handleConn(tcpConn, r, connLog, muxCfg)
	}
}

func handleConn(conn *net.TCPConn, r *reactor.Reactor, log vlog.Logger, muxCfg vop.Config) {
	sock, err := netio.New(r, log, conn)
	if err != nil {
		log.Errorf("vtsd: socket setup: %v", err)
		return
	}

	muxCfg.Log = log
	mux := vop.NewMux(muxCfg)

	if err := flow.Link(sock.Produce(), mux.WireConsume()); err != nil {
		log.Errorf("vtsd: link socket->mux: %v", err)
		return
	}
	if err := flow.Link(mux.WireProduce(), sock.Consume()); err != nil {
		log.Errorf("vtsd: link mux->socket: %v", err)
		return
	}

	ep, ok := <-mux.Selected()
	if !ok {
		return
	}
	log.Infof("vtsd: connection classified as %s", ep.Kind)
	runDefaultApplicationHandler(ep, log)
}

// runDefaultApplicationHandler wires the default "pluggable
// application handler" spec.md describes: an echo loop that hands
// every plaintext chunk straight back to its sender. A deployment
// with real application semantics replaces this with its own
// flow.Consumer wired to ep.PlainProduce/ep.PlainConsume.
func runDefaultApplicationHandler(ep vop.Endpoints, log vlog.Logger) {
	echo := &echoHandler{to: ep.PlainConsume}
	if err := flow.Link(ep.PlainProduce, echo); err != nil {
		log.Errorf("vtsd: link application handler: %v", err)
	}
}

type echoHandler struct {
	flow.BaseConsumer
	flow.NoControl
	to flow.Consumer
}

func (e *echoHandler) Consume(buf []byte, clim int64) (int64, error) { return e.to.Consume(buf, clim) }
func (e *echoHandler) EndConsume(clean bool)                         { e.to.EndConsume(clean) }
func (e *echoHandler) Abort(err error)                               { e.to.Abort(err) }

func waitForShutdown(log vlog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("vtsd: shutting down...")
	go func() {
		<-sig
		log.Fatalf("vtsd: second signal received, terminating")
	}()
}
