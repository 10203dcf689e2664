// Command lb runs the mutually-authenticated TLS reverse proxy: it
// terminates client TLS, authorizes the peer by its certificate
// identity, and forwards the decrypted stream to one upstream chosen by
// least-connections-among-healthy from that identity's pool.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"mtls-lb/internal/config"
	"mtls-lb/internal/engine"
	"mtls-lb/internal/httpserver"
	"mtls-lb/internal/logger"
	"mtls-lb/internal/pool"
)

func main() {
	cfgPath := flag.String("config", "", "Path to JSON config file")
	port := flag.Int("port", 0, "Downstream listener port (overrides config, default 8443)")
	httpAddr := flag.String("http-addr", "", "Admin HTTP listen address for health/metrics (empty to disable)")
	alternateCerts := flag.Bool("alternate-certs", false, "Select the alternate CA/server-cert bundle for interop testing")
	certDir := flag.String("cert-dir", "", "Directory containing server.pem/server.key and cert/ec-cacert.pem")
	flag.Parse()

	log := logger.New()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.LoadFile(*cfgPath)
		if err != nil {
			log.Fatal("failed to load config", "err", err)
		}
		cfg = loaded
	}

	if *port > 0 {
		host := "127.0.0.1"
		if h, _, err := net.SplitHostPort(cfg.ListenAddr); err == nil && h != "" {
			host = h
		}
		cfg.ListenAddr = net.JoinHostPort(host, strconv.Itoa(*port))
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *alternateCerts {
		cfg.AlternateCerts = true
	}
	if *certDir != "" {
		cfg.CertDir = *certDir
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", "err", err)
	}

	tlsConfig, err := config.LoadServerTLSConfig(config.CertDirFor(cfg))
	if err != nil {
		log.Fatal("failed to load server tls config", "err", err)
	}

	eng := engine.New(cfg, tlsConfig, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Bind(ctx); err != nil {
		log.Fatal("failed to bind listener", "addr", cfg.ListenAddr, "err", err)
	}
	log.Info("listening", "addr", eng.Addr())

	errs := make(chan error, 1)
	go func() {
		errs <- eng.Run(ctx)
	}()

	if cfg.HTTPAddr != "" {
		bufPool := pool.New(2048)
		httpSrv := httpserver.New(cfg.HTTPAddr, log, eng, bufPool)
		go func() {
			if err := httpSrv.Run(ctx); err != nil {
				log.Error("admin http server error", "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down", "reason", ctx.Err())
	case err := <-errs:
		if err != nil && err != context.Canceled {
			log.Error("engine error", "err", err)
			os.Exit(1)
		}
	}
}
