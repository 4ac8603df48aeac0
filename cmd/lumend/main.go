// Command lumend runs the compile daemon: an HTTP/3 service compiling
// posted methods, backed by the on-disk kernel cache.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumen-gpu/lumen/internal/compilerd"
	"github.com/lumen-gpu/lumen/internal/kernelcache"
	"github.com/lumen-gpu/lumen/internal/target"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		addr        = flag.String("addr", ":8443", "UDP listen address")
		certFile    = flag.String("cert", "", "TLS certificate file (required)")
		keyFile     = flag.String("key", "", "TLS key file (required)")
		cacheDir    = flag.String("cache", defaultCacheDir(), "kernel cache directory")
		cacheSize   = flag.String("cache-size", "2GiB", "kernel cache capacity")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("lumend v%s (%s)\n", version, commit)
		return
	}
	if *certFile == "" || *keyFile == "" {
		fmt.Fprintln(os.Stderr, "lumend: -cert and -key are required (HTTP/3 is TLS-only)")
		os.Exit(2)
	}
	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		log.Fatalf("lumend: load key pair: %v", err)
	}

	cache, err := kernelcache.Open(*cacheDir, *cacheSize)
	if err != nil {
		log.Fatalf("lumend: open cache: %v", err)
	}

	tgt := target.Host()
	srv := compilerd.NewServer(tgt, cache)
	real, err := srv.Start(*addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		log.Fatalf("lumend: %v", err)
	}
	log.Printf("lumend v%s serving %s on %s (cache %s, limit %s)",
		version, tgt, real, *cacheDir, cache.Limit())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("lumend: shutting down")
	if err := srv.Stop(); err != nil {
		log.Printf("lumend: stop: %v", err)
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/lumen/kernels"
	}
	return ".lumen-cache"
}
