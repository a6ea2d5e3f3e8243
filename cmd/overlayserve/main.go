// Command overlayserve serves an overlay output directory over HTTP, with a
// small API for the patch index.
//
// Example:
//
//	overlayserve -dir out/test_001 -port 8080
//	curl 'localhost:8080/api/confusion?threshold=0.7'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pathviz/slide-overlay/serve"

	"github.com/gorilla/mux"
)

var (
	dir  string
	port int
)

func init() {
	flag.StringVar(&dir, "dir", "", "overlay output directory to serve (required)")
	flag.IntVar(&port, "port", 8080, "HTTP server port")
}

func usage() {
	log.Println("usage: overlayserve -dir dir [-port port]")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	if dir == "" || flag.NArg() != 0 {
		usage()
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		log.Fatalf("not a directory: %s", dir)
	}

	r := mux.NewRouter()
	serve.NewHandler(dir).RegisterRoutes(r)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("serving %s on port %d", dir, port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-stop:
		log.Printf("received %v signal, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	}
}
