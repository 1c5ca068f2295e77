/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the token marketplace server: SQLite-backed token
  ledger and property registry, the purchase coordinator between them, the
  per-account view caches, and the HTTP API.

COMMAND-LINE FLAGS:
  -port        HTTP server port (default: 8080)
  -db          SQLite database path (default: market.db; ":memory:" works)
  -settlement  Token-ledger account that receives purchase payments
               (default: property-registry)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, wait up to 30s for active
  requests, close the database, exit.

SEE ALSO:
  - api/server.go: router configuration
  - purchase/coordinator.go: the core purchase protocol
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brix/market-engine/api"
	"github.com/brix/market-engine/ledger"
	"github.com/brix/market-engine/purchase"
	"github.com/brix/market-engine/store/sqlite"
	"github.com/brix/market-engine/view"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "market.db", "SQLite database path")
	settlement := flag.String("settlement", "property-registry", "settlement account for purchase payments")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// One SQLite file, two independently-consistent ledgers: the token
	// ledger and the property registry never share a transaction.
	tokens := ledger.NewLedger(store)
	views := view.NewPool(tokens, store)
	coordinator := purchase.NewCoordinator(tokens, store, ledger.Identity(*settlement), views)

	handler := api.NewHandler(tokens, store, coordinator, views)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
