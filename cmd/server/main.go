package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lnpos/internal/api"
	"lnpos/internal/export"
	"lnpos/internal/lnurl"
	"lnpos/internal/logging"
	"lnpos/internal/payments"
	"lnpos/internal/store"
)

const pendingInvoiceTimeout = 24 * time.Hour

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "lnpos.db", "SQLite database path")
	exportDir := flag.String("export-dir", "./exports", "Settlement export directory (used when S3 is not configured)")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.Parse()

	// Initialize store
	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// Initialize payment provider - use the wallet service REST API if
	// configured, otherwise mock
	var provider payments.Provider
	providerURL := os.Getenv("PROVIDER_URL")
	providerToken := os.Getenv("PROVIDER_TOKEN")
	if providerURL != "" && providerToken != "" {
		provider, err = payments.NewRESTProvider(payments.RESTConfig{
			BaseURL:     providerURL,
			AccessToken: providerToken,
		})
		if err != nil {
			logging.Internal.Fatalf("failed to connect to wallet service: %v", err)
		}
		logging.Internal.Printf("connected to wallet service at %s", providerURL)
	} else if providerURL != "" {
		logging.Internal.Fatalf("PROVIDER_URL is set but PROVIDER_TOKEN is missing")
	} else {
		provider = payments.NewMockProvider()
		logging.Internal.Println("using mock payment provider (set PROVIDER_URL and PROVIDER_TOKEN for real payments)")
	}
	defer provider.Close()

	paymentsSvc := payments.NewService(provider, st)

	// Initialize settlement export - use S3 if configured, otherwise local
	// filesystem
	var sink export.Sink
	s3Bucket := os.Getenv("S3_BUCKET")
	if s3Bucket != "" {
		sink, err = export.NewS3Sink(export.S3Config{
			Endpoint: os.Getenv("S3_ENDPOINT"),
			KeyID:    os.Getenv("S3_KEY_ID"),
			AppKey:   os.Getenv("S3_APP_KEY"),
			Bucket:   s3Bucket,
			Prefix:   os.Getenv("S3_PREFIX"),
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize S3 export sink: %v", err)
		}
		logging.Internal.Printf("exporting settlements to S3 bucket %s", s3Bucket)
	} else {
		sink, err = export.NewFSSink(*exportDir)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize export sink: %v", err)
		}
		logging.Internal.Printf("exporting settlements to %s", *exportDir)
	}
	exportSvc := export.NewService(st, sink)

	// Static keychain for single-merchant deployments; a host application
	// embedding this service supplies its own Keychain.
	keychain := api.NewStaticKeychain()
	wallet := os.Getenv("TPOS_WALLET")
	if wallet == "" {
		wallet = "default"
	}
	if key := os.Getenv("TPOS_INVOICE_KEY"); key != "" {
		keychain.Add(key, &api.WalletKey{WalletID: wallet, Scope: api.ScopeInvoice})
	}
	if key := os.Getenv("TPOS_ADMIN_KEY"); key != "" {
		keychain.Add(key, &api.WalletKey{WalletID: wallet, Scope: api.ScopeAdmin})
	}

	// Create pending invoice limiter (max 5 unpaid invoices per IP)
	pendingLimiter := api.NewPendingInvoiceLimiter(5)

	// Clear pending tracking when a poll observes settlement
	paymentsSvc.SetSettledCallback(pendingLimiter.OnSettled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start settlement export and limiter sweep
	go exportSvc.Run(ctx, 1*time.Hour)
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if count := pendingLimiter.CleanupExpired(pendingInvoiceTimeout); count > 0 {
					logging.Internal.Printf("cleaned up %d expired pending invoice entries", count)
				}
			}
		}
	}()

	handler := api.NewHandler(st, paymentsSvc, lnurl.NewClient(), keychain, pendingLimiter)

	// Configure CORS
	var corsConfig api.CORSConfig
	if *devMode || *corsOrigins == "" {
		logging.Internal.Println("CORS allowing all origins")
	} else {
		origins := strings.Split(*corsOrigins, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		corsConfig.AllowedOrigins = origins
		logging.Internal.Printf("CORS restricted to origins: %v", origins)
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = handler
	finalHandler = api.CORS(corsConfig)(finalHandler)
	if !*devMode {
		finalHandler = api.RateLimit(api.DefaultRateLimitConfig())(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:    *addr,
		Handler: finalHandler,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
