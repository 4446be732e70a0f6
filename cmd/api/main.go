package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"vypar.app/internal/httpapi"
	"vypar.app/internal/kv"
	"vypar.app/internal/login"
	"vypar.app/internal/migrate"
	"vypar.app/internal/obs"
	"vypar.app/internal/otp"
	"vypar.app/internal/payment"
	"vypar.app/internal/ratelimit"
	"vypar.app/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	env := getenv("VYPAR_ENV", "prod")
	if devOTPEcho && env != "dev" {
		log.Fatal("dev OTP echo build requires VYPAR_ENV=dev")
	}

	authSecret := os.Getenv("VYPAR_AUTH_SECRET")
	if authSecret == "" {
		log.Fatal("VYPAR_AUTH_SECRET is required")
	}
	paymentSecret := os.Getenv("VYPAR_PAYMENT_SECRET")
	if paymentSecret == "" {
		log.Fatal("VYPAR_PAYMENT_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared key-value backend for codes, sessions, rate counters and
	// revoked token ids. Swept in the background.
	store := kv.NewMemory()
	go store.Janitor(ctx, time.Minute)

	// Credential store: PostgreSQL when a DSN is set, otherwise an in-memory
	// dev user so the flow works out of the box.
	var (
		db    *sql.DB
		creds login.CredentialChecker
	)
	if dsn := os.Getenv("VYPAR_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)

		mgrCtx, mgrCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := migrate.NewManager(db, getenv("VYPAR_MIGRATIONS_DIR", "")).Bootstrap(mgrCtx); err != nil {
			log.Fatalf("bootstrap schema: %v", err)
		}
		mgrCancel()
		creds = login.NewPGCredentials(db)
	} else {
		if env != "dev" {
			log.Fatal("VYPAR_PG_DSN is required outside dev")
		}
		static := login.NewStaticCredentials()
		if err := static.Add("dev-user", "+910000000000", "devpassword", "customer"); err != nil {
			log.Fatalf("seed dev user: %v", err)
		}
		creds = static
	}

	codes, err := otp.NewStore(store, otp.WithNotifier(buildNotifier(env)))
	if err != nil {
		log.Fatalf("otp store: %v", err)
	}
	limiter, err := ratelimit.New(store, time.Minute, 3)
	if err != nil {
		log.Fatalf("rate limiter: %v", err)
	}
	issuer, err := token.NewIssuer([]byte(authSecret), store)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	loginSvc, err := login.NewService(store, codes, issuer, limiter, creds,
		login.WithDevCodeEcho(devOTPEcho))
	if err != nil {
		log.Fatalf("login service: %v", err)
	}

	gateway, err := buildGateway([]byte(paymentSecret))
	if err != nil {
		log.Fatalf("payment gateway: %v", err)
	}
	paySvc := payment.NewService(gateway)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, loginSvc, paySvc, issuer)

	srv := &http.Server{
		Addr:              getenv("VYPAR_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vypar-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	cancel()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// buildNotifier picks the code delivery sink. A real SMS provider slots in
// here; until one is configured, dev logs the code and prod refuses to start.
func buildNotifier(env string) otp.Notifier {
	if env == "dev" {
		return otp.LogNotifier{}
	}
	provider := os.Getenv("VYPAR_SMS_PROVIDER")
	if provider == "" {
		log.Fatal("VYPAR_SMS_PROVIDER is required outside dev")
	}
	switch provider {
	case "log":
		return otp.LogNotifier{}
	default:
		log.Fatalf("unknown sms provider %q", provider)
		return nil
	}
}

// buildGateway selects the payment backend once at startup.
func buildGateway(secret []byte) (payment.Gateway, error) {
	switch provider := getenv("VYPAR_PAYMENT_PROVIDER", "mock"); provider {
	case "mock":
		return payment.NewMock(secret), nil
	case "external":
		return payment.NewExternal(
			os.Getenv("VYPAR_PAYMENT_URL"),
			os.Getenv("VYPAR_PAYMENT_KEY_ID"),
			os.Getenv("VYPAR_PAYMENT_KEY_SECRET"),
			secret,
		)
	default:
		log.Fatalf("unknown payment provider %q", provider)
		return nil, nil
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
