package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"carevault.org/internal/audit"
	"carevault.org/internal/auth"
	"carevault.org/internal/config"
	"carevault.org/internal/httpapi"
	"carevault.org/internal/ids"
	"carevault.org/internal/importer"
	"carevault.org/internal/obs"
	"carevault.org/internal/records"
	"carevault.org/internal/store/memory"
	"carevault.org/internal/store/pg"
	"carevault.org/internal/stream"
)

var version = "0.3.0"

// logNotifier writes reset codes to the structured log. Real deployments
// swap in an SMTP or SMS gateway behind the same interface.
type logNotifier struct{}

func (logNotifier) Send(_ context.Context, email, message string) error {
	obs.LogEvent(map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"type":    "notification",
		"email":   email,
		"message": message,
	})
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("CAREVAULT_CONFIG"), "path to TOML config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CAREVAULT_COMMIT"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.AuthSecret == "" {
		log.Fatal("auth secret is required: set auth_secret or CAREVAULT_AUTH_SECRET")
	}

	ctx := context.Background()

	var (
		store        auth.Store
		recordsStore records.Store
		auditStore   audit.Store
		db           *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.Ping(ctx); err != nil {
			log.Fatalf("ping postgres: %v", err)
		}
		store, recordsStore, auditStore = pgStore, pgStore, pgStore
		db = pgStore.DB()
	} else {
		mem := memory.New()
		store, recordsStore, auditStore = mem, mem, mem
		log.Print("no pg_dsn configured, using the in-memory store (data is lost on exit)")
	}

	feed := stream.New()
	recorder, err := audit.NewRecorder(auditStore, audit.WithFeed(feed))
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}
	principals, err := auth.NewService(store)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	if err := principals.EnsureBuiltins(ctx); err != nil {
		log.Fatalf("ensure permission catalog: %v", err)
	}
	security, err := auth.NewSecurityService(store, recorder, logNotifier{},
		auth.WithLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutDuration),
		auth.WithOtpTTL(cfg.OtpTTL))
	if err != nil {
		log.Fatalf("security service: %v", err)
	}
	rbac, err := auth.NewRBACService(store, recorder)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}
	recSvc, err := records.NewService(recordsStore, recorder, importer.New(),
		records.WithMaxPageLimit(cfg.QueryMaxLimit))
	if err != nil {
		log.Fatalf("records service: %v", err)
	}
	tokens, err := auth.NewTokenService(cfg.AuthSecret, cfg.AccessTTL)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	if err := bootstrapAdmin(ctx, store, cfg.PGDSN == ""); err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Deps{
		Tokens:       tokens,
		Principals:   principals,
		Security:     security,
		RBAC:         rbac,
		Records:      recSvc,
		Auditor:      recorder,
		Feed:         feed,
		ReadyProbe:   probe,
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE connections stay open
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	var health *httpapi.HealthServer
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		health = httpapi.NewHealthServer(grpcSrv, probe)
		go func() {
			log.Printf("grpc health on %s", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				health.Refresh(ctx)
			}
		}()
	}

	log.Printf("starting carevault-api %s on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if health != nil {
		health.Shutdown()
	}
	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Print("stopped")
}

// bootstrapAdmin guarantees at least one account exists. With a database the
// operator provides credentials via environment; the throwaway in-memory
// store also accepts a generated password so a fresh dev run is usable.
func bootstrapAdmin(ctx context.Context, store auth.Store, devMode bool) error {
	users, err := store.Users(ctx).List(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	email := os.Getenv("CAREVAULT_ADMIN_EMAIL")
	password := os.Getenv("CAREVAULT_ADMIN_PASSWORD")
	if email == "" || password == "" {
		if !devMode {
			log.Print("no accounts exist; set CAREVAULT_ADMIN_EMAIL and CAREVAULT_ADMIN_PASSWORD to bootstrap one")
			return nil
		}
		email = "admin@localhost"
		password = generatePassword()
		log.Printf("bootstrapped dev admin %s with password %s", email, password)
	}

	roleID := "role-admin"
	if _, err := store.Roles(ctx).Find(ctx, roleID); err != nil {
		role := &auth.Role{ID: roleID, Name: "admin", CreatedAt: time.Now().UTC()}
		if err := store.Roles(ctx).Create(ctx, role); err != nil {
			return err
		}
		permIDs := make([]string, 0, len(auth.BuiltinPermissions))
		for _, p := range auth.BuiltinPermissions {
			permIDs = append(permIDs, p.ID)
		}
		if err := store.Permissions(ctx).SetForRole(ctx, roleID, permIDs); err != nil {
			return err
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return store.Users(ctx).Create(ctx, &auth.User{
		ID:           ids.New(),
		Email:        email,
		FullName:     "Administrator",
		PasswordHash: hash,
		RoleID:       roleID,
		Status:       auth.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func generatePassword() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("generate password: %v", err)
	}
	return hex.EncodeToString(buf)
}
