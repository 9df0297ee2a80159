package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ignite/cohort-estimator/internal/api"
	"github.com/ignite/cohort-estimator/internal/config"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
	"github.com/ignite/cohort-estimator/internal/repository/postgres"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

// extractHost returns the host part of a postgres DSN for logging without
// the credentials.
func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("Cohort estimator introspection server (cmd/server)")

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Failed to ping database %s: %v", extractHost(cfg.Database.URL), err)
	}
	cancelPing()
	log.Printf("Connected to database at %s", extractHost(cfg.Database.URL))

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var health *api.HealthChecker
	if cfg.Export.Enabled && cfg.Export.S3Bucket != "" {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Export.S3Region)}
		if profile := cfg.Export.GetAWSProfile(); profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		health = api.NewHealthChecker(db, redisClient, s3.NewFromConfig(awsCfg), cfg.Export.S3Bucket)
	} else {
		health = api.NewHealthChecker(db, redisClient, nil, "")
	}

	origins := strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",")
	if origins[0] == "" {
		origins = nil
	}
	srv := api.NewServer(postgres.NewStoreRepo(db), health, origins)

	addr := fmt.Sprintf("%s:%d", host, port)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}
