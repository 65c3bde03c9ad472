package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/blockduel/backend/internal/config"
	"github.com/blockduel/backend/internal/database"
	"github.com/blockduel/backend/internal/identity"
	"github.com/blockduel/backend/internal/matchmaking"
	"github.com/blockduel/backend/internal/middleware"
	"github.com/blockduel/backend/internal/migrations"
	"github.com/blockduel/backend/internal/persist"
	"github.com/blockduel/backend/internal/rating"
	"github.com/blockduel/backend/internal/redis"
	"github.com/blockduel/backend/internal/series"
	"github.com/blockduel/backend/internal/store"
	"github.com/blockduel/backend/internal/ws"
)

func main() {
	cfg := config.Load()

	if cfg.Environment == "production" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if os.Getenv("MIGRATE_ON_START") == "true" {
		log.Info("running DB migrations on startup")
		if err := migrations.Run(cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	rdb, err := redis.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	repo := store.NewRedisRepository(rdb,
		time.Duration(cfg.MatchTTLMinutes)*time.Minute,
		time.Duration(cfg.StaleThresholdMinutes)*time.Minute)
	ids := identity.NewRegistry(cfg.JWTSecret)
	ratings := rating.NewSQLProvider(db)
	results := persist.NewSQLResultStore(db)
	penalties := matchmaking.NewPenaltyTable(
		time.Duration(cfg.PenaltyBaseSeconds)*time.Second,
		cfg.PenaltyMultiplier,
		time.Duration(cfg.PenaltyResetHours)*time.Hour)

	hub := ws.NewHub()
	// Workers publish through the relay so a sweeper or janitor acting on
	// this instance reaches players connected to another.
	relay := ws.NewRelay(rdb, hub)
	seriesMgr := series.NewManager(relay, results, repo,
		cfg.InterGameDelay(),
		time.Duration(cfg.ResultRetentionSeconds)*time.Second)
	coord := matchmaking.NewCoordinator(matchmaking.Config{
		TickInterval:       cfg.QueueTick(),
		ConfirmWindow:      cfg.ConfirmWindow(),
		RankedBaseWindow:   cfg.RankedBaseWindow,
		RankedWindowGrowth: cfg.RankedWindowGrowth,
		BestOf:             cfg.BestOf,
		PiecePreview:       cfg.PiecePreviewCount,
		DisconnectGrace:    cfg.DisconnectGrace(),
	}, relay, repo, ids, ratings, seriesMgr, penalties)
	handler := ws.NewHandler(hub, coord, seriesMgr, repo, ids)

	ctx := context.Background()
	go hub.Run()
	go relay.Run(ctx)
	go coord.StartTickWorker(ctx)
	go coord.StartGraceSweeper(ctx, time.Duration(cfg.GraceSweepIntervalSecs)*time.Second)
	go runJanitor(ctx, repo, time.Duration(cfg.JanitorIntervalMinutes)*time.Minute)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.CORSMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"queues": coord.QueueCounts(),
			"series": seriesMgr.Count(),
		})
	})
	router.GET("/ws", middleware.WebSocketOriginCheck(cfg), handler.HandleWebSocket)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	log.Infof("starting blockduel server on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

// runJanitor removes match documents whose last activity is past the
// staleness threshold.
func runJanitor(ctx context.Context, repo store.Repository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := repo.CleanupStaleMatches(ctx)
			if err != nil {
				log.Errorf("janitor: cleanup failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Infof("janitor: removed %d stale matches", removed)
			}
		}
	}
}
