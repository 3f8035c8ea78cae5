package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ipamcore/internal/adapters/api/ipamapi"
	"ipamcore/internal/adapters/cloud"
	"ipamcore/internal/adapters/db/memory"
	pgrepo "ipamcore/internal/adapters/db/postgres"
	"ipamcore/internal/application/allocator"
	"ipamcore/internal/application/facade"
	"ipamcore/internal/application/idempotency"
	"ipamcore/internal/application/reconciler"
	"ipamcore/internal/application/tree"
	"ipamcore/internal/config"
	"ipamcore/internal/domain/ipam"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.LoadConfig()
	log.Info().Str("http_port", cfg.HTTPPort).Bool("db_enabled", cfg.Database.Enabled).Msg("starting ipamcore server")

	var store ipam.PrefixStore
	var idempStore ipam.IdempotencyStore
	var db *sql.DB

	if cfg.Database.Enabled {
		log.Info().Str("dsn", cfg.Database.DSN).Msg("initializing Postgres store")
		var err error
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("ping postgres")
		}
		if err := pgrepo.RunMigrations(ctx, db, cfg.Database.Migrations); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
		store = pgrepo.NewStore(db)
		idempStore = pgrepo.NewIdempotencyStore(db)
	} else {
		log.Warn().Msg("DB disabled - using in-memory store")
		store = memory.NewStore()
		idempStore = memory.NewIdempotencyStore()
	}

	treeSvc := tree.NewService(store)
	allocSvc := allocator.NewService(store, treeSvc)
	idemp := idempotency.NewService(idempStore)
	face := facade.NewFacade(store, idemp, allocSvc)

	startReconciler(store, db, cfg)

	handler := ipamapi.NewHandler(store, idemp, treeSvc, allocSvc, face)

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))
	handler.RegisterRoutes(r)

	log.Info().Msgf("listening on port %s", cfg.HTTPPort)
	if err := r.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

// reconcilerLockKey serializes reconciler cycles across every ipamcore
// instance sharing one database, so two replicas never sync the same VPC
// at once.
const reconcilerLockKey = "ipamcore:reconciler-cycle"

// startReconciler wires the AWS EC2 subnet source and runs the sync loop in
// the background when AWS credentials resolve; a broken or absent cloud
// config disables the reconciler instead of blocking startup. When db is
// non-nil, each cycle is guarded by a Postgres advisory lock so only one
// replica reconciles at a time.
func startReconciler(store ipam.PrefixStore, db *sql.DB, cfg *config.Config) {
	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("AWS config unavailable, VPC sync reconciler disabled")
		return
	}
	source := cloud.NewAWSSource(ec2.NewFromConfig(awsCfg))
	recSvc := reconciler.NewService(store, source, reconciler.Config{
		PageSize:     cfg.Reconciler.AWSPageSize,
		MaxPerVPC:    cfg.Reconciler.MaxSubnetsPerVPC,
		DBBatchSize:  cfg.Reconciler.DBBatchSize,
		BatchSize:    cfg.Reconciler.BatchSize,
		DefaultVRFID: cfg.Reconciler.DefaultVRFID,
	})

	var locks *pgrepo.LockManager
	if db != nil {
		locks = pgrepo.NewLockManager(db)
	}

	go func() {
		ticker := time.NewTicker(cfg.Reconciler.SyncInterval)
		defer ticker.Stop()
		for range ticker.C {
			runReconcilerCycle(ctx, store, recSvc, locks)
		}
	}()
}

func runReconcilerCycle(ctx context.Context, store ipam.PrefixStore, recSvc *reconciler.Service, locks *pgrepo.LockManager) {
	if locks != nil {
		acquired, release, err := locks.TryAcquire(ctx, reconcilerLockKey)
		if err != nil {
			log.Error().Err(err).Msg("failed acquiring reconciler lock")
			return
		}
		if !acquired {
			log.Debug().Msg("another replica is reconciling, skipping this cycle")
			return
		}
		defer release(ctx)
	}

	vpcs, err := listTrackedVPCs(ctx, store)
	if err != nil {
		log.Error().Err(err).Msg("failed loading tracked VPCs for reconciler cycle")
		return
	}
	recSvc.RunCycle(ctx, vpcs)
}

func listTrackedVPCs(ctx context.Context, store ipam.PrefixStore) ([]*ipam.VPC, error) {
	prefixes, err := store.Filter(ctx, ipam.PrefixFilter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var vpcs []*ipam.VPC
	for _, p := range prefixes {
		if p.VPCID == nil || seen[*p.VPCID] {
			continue
		}
		seen[*p.VPCID] = true
		vpc, err := store.VPCByID(ctx, *p.VPCID)
		if err != nil {
			continue
		}
		vpcs = append(vpcs, vpc)
	}
	return vpcs, nil
}
