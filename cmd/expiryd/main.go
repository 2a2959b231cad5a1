package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aprovia/workflow/internal/application/services"
	"github.com/aprovia/workflow/internal/bootstrap"
	"github.com/aprovia/workflow/internal/domain/models"
	"github.com/aprovia/workflow/internal/infrastructure/database"
	"github.com/aprovia/workflow/internal/infrastructure/persistence"
	"github.com/aprovia/workflow/pkg/expression"
)

// noopAuthz satisfies the authorization port for a binary that never
// resolves approvers: expiry is actor-less.
type noopAuthz struct{}

func (noopAuthz) Grants(_ context.Context, _, _ string) (*models.Grants, error) {
	return &models.Grants{}, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	schedule := os.Getenv("WF_EXPIRY_SCHEDULE")
	if schedule == "" {
		schedule = "*/5 * * * *"
	}

	db, err := database.GetInstance()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("✅ Database connection established")

	if err := bootstrap.InitializeSchema(db.DB()); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	definitions := persistence.NewDefinitionRepository(db.DB())
	instances := persistence.NewInstanceRepository(db.DB())
	delegations := persistence.NewDelegationRepository(db.DB())
	tx := persistence.NewTransactionManager(db.DB())

	resolver := services.NewApproverResolver(noopAuthz{}, delegations)
	engine := services.NewEngineService(definitions, instances, resolver, tx, expression.NewEngine())
	expiry := services.NewExpiryService(engine, instances)

	if err := expiry.Start(schedule); err != nil {
		log.Fatalf("Failed to start expiry sweep: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	expiry.Stop()
	_ = db.Close()
}
