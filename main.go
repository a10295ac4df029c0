package main

import (
	"context"
	"log"
	"strings"

	api "maklermail-backend/cmd/api"
	agentdomain "maklermail-backend/internal/agent/domain"
	agentRepo "maklermail-backend/internal/agent/repository"
	"maklermail-backend/internal/audit"
	classifyUsecase "maklermail-backend/internal/classify/usecase"
	conndomain "maklermail-backend/internal/connection/domain"
	connRepo "maklermail-backend/internal/connection/repository"
	ingestDelivery "maklermail-backend/internal/ingest/delivery"
	ingestUsecase "maklermail-backend/internal/ingest/usecase"
	leaddomain "maklermail-backend/internal/lead/domain"
	leadRepo "maklermail-backend/internal/lead/repository"
	leadUsecase "maklermail-backend/internal/lead/usecase"
	msgdomain "maklermail-backend/internal/message/domain"
	msgRepo "maklermail-backend/internal/message/repository"
	"maklermail-backend/internal/notification"
	"maklermail-backend/internal/pipeline"
	promptdomain "maklermail-backend/internal/prompt/domain"
	promptRepo "maklermail-backend/internal/prompt/repository"
	"maklermail-backend/pkg/config"
	"maklermail-backend/pkg/database"
	"maklermail-backend/pkg/gmail"
	"maklermail-backend/pkg/llm"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(
		&conndomain.Connection{},
		&agentdomain.AgentSettings{},
		&leaddomain.Lead{},
		&msgdomain.Message{},
		&msgdomain.ClassificationArtifact{},
		&msgdomain.IntentArtifact{},
		&msgdomain.RouteArtifact{},
		&msgdomain.QAArtifact{},
		&promptdomain.Prompt{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	connections := connRepo.NewConnectionRepository(db)
	settings := agentRepo.NewSettingsRepository(db)
	leads := leadRepo.NewLeadRepository(db)
	messages := msgRepo.NewMessageRepository(db)
	artifacts := msgRepo.NewArtifactRepository(db)
	prompts := promptRepo.NewPromptRepository(db)

	// Initialize Gmail provider
	topicName := cfg.PubSubTopic
	if !strings.Contains(topicName, "/") && cfg.GoogleProjectID != "" {
		topicName = "projects/" + cfg.GoogleProjectID + "/topics/" + topicName
	}
	gmailService := gmail.NewService(cfg.GoogleClientID, cfg.GoogleClientSecret, topicName)

	// Initialize the external classifier client (shared by the safety gate
	// and the QA/draft stages)
	llmClient := llm.NewClient(cfg.ClassifierEndpoint, cfg.ClassifierAPIKey, cfg.ClassifierModel, cfg.ClassifierTimeout)
	if !llmClient.Configured() {
		log.Printf("[WARN] Classifier endpoint not configured; all inbound mail will need approval")
	}

	// Initialize the audit notifier (nil-safe when unconfigured)
	notifier := audit.NewNotifier(cfg.AuditWebhookURL)

	// Initialize ingestion
	resolver := leadUsecase.NewResolver(leads)
	gate := classifyUsecase.NewGate(llmClient, prompts)
	engine := ingestUsecase.NewEngine(connections, messages, artifacts, resolver, gate, gmailService, notifier, cfg.BackfillWindow, cfg.BackfillMaxMessages)

	audience := cfg.PushAudience
	if audience == "" {
		audience = "http://localhost:" + cfg.Port + "/api/push/gmail"
		log.Printf("[WARN] PUSH_AUDIENCE not set, defaulting to %s", audience)
	}
	pushHandler := ingestDelivery.NewPushHandler(engine, &ingestDelivery.GoogleIdentityVerifier{Audience: audience})

	// Optional pull-mode ingestion for deployments without a public webhook
	if cfg.GoogleProjectID != "" {
		shortTopic := cfg.PubSubTopic
		if parts := strings.Split(shortTopic, "/"); len(parts) > 1 {
			shortTopic = parts[len(parts)-1]
		}
		notifService, err := notification.NewService(cfg.GoogleProjectID, shortTopic, cfg.GoogleCredentials, engine)
		if err != nil {
			log.Printf("[ERROR] Failed to initialize pull ingestion: %v", err)
		} else {
			go notifService.Start(context.Background())
		}
	}

	// Initialize the pipeline stage runners
	scheduler := pipeline.NewScheduler(cfg.RunnerInterval,
		pipeline.NewIntentRunner(messages, artifacts, prompts, llmClient, cfg.BatchSize),
		pipeline.NewRouteRunner(messages, artifacts, leads, prompts, cfg.BatchSize),
		pipeline.NewDraftRunner(messages, artifacts, leads, settings, prompts, llmClient, notifier, cfg.BatchSize),
		pipeline.NewQARunner(messages, artifacts, settings, prompts, llmClient, notifier, cfg.BatchSize),
		pipeline.NewRewriteRunner(messages, artifacts, prompts, llmClient, notifier, cfg.BatchSize),
		pipeline.NewSendRunner(messages, leads, connections, settings, gmailService, notifier, cfg.BatchSize),
		pipeline.NewWatchRunner(connections, gmailService),
	)
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize HTTP handler
	handler := api.NewHandler(messages, connections, settings, prompts, gmailService, pushHandler, cfg)

	// Start server
	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
