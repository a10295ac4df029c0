// Package notification is the pull-mode ingestion path: deployments without
// a public webhook subscribe directly to the Pub/Sub topic and feed the same
// history engine the push endpoint does.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	ingestusecase "maklermail-backend/internal/ingest/usecase"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

type Service struct {
	pubsubClient *pubsub.Client
	engine       *ingestusecase.Engine
	topicName    string
	subName      string
	// lastHistoryID suppresses duplicate notifications per mailbox; Pub/Sub
	// delivers at least once and Receive dispatches callbacks from multiple
	// goroutines, so the map is guarded.
	mu            sync.Mutex
	lastHistoryID map[string]uint64
}

func NewService(projectID, topicName, credentialsFile string, engine *ingestusecase.Engine) (*Service, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	return &Service{
		pubsubClient:  client,
		engine:        engine,
		topicName:     topicName,
		subName:       topicName + "-sub",
		lastHistoryID: make(map[string]uint64),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting pull ingestion on topic %s, subscription %s", s.topicName, s.subName)

	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Printf("[PubSub] Error checking subscription existence: %v", err)
		return
	}

	if !exists {
		topic := s.pubsubClient.Topic(s.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil || !topicExists {
			log.Printf("[PubSub] Topic %s unavailable (exists=%v err=%v)", s.topicName, topicExists, err)
			return
		}
		sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			log.Printf("[PubSub] Failed to create subscription: %v", err)
			return
		}
		log.Printf("[PubSub] Created subscription %s", s.subName)
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg)
		// Always ack: a poison message must not redeliver forever, and the
		// stale-cursor backfill recovers anything a failed handoff missed.
		msg.Ack()
	})
	if err != nil {
		log.Printf("[PubSub] Receive ended: %v", err)
	}
}

func (s *Service) handleMessage(ctx context.Context, msg *pubsub.Message) {
	var notif gmailNotification
	if err := json.Unmarshal(msg.Data, &notif); err != nil {
		log.Printf("[PubSub] Undecodable notification %q: %v", msg.Data, err)
		return
	}
	if notif.EmailAddress == "" || notif.HistoryID == 0 {
		log.Printf("[PubSub] Incomplete notification %q", msg.Data)
		return
	}

	if s.seenBefore(notif.EmailAddress, notif.HistoryID) {
		return
	}

	if err := s.engine.ProcessNotification(ctx, notif.EmailAddress, strconv.FormatUint(notif.HistoryID, 10)); err != nil {
		log.Printf("[PubSub] Processing failed for %s: %v", notif.EmailAddress, err)
	}
}

// seenBefore records the highest historyId handed to the engine per mailbox
// and reports whether this notification is at or below it.
func (s *Service) seenBefore(mailbox string, historyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastHistoryID[mailbox]; ok && historyID <= last {
		return true
	}
	s.lastHistoryID[mailbox] = historyID
	return false
}
