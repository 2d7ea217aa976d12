package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/usersync/internal/apperr"
	"github.com/mschirtzinger/usersync/internal/apperr/i18n"
	"github.com/mschirtzinger/usersync/internal/daemon"
	"github.com/mschirtzinger/usersync/internal/model"
	usersync "github.com/mschirtzinger/usersync/internal/sync"
)

// UsersData carries the cached user list
type UsersData struct {
	Count int          `json:"count"`
	Users []model.User `json:"users"`
}

// SyncCompleteData describes a committed refresh
type SyncCompleteData struct {
	RunID      string `json:"run_id"`
	Trigger    string `json:"trigger"`
	DurationMs int64  `json:"duration_ms"`
}

// SyncFailedData describes a failed refresh
type SyncFailedData struct {
	RunID     string `json:"run_id"`
	Trigger   string `json:"trigger"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
	RetryInMs int64  `json:"retry_in_ms,omitempty"`
}

// SyncSkippedData describes a refresh request that was dropped
type SyncSkippedData struct {
	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`
}

// Refresher runs a refresh and reports its outcome. *daemon.Daemon
// implements it.
type Refresher interface {
	RefreshNow(ctx context.Context, trigger string) daemon.Outcome
}

// Handler bridges the repository and daemon to the WebSocket server.
//
// It implements daemon.Notifier.
type Handler struct {
	server    *Server
	repo      usersync.Repository
	refresher Refresher
	messages  i18n.MessageProvider
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler connected to a dashboard server and registers
// it for client messages.
func NewHandler(server *Server, repo usersync.Repository, refresher Refresher, messages i18n.MessageProvider, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	if messages == nil {
		messages = i18n.New(i18n.BaseLocale)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		server:    server,
		repo:      repo,
		refresher: refresher,
		messages:  messages,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	server.OnClientMessage(h.HandleClientMessage)
	return h
}

// Start forwards every emission of the repository stream to clients until
// Stop is called.
func (h *Handler) Start() {
	stream := h.repo.Observe(h.ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for users := range stream {
			h.OnUsers(users)
		}
	}()
}

// Stop ends the stream subscription and waits for in-flight refresh
// requests to return.
func (h *Handler) Stop() {
	h.cancel()
	h.wg.Wait()
}

// OnUsers broadcasts a user list snapshot
func (h *Handler) OnUsers(users []model.User) {
	if users == nil {
		users = []model.User{}
	}
	h.send(MessageTypeUsers, UsersData{Count: len(users), Users: users})
}

// RefreshFinished implements daemon.Notifier.
func (h *Handler) RefreshFinished(o daemon.Outcome) {
	switch {
	case o.Dropped:
		h.send(MessageTypeSyncSkipped, SyncSkippedData{RunID: o.RunID, Trigger: o.Trigger})

	case o.Err != nil:
		classified := apperr.Classify(o.Err)
		h.send(MessageTypeSyncFailed, SyncFailedData{
			RunID:     o.RunID,
			Trigger:   o.Trigger,
			Kind:      classified.Kind.String(),
			Retryable: classified.Retryable(),
			Message:   h.messages.MessageFor(classified),
			RetryInMs: o.RetryIn.Milliseconds(),
		})

	default:
		h.send(MessageTypeSyncComplete, SyncCompleteData{
			RunID:      o.RunID,
			Trigger:    o.Trigger,
			DurationMs: o.Duration.Milliseconds(),
		})
	}
}

// HandleClientMessage serves requests sent by dashboard clients.
func (h *Handler) HandleClientMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeRefresh:
		if h.refresher == nil {
			return
		}
		if h.ctx.Err() != nil {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			// The outcome reaches clients through RefreshFinished.
			h.refresher.RefreshNow(h.ctx, daemon.TriggerManual)
		}()
	default:
		h.logger.Printf("Ignoring client message of type %q", msg.Type)
	}
}

func (h *Handler) send(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
