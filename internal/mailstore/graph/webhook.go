package graph

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/model"
)

const (
	notificationsPath = "/notifications"
	lifecyclePath     = "/lifecycle"
)

// Lifecycle events sent by Graph.
const (
	lifecycleRemoved         = "subscriptionRemoved"
	lifecycleReauthorization = "reauthorizationRequired"
	lifecycleMissed          = "missed"
)

type resourceData struct {
	ID string `json:"id"`
}

type notification struct {
	SubscriptionID string        `json:"subscriptionId"`
	ClientState    string        `json:"clientState"`
	ChangeType     string        `json:"changeType"`
	Resource       string        `json:"resource"`
	LifecycleEvent string        `json:"lifecycleEvent"`
	ResourceData   *resourceData `json:"resourceData"`
}

type notificationEnvelope struct {
	Value []notification `json:"value"`
}

// webhook receives Graph change and lifecycle notifications and routes
// them to the subscription they belong to.
type webhook struct {
	clientState string
	logger      zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

func newWebhook(clientState string, logger zerolog.Logger) *webhook {
	return &webhook{
		clientState: clientState,
		logger:      logger.With().Str("component", "webhook").Logger(),
		subs:        make(map[string]*subscription),
	}
}

func (w *webhook) register(id string, s *subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs[id] = s
}

func (w *webhook) unregister(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, id)
}

func (w *webhook) lookup(id string) *subscription {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.subs[id]
}

func (w *webhook) handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST(notificationsPath, w.handleNotifications)
	r.POST(lifecyclePath, w.handleLifecycle)
	return r
}

// validate answers the subscription validation handshake. It reports
// whether the request was a handshake.
func validate(c *gin.Context) bool {
	token := c.Query("validationToken")
	if token == "" {
		return false
	}
	c.String(http.StatusOK, token)
	return true
}

// handleNotifications groups change notifications by subscription into
// batches. Graph expects a reply within seconds, so delivery never blocks.
func (w *webhook) handleNotifications(c *gin.Context) {
	if validate(c) {
		return
	}

	var env notificationEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var order []string
	batches := make(map[string]model.NotificationBatch)
	for _, n := range env.Value {
		if n.ClientState != w.clientState {
			w.logger.Warn().Str("subscription_id", n.SubscriptionID).Msg("Notification with wrong clientState ignored")
			continue
		}

		ev := model.NotificationEvent{Kind: eventKind(n.ChangeType), Folder: n.Resource}
		if n.ResourceData != nil {
			ev.ItemID = n.ResourceData.ID
		}
		if _, ok := batches[n.SubscriptionID]; !ok {
			order = append(order, n.SubscriptionID)
		}
		batches[n.SubscriptionID] = append(batches[n.SubscriptionID], ev)
	}

	for _, id := range order {
		sub := w.lookup(id)
		if sub == nil {
			w.logger.Debug().Str("subscription_id", id).Msg("Notification for unknown subscription")
			continue
		}
		sub.deliver(batches[id])
	}

	c.Status(http.StatusAccepted)
}

func (w *webhook) handleLifecycle(c *gin.Context) {
	if validate(c) {
		return
	}

	var env notificationEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, n := range env.Value {
		if n.ClientState != w.clientState {
			w.logger.Warn().Str("subscription_id", n.SubscriptionID).Msg("Lifecycle event with wrong clientState ignored")
			continue
		}
		sub := w.lookup(n.SubscriptionID)
		if sub == nil {
			continue
		}

		w.logger.Info().
			Str("subscription_id", n.SubscriptionID).
			Str("lifecycle_event", n.LifecycleEvent).
			Msg("Lifecycle event received")

		switch n.LifecycleEvent {
		case lifecycleRemoved:
			sub.drop(errSubscriptionRemoved)
		case lifecycleReauthorization:
			sub.requestRenewal()
		case lifecycleMissed:
			// Some notifications were lost; one search catches up.
			sub.deliver(model.NotificationBatch{{Kind: model.EventNewMail, Folder: n.Resource}})
		}
	}

	c.Status(http.StatusAccepted)
}

func eventKind(changeType string) model.EventKind {
	switch changeType {
	case "created":
		return model.EventCreated
	case "updated":
		return model.EventModified
	default:
		return model.EventNewMail
	}
}
