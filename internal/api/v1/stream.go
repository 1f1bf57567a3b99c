package v1

import (
	"context"
	"net/http"

	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/pubsub"
	"github.com/flexprice/usagegate/internal/router"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// StreamHandler serves the debug websocket: every shard broadcast for the
// customer is forwarded to the connection. An open stream pins the shard
// in memory so hibernation does not cut the feed.
type StreamHandler struct {
	service    *router.Service
	subscriber pubsub.Subscriber
	log        *logger.Logger
	upgrader   websocket.Upgrader
}

func NewStreamHandler(service *router.Service, subscriber pubsub.Subscriber, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		service:    service,
		subscriber: subscriber,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// @Summary Debug stream
// @Description Long-lived websocket carrying a customer's verify/report broadcasts
// @Tags Limits
// @Param customerId path string true "Customer ID"
// @Router /limits/stream/{customerId} [get]
func (h *StreamHandler) Stream(c *gin.Context) {
	customerID := c.Param("customerId")
	if customerID == "" {
		c.Error(ierr.NewError("customerId is required").
			WithHint("Pass the customer ID in the path").
			Mark(ierr.ErrValidation))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	shard := h.service.Shard(c.Request.Context(), customerID)
	shard.AddSubscriber()
	defer shard.RemoveSubscriber()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	messages, err := h.subscriber.Subscribe(ctx, h.service.StreamTopic(customerID))
	if err != nil {
		h.log.Errorw("stream subscription failed", "customer_id", customerID, "error", err)
		return
	}

	// The read pump only detects the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for msg := range messages {
		if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	}
}
