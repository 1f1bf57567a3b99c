package limiter

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/flexprice/usagegate/internal/api/dto"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/pubsub"
	"github.com/flexprice/usagegate/internal/types"
	"golang.org/x/time/rate"
)

// broadcaster emits debug events on a shard's stream topic, at most one
// per second. Delivery is best-effort; loss is acceptable.
type broadcaster struct {
	bus     pubsub.Publisher
	topic   string
	limiter *rate.Limiter
	logger  *logger.Logger
}

func newBroadcaster(bus pubsub.Publisher, topic string, log *logger.Logger) *broadcaster {
	return &broadcaster{
		bus:     bus,
		topic:   topic,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  log,
	}
}

func (b *broadcaster) emit(ctx context.Context, event *dto.BroadcastEvent) {
	if b == nil || b.bus == nil {
		return
	}
	if !b.limiter.Allow() {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, b.topic, message.NewMessage(types.GenerateUUID(), payload)); err != nil {
		b.logger.Debugw("broadcast dropped", "topic", b.topic, "error", err)
	}
}
