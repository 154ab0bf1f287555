package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/broker"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/observability"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/protocol"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/tasks"
)

// RunInbound drains the session's inbound queue, validates each frame and
// pushes accepted envelopes onto the task's request queue. Malformed frames
// produce exactly one in-band error envelope and are never forwarded. Returns
// when ctx is done, the session closes, or the broker push fails.
func RunInbound(ctx context.Context, sess *Session, b broker.Broker, metrics *observability.Metrics) error {
	queue := tasks.RequestQueue(sess.TaskUUID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Closed():
			return nil
		case raw := <-sess.Inbound():
			parsed, err := protocol.ParseClientMessage(raw)
			if err != nil {
				sendError(sess, metrics, "invalid_message", err.Error())
				continue
			}
			payload, err := json.Marshal(parsed)
			if err != nil {
				sendError(sess, metrics, "invalid_message", err.Error())
				continue
			}
			if err := b.Push(ctx, queue, string(payload)); err != nil {
				if metrics != nil {
					metrics.BrokerErrors.WithLabelValues("push").Inc()
				}
				return fmt.Errorf("relay: push to %s: %w", queue, err)
			}
			if metrics != nil {
				var env protocol.Envelope
				_ = json.Unmarshal(raw, &env)
				metrics.WSMessages.WithLabelValues("inbound", string(env.MsgType)).Inc()
			}
		}
	}
}

// RunOutbound polls the task's response queue and forwards frames to the
// session's outbound queue. Pop errors are logged and retried; a saturated
// outbound queue drops the frame rather than stalling the broker side.
func RunOutbound(ctx context.Context, sess *Session, b broker.Broker, poll time.Duration, metrics *observability.Metrics) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	queue := tasks.ResponseQueue(sess.TaskUUID)
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Closed():
			return nil
		default:
		}

		value, ok, err := b.Pop(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if metrics != nil {
				metrics.BrokerErrors.WithLabelValues("pop").Inc()
			}
			log.Printf("relay: pop %s: %v", queue, err)
		} else if ok {
			if !sess.EnqueueOutbound([]byte(value)) {
				if metrics != nil {
					metrics.RelayDrops.WithLabelValues("outbound").Inc()
				}
				log.Printf("relay: outbound queue full for task %s, dropping frame", sess.TaskUUID)
			} else if metrics != nil {
				metrics.WSMessages.WithLabelValues("outbound", "response").Inc()
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Closed():
			return nil
		case <-timer.C:
		}
	}
}

func sendError(sess *Session, metrics *observability.Metrics, code, message string) {
	buf, err := json.Marshal(protocol.NewErrorEnvelope(code, message))
	if err != nil {
		return
	}
	if !sess.EnqueueOutbound(buf) {
		if metrics != nil {
			metrics.RelayDrops.WithLabelValues("outbound").Inc()
		}
		return
	}
	if metrics != nil {
		metrics.WSMessages.WithLabelValues("outbound", "error").Inc()
	}
}
