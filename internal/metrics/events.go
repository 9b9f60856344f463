package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"wxbot/internal/bus"
)

// Subscribe binds the event bus to the collector. Events carry their labels
// in the payload: "channel", "kind", "type", "reason", "plugin" and, for
// reply.sent, "latency" as a time.Duration.
func (c *MetricsCollector) Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventMessageReceived, func(e bus.Event) {
		MessagesReceived(str(e, "channel"), str(e, "kind")).Inc()
	})
	eb.On(bus.EventMessageDropped, func(e bus.Event) {
		MessagesDropped(str(e, "channel"), str(e, "reason")).Inc()
	})
	eb.On(bus.EventReplySent, func(e bus.Event) {
		RepliesSent(str(e, "channel"), str(e, "type")).Inc()
		if d, ok := e.Payload["latency"].(time.Duration); ok {
			ReplyLatency.Observe(d.Seconds())
		}
	})
	eb.On(bus.EventReplyFailed, func(e bus.Event) {
		RepliesFailed(str(e, "channel"), str(e, "type")).Inc()
	})
	eb.On(bus.EventPluginHandled, func(e bus.Event) {
		PluginHandled(str(e, "plugin")).Inc()
	})
}

func str(e bus.Event, key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Serve exposes the collector on listen+path until ctx is cancelled.
func (c *MetricsCollector) Serve(ctx context.Context, listen, path string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc(path, c.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", listen, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
