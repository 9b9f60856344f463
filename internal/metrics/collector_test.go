package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wxbot/internal/bus"
)

func TestCounterRegistrationIsIdempotent(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", `k="v"`)
	b := c.Counter("x_total", "x", `k="v"`)
	a.Inc()
	b.Add(2)
	if a != b || a.Value() != 3 {
		t.Fatalf("expected shared counter with value 3, got %d", a.Value())
	}
}

func TestRenderIsSortedAndLabelled(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "b help", Labels("kind", "Text")).Inc()
	c.Counter("a_total", "a help", "").Add(4)
	c.Gauge("g", "gauge", "").Set(7)
	h := c.Histogram("lat_seconds", "latency", "", []float64{1, 5})
	h.Observe(0.5)
	h.Observe(3)

	out := c.Render()
	for _, want := range []string{
		"a_total 4\n",
		`b_total{kind="Text"} 1` + "\n",
		"g 7\n",
		`lat_seconds_bucket{le="1"} 1` + "\n",
		`lat_seconds_bucket{le="5"} 2` + "\n",
		"lat_seconds_count 2\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "a_total") > strings.Index(out, "b_total") {
		t.Error("counters not sorted")
	}
}

func TestLabelsEscapes(t *testing.T) {
	got := Labels("channel", "wechat", "kind", `say "hi"`)
	want := `channel="wechat",kind="say \"hi\""`
	if got != want {
		t.Fatalf("Labels = %s, want %s", got, want)
	}
}

func TestSubscribeCountsEvents(t *testing.T) {
	eb := bus.NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	Collector.Subscribe(eb)

	before := MessagesReceived("wechat", "Picture").Value()
	sentBefore := RepliesSent("wechat", "TEXT").Value()

	eb.Emit(bus.Event{Type: bus.EventMessageReceived, Payload: map[string]any{"channel": "wechat", "kind": "Picture"}})
	eb.Emit(bus.Event{Type: bus.EventReplySent, Payload: map[string]any{"channel": "wechat", "type": "TEXT", "latency": 200 * time.Millisecond}})

	if got := MessagesReceived("wechat", "Picture").Value(); got != before+1 {
		t.Errorf("received = %d, want %d", got, before+1)
	}
	if got := RepliesSent("wechat", "TEXT").Value(); got != sentBefore+1 {
		t.Errorf("sent = %d, want %d", got, sentBefore+1)
	}
}

func TestHandlerContentType(t *testing.T) {
	c := NewMetricsCollector()
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "wxbot_uptime_seconds") {
		t.Fatal("missing uptime gauge")
	}
}
