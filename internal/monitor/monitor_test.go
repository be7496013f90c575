package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/gomail.v2"

	"execution-core/internal/events"
	"execution-core/internal/reconciliation"
)

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{5, 1, 3, 2, 4} {
		h.Record(v)
	}
	st := h.Stats()
	assert.Equal(t, 4, st.Count, "window drops the oldest sample")
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 4.0, st.Max)
	assert.Equal(t, 2.5, st.Avg)
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordOutcome("ENTRY", "sent")
	m.RecordOutcome("ENTRY", "sent")
	m.RecordOutcome("ENTRY", "EXECUTION_GUARD_BLOCKED")
	m.ObserveBrokerCall("place_order", 20*time.Millisecond, nil)
	m.ObserveBrokerCall("order_book", 10*time.Millisecond, errors.New("timeout"))
	m.RecordReconcile(reconciliation.Report{Checked: 3, Executed: 2, Failed: 1})

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.Outcomes["ENTRY/sent"])
	assert.Equal(t, uint64(1), s.Outcomes["ENTRY/EXECUTION_GUARD_BLOCKED"])
	assert.Equal(t, 2, s.BrokerLatency.Count)
	assert.Equal(t, uint64(1), s.BrokerErrors)
	assert.Equal(t, uint64(1), s.ReconcilePasses)
	assert.Equal(t, uint64(2), s.Executed)
	require.NotNil(t, s.LastReconcile)
	assert.Equal(t, 3, s.LastReconcile.Checked)
}

type recordingSink struct {
	name string
	got  chan events.Alert
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, a events.Alert) error {
	select {
	case s.got <- a:
	default:
	}
	return s.err
}

func TestNotifierFansOut(t *testing.T) {
	bus := events.NewBus()
	failing := &recordingSink{name: "broken", got: make(chan events.Alert, 1), err: errors.New("down")}
	ok := &recordingSink{name: "ok", got: make(chan events.Alert, 1)}
	n := NewNotifier(time.Second, zaptest.NewLogger(t).Sugar(), failing, LogSink{Log: zaptest.NewLogger(t).Sugar()}, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Start(ctx, bus) }()

	alert := events.Alert{Kind: events.AlertExitRejected, StrategyID: "A", Symbol: "NIFTY", Reason: "margin", Timestamp: time.Now()}
	require.Eventually(t, func() bool {
		bus.Publish(events.EventAlert, alert)
		select {
		case got := <-ok.got:
			return got.Reason == "margin"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	<-failing.got

	cancel()
	assert.NoError(t, <-done)
}

func TestWebhookSink(t *testing.T) {
	got := make(chan events.Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a events.Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		got <- a
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := WebhookSink{URL: srv.URL}
	require.NoError(t, sink.Send(context.Background(), events.Alert{Kind: events.AlertRiskForceExit, Symbol: "NIFTY"}))
	assert.Equal(t, "NIFTY", (<-got).Symbol)

	t.Run("non-2xx is an error", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer bad.Close()
		assert.Error(t, WebhookSink{URL: bad.URL}.Send(context.Background(), events.Alert{}))
	})
}

func TestEmailSink(t *testing.T) {
	_, err := NewEmailSink(EmailConfig{Host: "smtp.local"})
	assert.Error(t, err)

	sink, err := NewEmailSink(EmailConfig{Host: "smtp.local", Port: 25, From: "core@desk", To: []string{"ops@desk"}})
	require.NoError(t, err)

	var sent *gomail.Message
	sink.send = func(m *gomail.Message) error { sent = m; return nil }
	require.NoError(t, sink.Send(context.Background(), events.Alert{Kind: events.AlertRiskForceExit, Symbol: "NIFTY"}))
	require.NotNil(t, sent)
	assert.Equal(t, []string{"ops@desk"}, sent.GetHeader("To"))

	t.Run("slow server is cut by the timeout", func(t *testing.T) {
		sink.send = func(*gomail.Message) error { time.Sleep(time.Second); return nil }
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, sink.Send(ctx, events.Alert{}), context.DeadlineExceeded)
	})
}
