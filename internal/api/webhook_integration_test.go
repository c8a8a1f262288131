package api

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/CollectPipe/internal/flow"
	"github.com/BTreeMap/CollectPipe/internal/messaging"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
	"github.com/BTreeMap/CollectPipe/internal/testutil"
	"github.com/BTreeMap/CollectPipe/internal/twiliowhatsapp"
)

func farFuture() time.Time { return time.Now().Add(time.Hour) }

func TestWebhookToReply(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := twiliowhatsapp.NewMockClient()
	llm := &testutil.CollectionsLLM{State: models.StateGreen, ReplyText: "Te envío el link de pago."}
	pipeline := flow.NewPipeline(st, flow.NewClassifier(llm), flow.NewComposer(llm), messaging.NewGateway(sender, "mock"), nil)

	runner := store.NewJobRunner(st, 10*time.Millisecond)
	flow.RegisterJobHandlers(runner, pipeline)
	s := NewServer(flow.NewIngestionQueue(st, st, runner), nil, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { runner.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	rr := serve(s, webhookRequest("/webhook/twilio", url.Values{"From": {"whatsapp:+5491155551234"}, "Body": {"quiero pagar"}, "MessageSid": {"SMa"}}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(sender.Sent()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	sent := sender.Sent()
	if len(sent) != 1 || sent[0].To != "5491155551234" || sent[0].Body != "Te envío el link de pago." {
		t.Fatalf("sent = %+v", sent)
	}
	d, _ := st.GetDebtor(context.Background(), DefaultOwnerID, "5491155551234")
	if d == nil || d.State != models.StateGreen {
		t.Fatalf("debtor = %+v", d)
	}
}
