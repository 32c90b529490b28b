package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
)

func newEndpoint(party, url string) *Endpoint {
	return &Endpoint{
		ID:        "nep_" + party,
		Party:     party,
		URL:       url,
		Secret:    "test-secret",
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func TestDispatchSignsPayload(t *testing.T) {
	received := make(chan struct {
		body []byte
		sig  string
		kind string
	}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- struct {
			body []byte
			sig  string
			kind string
		}{body, r.Header.Get("X-Clearhold-Signature"), r.Header.Get("X-Clearhold-Event")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	if err := store.Create(context.Background(), newEndpoint("payer-1", srv.URL)); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	d := NewDispatcher(store)
	event := &Event{
		ID:        "evt_1",
		Kind:      "escrow.released",
		EscrowID:  "esc_1",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"status": "released"},
	}
	if err := d.DispatchToParty(context.Background(), "payer-1", event); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case got := <-received:
		if got.kind != "escrow.released" {
			t.Errorf("event header = %q, want escrow.released", got.kind)
		}
		if !VerifySignature(got.body, "test-secret", got.sig) {
			t.Error("signature did not verify against the endpoint secret")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint never received the event")
	}

	// Delivery result lands on the endpoint record.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ep, err := store.Get(context.Background(), "nep_payer-1")
		if err != nil {
			t.Fatalf("get endpoint: %v", err)
		}
		if ep.LastSuccess != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("LastSuccess never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchSkipsInactiveEndpoints(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ep := newEndpoint("payer-1", srv.URL)
	ep.Active = false
	if err := store.Create(context.Background(), ep); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	d := NewDispatcher(store)
	if err := d.DispatchToParty(context.Background(), "payer-1", &Event{ID: "evt_1", Kind: "escrow.created", Timestamp: time.Now()}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := hits.Load(); n != 0 {
		t.Errorf("inactive endpoint got %d deliveries, want 0", n)
	}
}

func TestDispatchRecordsEndpointFailure(t *testing.T) {
	// 404 is permanent: no retries, the error lands immediately.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	if err := store.Create(context.Background(), newEndpoint("payer-1", srv.URL)); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	d := NewDispatcher(store)
	if err := d.DispatchToParty(context.Background(), "payer-1", &Event{ID: "evt_1", Kind: "escrow.created", Timestamp: time.Now()}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ep, _ := store.Get(context.Background(), "nep_payer-1")
		if ep != nil && ep.LastError != "" {
			if ep.LastError != "status 404" {
				t.Errorf("LastError = %q, want %q", ep.LastError, "status 404")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("LastError never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	if err := store.Create(context.Background(), newEndpoint("payer-1", srv.URL)); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	d := NewDispatcher(store)
	if err := d.DispatchToParty(context.Background(), "payer-1", &Event{ID: "evt_1", Kind: "escrow.created", Timestamp: time.Now()}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		ep, _ := store.Get(context.Background(), "nep_payer-1")
		if ep != nil && ep.LastSuccess != nil {
			if n := hits.Load(); n != 2 {
				t.Errorf("endpoint hit %d times, want 2", n)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("delivery never succeeded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmitterFansOutToBothParties(t *testing.T) {
	received := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	escrows := escrow.NewMemoryStore()
	e := &escrow.Escrow{
		ID:        "esc_1",
		Alias:     "AB12CD34",
		Payer:     "payer-1",
		Recipient: "recipient-1",
		Status:    escrow.StatusFunded,
	}
	if err := escrows.Create(context.Background(), e); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	epStore := NewMemoryStore()
	for _, ep := range []*Endpoint{
		newEndpoint("payer-1", srv.URL+"/payer"),
		newEndpoint("recipient-1", srv.URL+"/recipient"),
	} {
		if err := epStore.Create(context.Background(), ep); err != nil {
			t.Fatalf("create endpoint: %v", err)
		}
	}

	em := NewEmitter(escrows, NewDispatcher(epStore), nil)
	em.Emit("esc_1", "escrow.released", map[string]interface{}{"status": "released"})

	paths := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-received:
			paths[p] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 parties received the event", i)
		}
	}
	if !paths["/payer"] || !paths["/recipient"] {
		t.Errorf("delivered paths = %v, want both /payer and /recipient", paths)
	}
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"kind":"escrow.released"}`)
	sig := Sign(payload, "secret-a")

	if !VerifySignature(payload, "secret-a", sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature([]byte(`{"kind":"escrow.refunded"}`), "secret-a", sig) {
		t.Error("tampered payload accepted")
	}
	if VerifySignature(payload, "secret-b", sig) {
		t.Error("wrong secret accepted")
	}
}
