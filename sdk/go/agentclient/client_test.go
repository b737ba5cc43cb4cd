package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization header %q", got)
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.UserID != "u1" {
			t.Errorf("unexpected body: %+v %v", msg, err)
		}
		_ = json.NewEncoder(w).Encode(Reply{Status: "message received", Message: "hello"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("tok")

	reply, err := client.SendMessage(context.Background(), Message{Message: "hi", UserID: "u1"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if reply.Message != "hello" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestAPIErrorCarriesApology(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "code": "SESSION_BUSY", "message": "sorry"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.SendMessage(context.Background(), Message{Message: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "SESSION_BUSY" || apiErr.Message != "sorry" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestSubmitAndWaitForPlan(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /plans", func(w http.ResponseWriter, r *http.Request) {
		var sub PlanSubmission
		_ = json.NewDecoder(r.Body).Decode(&sub)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Plan{ID: "p1", UserID: sub.UserID, Plan: string(sub.PlanJSON), Status: "pending"})
	})
	mux.HandleFunc("GET /plans/{id}", func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if polls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Plan{ID: r.PathValue("id"), Status: status, Reply: "done"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := client.SubmitPlan(ctx, PlanSubmission{UserID: "u1", PlanJSON: json.RawMessage(`{"steps":[]}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.ID != "p1" || p.Plan != `{"steps":[]}` {
		t.Fatalf("unexpected plan: %+v", p)
	}

	done, err := client.WaitForPlan(ctx, p.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !done.Finished() || done.Reply != "done" || polls.Load() != 3 {
		t.Fatalf("unexpected final plan: %+v polls=%d", done, polls.Load())
	}
}
