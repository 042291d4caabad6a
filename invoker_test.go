package blinkpay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInvoke_Success(t *testing.T) {
	var gotMethod, gotAccept string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":42}`))
	}))
	defer target.Close()

	inv := NewTargetInvoker(5 * time.Second)
	result, err := inv.Invoke(context.Background(), &Blink{TargetURL: target.URL, TargetMethod: http.MethodPost})
	if err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("target saw method %s", gotMethod)
	}
	if gotAccept != "application/json" {
		t.Errorf("target saw Accept %q", gotAccept)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("status = %d", result.StatusCode)
	}
	if string(result.Body) != `{"answer":42}` {
		t.Errorf("body = %s", result.Body)
	}
	if result.Duration <= 0 {
		t.Error("duration must be measured")
	}
}

func TestInvoke_DefaultsToGET(t *testing.T) {
	var gotMethod string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Write([]byte(`{}`))
	}))
	defer target.Close()

	inv := NewTargetInvoker(5 * time.Second)
	if _, err := inv.Invoke(context.Background(), &Blink{TargetURL: target.URL}); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("empty method must default to GET, got %s", gotMethod)
	}
}

func TestInvoke_Non2xxFails(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer target.Close()

	inv := NewTargetInvoker(5 * time.Second)
	result, err := inv.Invoke(context.Background(), &Blink{TargetURL: target.URL})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if result == nil || result.StatusCode != http.StatusBadGateway {
		t.Errorf("result must carry the status code, got %+v", result)
	}
}

func TestInvoke_Unreachable(t *testing.T) {
	inv := NewTargetInvoker(500 * time.Millisecond)
	result, err := inv.Invoke(context.Background(), &Blink{TargetURL: "http://127.0.0.1:1/nope"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if result == nil || result.Duration <= 0 {
		t.Error("duration must be reported even on transport failure")
	}
}

func TestInvoke_OutputSchema(t *testing.T) {
	schema := `{"type":"object","required":["price"],"properties":{"price":{"type":"number"}}}`

	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"matching", `{"price":1.5}`, true},
		{"missing required field", `{"quote":"x"}`, false},
		{"wrong type", `{"price":"expensive"}`, false},
		{"not json", `hello`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer target.Close()

			inv := NewTargetInvoker(5 * time.Second)
			_, err := inv.Invoke(context.Background(), &Blink{TargetURL: target.URL, OutputSchema: schema})
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected schema validation failure")
			}
		})
	}
}
