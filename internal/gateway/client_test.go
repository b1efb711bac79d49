package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChatSendsMessageAndHistory(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		JSONResponse(w, map[string]interface{}{"answer": "hello", "log": []string{"step one"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Chat(context.Background(), "hi", []HistoryEntry{{Role: "user", Content: "earlier"}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Answer != "hello" || len(resp.Log) != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
	if gotBody["message"] != "hi" {
		t.Errorf("unexpected message %v", gotBody["message"])
	}
	if _, ok := gotBody["history"]; !ok {
		t.Error("history missing from request body")
	}
}

func TestChatSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		JSONResponse(w, map[string]string{"error": "No message provided"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Chat(context.Background(), "hi", nil)
	if err == nil || !strings.Contains(err.Error(), "No message provided") {
		t.Fatalf("expected the service error surfaced, got %v", err)
	}
}

func TestInterruptPostsToProposalPath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		JSONResponse(w, map[string]string{"message": "Interruption signal sent."})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Interrupt(context.Background(), "p-42"); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if gotPath != "/api/proposal/p-42/interrupt" || gotMethod != http.MethodPost {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestUploadSendsMultipartFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing multipart file: %v", err)
		}
		defer func() {
			_ = file.Close()
		}()
		if header.Filename != "notes.txt" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		JSONResponse(w, map[string]string{"status": "ingested"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Upload(context.Background(), "notes.txt", strings.NewReader("file body"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if resp.Status != "ingested" {
		t.Errorf("unexpected status %q", resp.Status)
	}
}

// JSONResponse writes v as a JSON body in test handlers.
func JSONResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
