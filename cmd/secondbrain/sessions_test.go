package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestSessionsCommandsCallServer(t *testing.T) {
	t.Cleanup(viper.Reset)
	var gotAuth, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		gotBody = nil
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"status":"CONNECTED","sessionId":"alpha"}`))
	}))
	defer srv.Close()

	run := func(args ...string) string {
		t.Helper()
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append(args, "--server-url", srv.URL, "--auth-token", "tok"))
		if err := root.Execute(); err != nil {
			t.Fatalf("Execute(%v) error = %v", args, err)
		}
		return out.String()
	}

	out := run("sessions", "status", "alpha", "-o", "yaml")
	if !strings.Contains(out, "status: CONNECTED") {
		t.Fatalf("yaml output = %q", out)
	}
	if gotAuth != "Bearer tok" || gotQuery != "action=status&sessionId=alpha" {
		t.Fatalf("request auth=%q query=%q", gotAuth, gotQuery)
	}

	run("sessions", "initialize", "alpha", "--authorized", "60111", "--auto-reply=false")
	if gotQuery != "action=initialize" || gotBody["sessionId"] != "alpha" || gotBody["autoReply"] != false {
		t.Fatalf("initialize request query=%q body=%v", gotQuery, gotBody)
	}
	if _, ok := gotBody["aiEnabled"]; ok {
		t.Fatalf("unchanged flag sent: %v", gotBody)
	}

	run("sessions", "send", "60222", "hello", "--title", "Ping")
	if gotQuery != "action=notification" || gotBody["content"] != "hello" || gotBody["sessionId"] != "default" {
		t.Fatalf("send request query=%q body=%v", gotQuery, gotBody)
	}
}

func TestSessionsCommandSurfacesServerError(t *testing.T) {
	t.Cleanup(viper.Reset)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"Session not found"}`))
	}))
	defer srv.Close()

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sessions", "disconnect", "ghost", "--server-url", srv.URL})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "Session not found") {
		t.Fatalf("Execute() error = %v, want server message", err)
	}
}

func TestSessionsListTable(t *testing.T) {
	t.Cleanup(viper.Reset)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"sessions":[{"id":"alpha","status":"active","metadata":{"phoneNumber":"60111"}}],"stats":{"total":1}}`))
	}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"sessions", "list", "-o", "table", "--server-url", srv.URL})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "Sessions (1)") || !strings.Contains(out.String(), "phoneNumber=60111") {
		t.Fatalf("table output = %q", out.String())
	}
}
