package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/engine"
	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
)

type fakeRunner struct {
	mu        sync.Mutex
	triggered []string
}

var errBusy = errors.New("record is already running")

func (f *fakeRunner) Trigger(_ context.Context, id string) error {
	if id == "busy" {
		return errBusy
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, id)
	return nil
}

func startRouter(t *testing.T, router *Router) string {
	t.Helper()

	// Let Router.Listen use ":0" to get a random port
	go router.Listen("0")

	// Wait a bit for listener to be set
	var port string
	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		router.mu.Lock()
		if router.listener != nil {
			port = fmt.Sprintf("%d", router.listener.Addr().(*net.TCPAddr).Port)
			router.mu.Unlock()
			break
		}
		router.mu.Unlock()
	}

	if port == "" {
		t.Fatalf("Server did not start in time")
	}
	t.Cleanup(func() { router.Stop() })
	return port
}

func TestRouter_TCP_Commands(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	runner := &fakeRunner{}
	router := NewRouter(store, runner, nil)
	port := startRouter(t, router)

	// Client
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// Test PING
	fmt.Fprintf(conn, "PING\n")
	line, _ := reader.ReadString('\n')
	if line != "PONG\n" {
		t.Errorf("Expected PONG, got %q", line)
	}

	// Test ADD, keeping spaces inside the JSON payload
	fmt.Fprintf(conn, "ADD {\"name\": \"Check balance\", \"code\": \"*123#\"}\n")
	line, _ = reader.ReadString('\n')
	if !strings.HasPrefix(line, "OK {") {
		t.Fatalf("Expected OK with record, got %q", line)
	}
	var rec schema.UssdRecord
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "OK ")), &rec); err != nil {
		t.Fatalf("Invalid record JSON: %v", err)
	}
	if rec.Name != "Check balance" || rec.Status != schema.StatusIdle {
		t.Errorf("Unexpected record: %+v", rec)
	}

	// Test GET
	fmt.Fprintf(conn, "GET %s\n", rec.ID)
	line, _ = reader.ReadString('\n')
	if !strings.Contains(line, "\"code\":\"*123#\"") {
		t.Errorf("Expected the record, got %q", line)
	}

	// Test LIST
	fmt.Fprintf(conn, "LIST name_asc\n")
	line, _ = reader.ReadString('\n')
	var list []schema.UssdRecord
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "OK ")), &list); err != nil || len(list) != 1 {
		t.Errorf("Expected one record, got %q (%v)", line, err)
	}

	// Test RUN
	fmt.Fprintf(conn, "RUN %s\n", rec.ID)
	line, _ = reader.ReadString('\n')
	if line != "OK\n" {
		t.Errorf("Expected OK, got %q", line)
	}
	fmt.Fprintf(conn, "RUN busy\n")
	line, _ = reader.ReadString('\n')
	if line != "ERR record is already running\n" {
		t.Errorf("Expected ERR, got %q", line)
	}

	// Test DEL
	fmt.Fprintf(conn, "DEL %s\n", rec.ID)
	line, _ = reader.ReadString('\n')
	if line != "OK\n" {
		t.Errorf("Expected OK, got %q", line)
	}

	// Test GET after DEL
	fmt.Fprintf(conn, "GET %s\n", rec.ID)
	line, _ = reader.ReadString('\n')
	if line != "ERR record not found\n" {
		t.Errorf("Expected ERR record not found, got %q", line)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.triggered) != 1 || runner.triggered[0] != rec.ID {
		t.Errorf("Expected one trigger for %s, got %v", rec.ID, runner.triggered)
	}
}

func TestRouter_AddIgnoresClientID(t *testing.T) {
	ctx := context.Background()
	store := engine.NewMemStore(nil, nil)
	existing, err := store.InsertRecord(ctx, schema.NewRecord{Name: "Balance", Code: "*123#"})
	if err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	running := schema.StatusRunning
	store.UpdateRecord(ctx, existing.ID, schema.RecordPatch{Status: &running})

	port := startRouter(t, NewRouter(store, nil, nil))
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	fmt.Fprintf(conn, "ADD {\"id\":\"%s\",\"name\":\"Other\",\"code\":\"*999#\"}\n", existing.ID)
	line, _ := reader.ReadString('\n')
	var added schema.UssdRecord
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "OK ")), &added); err != nil {
		t.Fatalf("Expected OK with record, got %q", line)
	}
	if added.ID == existing.ID {
		t.Fatal("ADD must not reuse a client-supplied id")
	}

	got, _ := store.GetRecord(ctx, existing.ID)
	if got.Code != "*123#" || got.Status != schema.StatusRunning {
		t.Errorf("Existing record was modified: %+v", got)
	}
	list, _ := store.ListRecords(ctx, schema.OrderCreatedAsc)
	if len(list) != 2 {
		t.Errorf("Expected 2 records, got %d", len(list))
	}
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	router := NewRouter(store, nil, nil)
	port := startRouter(t, router)

	// Try to open more connections than the limit
	conns := make([]net.Conn, 0)
	for i := 0; i < MaxConnections+10; i++ {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, 100*time.Millisecond)
		if err == nil {
			conns = append(conns, conn)
		}
	}

	for _, c := range conns {
		c.Close()
	}
}

func TestRouter_MalformedCommands(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	router := NewRouter(store, nil, nil)
	port := startRouter(t, router)

	conn, _ := net.Dial("tcp", "127.0.0.1:"+port)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	expect := func(want string) {
		t.Helper()
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if !strings.HasPrefix(line, want) {
			t.Errorf("Expected %q, got %q", want, line)
		}
	}

	// Incomplete commands
	fmt.Fprintf(conn, "GET\n")
	expect("ERR usage: GET")
	fmt.Fprintf(conn, "ADD\n")
	expect("ERR usage: ADD")

	// Malformed JSON
	fmt.Fprintf(conn, "ADD {invalid}\n")
	expect("ERR invalid json value")

	// Validation errors stay on one line
	fmt.Fprintf(conn, "ADD {\"name\": \"\", \"code\": \"abc\"}\n")
	line, _ := reader.ReadString('\n')
	if !strings.HasPrefix(line, "ERR ") || strings.Count(line, "\n") != 1 {
		t.Errorf("Expected a single ERR line, got %q", line)
	}

	// Runner not configured
	fmt.Fprintf(conn, "RUN abc\n")
	expect("ERR runner disabled")

	fmt.Fprintf(conn, "FROB\n")
	expect("ERR unknown command FROB")

	// Flush with a valid command
	fmt.Fprintf(conn, "PING\n")
	expect("PONG")
}

func TestRouter_StopEndsListen(t *testing.T) {
	router := NewRouter(engine.NewMemStore(nil, nil), nil, nil)

	done := make(chan error, 1)
	go func() { done <- router.Listen("0") }()

	for i := 0; i < 10 && router.Addr() == nil; i++ {
		time.Sleep(50 * time.Millisecond)
	}
	if router.Addr() == nil {
		t.Fatal("Server did not start in time")
	}

	router.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil after Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Stop")
	}
}
