package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/record"
	"github.com/nesttask/nesttask/internal/engine/snapshot"
)

type recordedRequest struct {
	method string
	path   string
}

func TestApplyMapsOperationsToMethods(t *testing.T) {
	var got []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, recordedRequest{method: r.Method, path: r.URL.Path})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil, nil)
	ctx := context.Background()

	ops := []*record.PendingOperation{
		{ID: "op1", EntityType: record.EntityTask, Kind: record.OpCreate,
			Payload: json.RawMessage(`{"id":"t1"}`)},
		{ID: "op2", EntityType: record.EntityTask, Kind: record.OpUpdate,
			Payload: json.RawMessage(`{"id":"t1","done":true}`)},
		{ID: "op3", EntityType: record.EntityCourse, Kind: record.OpDelete,
			Payload: json.RawMessage(`{"id":"c7"}`)},
	}
	for _, op := range ops {
		if err := c.Apply(ctx, op); err != nil {
			t.Fatalf("Apply(%s) failed: %v", op.Kind, err)
		}
	}

	want := []recordedRequest{
		{http.MethodPost, "/api/tasks"},
		{http.MethodPut, "/api/tasks/t1"},
		{http.MethodDelete, "/api/courses/c7"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestApplyRejectionCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil, nil)
	op := &record.PendingOperation{ID: "op1", EntityType: record.EntityTask,
		Kind: record.OpCreate, Payload: json.RawMessage(`{}`)}

	err := c.Apply(context.Background(), op)
	if err == nil {
		t.Fatal("expected a rejected apply to fail")
	}
	var applyErr *ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("expected ApplyError, got %T: %v", err, err)
	}
	if applyErr.Status != http.StatusConflict {
		t.Errorf("expected status 409 in error, got %d", applyErr.Status)
	}
}

func TestDeleteOfMissingRecordIsConfirmed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil, nil)
	op := &record.PendingOperation{ID: "op1", EntityType: record.EntityTask,
		Kind: record.OpDelete, Payload: json.RawMessage(`{"id":"gone"}`)}

	if err := c.Apply(context.Background(), op); err != nil {
		t.Errorf("expected delete of a missing record to be confirmed, got %v", err)
	}
}

func TestFetchCapturesSnapshot(t *testing.T) {
	body := `[{"id":"t1","payload":{"title":"remote"}}]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(body))
	}))
	defer server.Close()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath, db.TargetSchemaVersion)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	defer database.Close()
	snapshots := snapshot.New(database)

	c := NewClient(server.URL, nil, snapshots, nil)
	ctx := context.Background()

	recs, err := c.Fetch(ctx, record.EntityTask)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "t1" {
		t.Fatalf("unexpected records: %+v", recs)
	}

	entry, ok, err := snapshots.Get(ctx, snapshot.GroupAPI, "/api/tasks")
	if err != nil {
		t.Fatalf("snapshot Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the response captured as a snapshot")
	}
	if string(entry.Body) != body {
		t.Errorf("unexpected snapshot body: %s", entry.Body)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil, nil)
	if _, err := c.Fetch(context.Background(), record.EntityTask); err == nil {
		t.Fatal("expected fetch against a failing remote to error")
	}
}
