package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

func TestDecodeChange(t *testing.T) {
	payload := `{"id":"7f1c","table":"bookings","type":"UPDATE","record":{"id":"b1","status":"cancelled"},"old_record":{"id":"b1","status":"pending"},"commit_timestamp":"2026-10-17T09:00:00Z"}`

	change, err := DecodeChange([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeChange: %v", err)
	}
	if change.Collection != models.CollectionBookings || change.Type != models.ChangeUpdate {
		t.Fatalf("unexpected change: %+v", change)
	}

	var old struct {
		Status string `json:"status"`
	}
	ok, err := change.DecodeOld(&old)
	if err != nil || !ok || old.Status != "pending" {
		t.Fatalf("DecodeOld = %v, %v, %+v", ok, err, old)
	}
}

func TestDecodeChangeRejectsIncompletePayloads(t *testing.T) {
	cases := []string{
		`not json`,
		`{"table":"messages","type":"INSERT","record":{}}`,
		`{"id":"x","table":"messages","type":"DELETE","record":{}}`,
	}
	for _, payload := range cases {
		if _, err := DecodeChange([]byte(payload)); err == nil {
			t.Fatalf("expected error for %s", payload)
		}
	}
}

func TestRoutesUsesRoutedColumns(t *testing.T) {
	change := models.Change{
		ID:         "c",
		Collection: models.CollectionBookings,
		Type:       models.ChangeInsert,
		Record:     []byte(`{"id":"b1","artist_id":"a1","customer_id":"u1"}`),
	}
	routed, err := routes(change)
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	if len(routed) != 2 {
		t.Fatalf("expected 2 routes, got %+v", routed)
	}
	if !matches(FilteredScope(models.CollectionBookings, "customer_id", "u1"), change, routed) {
		t.Fatal("expected customer scope to match")
	}
	if matches(FilteredScope(models.CollectionBookings, "artist_id", "u1"), change, routed) {
		t.Fatal("did not expect artist scope to match the customer id")
	}
	if changeSubject(routed[0]) != "changes.bookings.artist_id.a1" {
		t.Fatalf("unexpected subject %q", changeSubject(routed[0]))
	}
}

type stubRow struct {
	data []byte
	err  error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*[]byte) = r.data
	return nil
}

type stubQuerier struct {
	row     stubRow
	queries []string
	args    [][]any
}

func (q *stubQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.queries = append(q.queries, sql)
	q.args = append(q.args, args)
	return q.row
}

func TestHydrateChangeLoadsTheFullRow(t *testing.T) {
	content := strings.Repeat(`"`, 4000)
	full, err := json.Marshal(map[string]any{
		"id":              "m1",
		"conversation_id": "c1",
		"sender_id":       "u1",
		"content":         content,
		"is_read":         false,
	})
	if err != nil {
		t.Fatal(err)
	}
	q := &stubQuerier{row: stubRow{data: full}}
	change := models.Change{
		ID:         "n1",
		Collection: models.CollectionMessages,
		Type:       models.ChangeUpdate,
		Record:     []byte(`{"id":"m1","conversation_id":"c1","sender_id":"u1","is_read":true}`),
		Old:        []byte(`{"id":"m1","conversation_id":"c1","sender_id":"u1","is_read":false}`),
	}

	hydrated, err := hydrateChange(context.Background(), q, change)
	if err != nil {
		t.Fatalf("hydrateChange: %v", err)
	}
	if len(q.queries) != 1 || !strings.Contains(q.queries[0], `FROM "messages" t`) || q.args[0][0] != "m1" {
		t.Fatalf("unexpected query %v %v", q.queries, q.args)
	}

	var message struct {
		Content string `json:"content"`
		IsRead  bool   `json:"is_read"`
	}
	if err := hydrated.Decode(&message); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if message.Content != content {
		t.Fatalf("expected the full content, got %d bytes", len(message.Content))
	}
	if !message.IsRead {
		t.Fatal("columns sent with the change must win over the loaded row")
	}
	if string(hydrated.Old) != string(change.Old) {
		t.Fatalf("old record changed: %s", hydrated.Old)
	}
}

func TestHydrateChangeFailures(t *testing.T) {
	ctx := context.Background()

	q := &stubQuerier{row: stubRow{err: pgx.ErrNoRows}}
	_, err := hydrateChange(ctx, q, models.Change{
		ID: "n1", Collection: models.CollectionBookings, Type: models.ChangeUpdate,
		Record: []byte(`{"id":"b1","status":"cancelled"}`),
	})
	if !errors.Is(err, errRowGone) {
		t.Fatalf("expected errRowGone, got %v", err)
	}

	q = &stubQuerier{}
	if _, err := hydrateChange(ctx, q, models.Change{
		ID: "n2", Collection: "pg_authid", Type: models.ChangeInsert, Record: []byte(`{"id":"x"}`),
	}); err == nil {
		t.Fatal("expected unknown tables to be rejected")
	}
	if _, err := hydrateChange(ctx, q, models.Change{
		ID: "n3", Collection: models.CollectionProfiles, Type: models.ChangeUpdate, Record: []byte(`{"role":"artist"}`),
	}); err == nil {
		t.Fatal("expected a record without id to be rejected")
	}
	if len(q.queries) != 0 {
		t.Fatalf("rejected changes must not query, got %v", q.queries)
	}
}
