package notify

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

func notification(i int) models.Notification {
	return models.Notification{
		ID:        uuid.New(),
		Type:      models.NotificationNewBooking,
		Message:   "booking",
		RefID:     uuid.New(),
		CreatedAt: time.Date(2026, 5, 1, 12, 0, i, 0, time.UTC),
	}
}

func TestFeedKeepsTheFiftyMostRecent(t *testing.T) {
	feed := NewFeed(DefaultFeedCapacity)
	var added []models.Notification
	for i := 0; i < 51; i++ {
		n := notification(i)
		added = append(added, n)
		if !feed.Add(n) {
			t.Fatalf("Add %d rejected", i)
		}
	}

	items := feed.Snapshot()
	if len(items) != 50 {
		t.Fatalf("expected 50 notifications, got %d", len(items))
	}
	if items[0].ID != added[50].ID {
		t.Fatal("expected the newest notification first")
	}
	if items[49].ID != added[1].ID {
		t.Fatal("expected the oldest notification to be evicted")
	}
	for _, n := range items {
		if n.ID == added[0].ID {
			t.Fatal("evicted notification still present")
		}
	}
	if feed.UnreadCount() != 50 {
		t.Fatalf("expected 50 unread, got %d", feed.UnreadCount())
	}
}

func TestFeedDropsDuplicateIDs(t *testing.T) {
	feed := NewFeed(DefaultFeedCapacity)
	n := notification(0)
	if !feed.Add(n) {
		t.Fatal("first Add rejected")
	}
	if feed.Add(n) {
		t.Fatal("duplicate Add accepted")
	}
	if len(feed.Snapshot()) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(feed.Snapshot()))
	}
}

func TestFeedMutationsPublishNewSnapshots(t *testing.T) {
	feed := NewFeed(DefaultFeedCapacity)
	first, second := notification(0), notification(1)
	feed.Add(first)
	feed.Add(second)

	var published [][]models.Notification
	release := feed.Observe(func(items []models.Notification) { published = append(published, items) })
	defer release()

	before := feed.Snapshot()
	if !feed.MarkAsRead(first.ID) {
		t.Fatal("MarkAsRead reported no change")
	}
	if feed.MarkAsRead(first.ID) {
		t.Fatal("second MarkAsRead reported a change")
	}
	if before[1].IsRead {
		t.Fatal("earlier snapshot was mutated")
	}
	if feed.UnreadCount() != 1 {
		t.Fatalf("expected 1 unread, got %d", feed.UnreadCount())
	}

	feed.MarkAllAsRead()
	if feed.UnreadCount() != 0 {
		t.Fatalf("expected 0 unread, got %d", feed.UnreadCount())
	}
	feed.MarkAllAsRead()

	feed.Clear()
	if len(feed.Snapshot()) != 0 {
		t.Fatal("expected an empty feed after Clear")
	}
	feed.Clear()

	if len(published) != 3 {
		t.Fatalf("expected 3 published snapshots, got %d", len(published))
	}
	if UnreadIn(published[0]) != 1 || UnreadIn(published[1]) != 0 || len(published[2]) != 0 {
		t.Fatalf("unexpected published snapshots: %+v", published)
	}
}
