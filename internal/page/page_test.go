package page

import (
	"context"
	"testing"
)

func TestTrackerReportsChangesPerRoom(t *testing.T) {
	tr := NewTracker()

	steps := []struct {
		room, content string
		want          bool
	}{
		{"R1", "# Article", true},
		{"R1", "# Article", false},
		{"R2", "# Article", true},
		{"R1", "# Article v2", true},
		{"R1", "# Article", true},
	}
	for i, s := range steps {
		if got := tr.Changed(s.room, s.content); got != s.want {
			t.Errorf("step %d: Changed(%s, %q) = %v, want %v", i, s.room, s.content, got, s.want)
		}
		tr.Mark(s.room, s.content)
	}

	if !tr.Changed("R3", "unmarked") || !tr.Changed("R3", "unmarked") {
		t.Error("Changed recorded content without Mark")
	}

	tr.Reset("R1")
	if !tr.Changed("R1", "# Article") {
		t.Error("Changed after Reset = false, want true")
	}
}

func TestSnapshot(t *testing.T) {
	var s Snapshot
	ctx := context.Background()

	if _, ok, _ := s.PageContent(ctx); ok {
		t.Fatal("empty snapshot reported content")
	}

	s.Set("https://example.com/a", "# A")
	md, ok, err := s.PageContent(ctx)
	if err != nil || !ok || md != "# A" {
		t.Errorf("PageContent = %q, %v, %v", md, ok, err)
	}
	if s.URL() != "https://example.com/a" {
		t.Errorf("URL = %q", s.URL())
	}

	s.Clear()
	if _, ok, _ := s.PageContent(ctx); ok {
		t.Error("cleared snapshot reported content")
	}
}
