package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeTestCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}
	return path
}

func csvTestHandle(t *testing.T, path string) Handle {
	t.Helper()
	adapter := NewCSV()
	h, err := adapter.Authenticate(context.Background(), Credential{Extra: map[string]string{"path": path}})
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	return h
}

func TestCSVAuthenticate(t *testing.T) {
	path := writeTestCSV(t, "id,title,state\n1,Fix bug,open\n")
	adapter := NewCSV()

	if _, err := adapter.Authenticate(context.Background(), Credential{Extra: map[string]string{"path": path}}); err != nil {
		t.Errorf("valid file: %v", err)
	}

	_, err := adapter.Authenticate(context.Background(), Credential{})
	if KindOf(err) != KindConfiguration {
		t.Errorf("missing path: kind = %v, want configuration", KindOf(err))
	}

	_, err = adapter.Authenticate(context.Background(), Credential{Extra: map[string]string{"path": "/nonexistent.csv"}})
	if KindOf(err) != KindNotFound {
		t.Errorf("missing file: kind = %v, want not_found", KindOf(err))
	}

	badHeader := writeTestCSV(t, "id,description\n1,no title or state\n")
	_, err = adapter.Authenticate(context.Background(), Credential{Extra: map[string]string{"path": badHeader}})
	if KindOf(err) != KindValidation {
		t.Errorf("bad header: kind = %v, want validation", KindOf(err))
	}
}

func TestCSVListProjects(t *testing.T) {
	path := writeTestCSV(t, "title,state\nA,open\n")
	adapter := NewCSV()
	h := csvTestHandle(t, path)

	page, err := adapter.ListProjects(context.Background(), h, "")
	if err != nil {
		t.Fatalf("ListProjects() error: %v", err)
	}
	if !page.Done || len(page.Projects) != 1 {
		t.Fatalf("ListProjects() = %+v, want one project, done", page)
	}
	if page.Projects[0].Name != "backlog" {
		t.Errorf("project name = %q, want backlog", page.Projects[0].Name)
	}
}

func TestCSVFetchEntities(t *testing.T) {
	content := "id,title,state,priority,assignee,labels\n"
	for i := 1; i <= 5; i++ {
		content += fmt.Sprintf("EXT-%d,Task %d,open,high,alice,bug|ui\n", i, i)
	}
	path := writeTestCSV(t, content)
	adapter := NewCSV()
	h := csvTestHandle(t, path)

	page, err := adapter.FetchEntities(context.Background(), h, "", "")
	if err != nil {
		t.Fatalf("FetchEntities() error: %v", err)
	}
	if len(page.Entities) != 5 {
		t.Fatalf("got %d entities, want 5", len(page.Entities))
	}
	if !page.Done {
		t.Error("page should be done")
	}
	e := page.Entities[0]
	if e.ExternalID != "EXT-1" || e.Title != "Task 1" || e.State != "open" {
		t.Errorf("entity = %+v", e)
	}
	if e.Priority != "high" || e.AssigneeID != "alice" {
		t.Errorf("priority/assignee = %q/%q", e.Priority, e.AssigneeID)
	}
	if len(e.Labels) != 2 || e.Labels[0] != "bug" || e.Labels[1] != "ui" {
		t.Errorf("labels = %v, want [bug ui]", e.Labels)
	}
}

func TestCSVFetchEntitiesCursorResume(t *testing.T) {
	content := "title,state\n"
	for i := 1; i <= 7; i++ {
		content += fmt.Sprintf("Task %d,open\n", i)
	}
	path := writeTestCSV(t, content)
	adapter := NewCSV()
	h := csvTestHandle(t, path)

	// Read from offset 3; the same cursor must return the same rows
	page1, err := adapter.FetchEntities(context.Background(), h, "", "3")
	if err != nil {
		t.Fatalf("FetchEntities(3) error: %v", err)
	}
	page2, err := adapter.FetchEntities(context.Background(), h, "", "3")
	if err != nil {
		t.Fatalf("FetchEntities(3) again error: %v", err)
	}
	if len(page1.Entities) != 4 || len(page2.Entities) != 4 {
		t.Fatalf("got %d and %d entities, want 4 each", len(page1.Entities), len(page2.Entities))
	}
	if page1.Entities[0].Title != page2.Entities[0].Title {
		t.Error("re-issued cursor returned different rows")
	}
	if page1.Entities[0].Title != "Task 4" {
		t.Errorf("first entity at offset 3 = %q, want Task 4", page1.Entities[0].Title)
	}

	// Offset past the end is done, not an error
	done, err := adapter.FetchEntities(context.Background(), h, "", "100")
	if err != nil {
		t.Fatalf("FetchEntities(100) error: %v", err)
	}
	if !done.Done || len(done.Entities) != 0 {
		t.Errorf("past-end page = %+v, want empty done page", done)
	}

	_, err = adapter.FetchEntities(context.Background(), h, "", "bogus")
	if KindOf(err) != KindConfiguration {
		t.Errorf("bad cursor: kind = %v, want configuration", KindOf(err))
	}
}

func TestCSVRowWithoutIDGetsSyntheticOne(t *testing.T) {
	path := writeTestCSV(t, "title,state\nOnly task,open\n")
	adapter := NewCSV()
	h := csvTestHandle(t, path)

	page, err := adapter.FetchEntities(context.Background(), h, "", "")
	if err != nil {
		t.Fatalf("FetchEntities() error: %v", err)
	}
	if page.Entities[0].ExternalID != "backlog.csv:1" {
		t.Errorf("synthetic id = %q, want backlog.csv:1", page.Entities[0].ExternalID)
	}
}

func TestCSVPushIsReadOnly(t *testing.T) {
	path := writeTestCSV(t, "title,state\nA,open\n")
	adapter := NewCSV()
	h := csvTestHandle(t, path)

	if _, err := adapter.PushComment(context.Background(), h, "x", "hi"); KindOf(err) != KindConfiguration {
		t.Error("PushComment should refuse with a configuration error")
	}
	if _, err := adapter.PushStateChange(context.Background(), h, "x", StateChange{State: "closed"}); KindOf(err) != KindConfiguration {
		t.Error("PushStateChange should refuse with a configuration error")
	}
	if adapter.Capabilities().Push {
		t.Error("csv adapter must not advertise push")
	}
}
