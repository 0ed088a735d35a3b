package provider

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const csvPageSize = 100

func init() {
	Register("csv", func() Adapter { return NewCSV() })
}

// CSV implements Adapter over a flat file, treating it as one more
// provider instead of a special case: ListProjects yields a single
// synthetic project and FetchEntities reads rows page by page.
//
// Expected header: id,title,description,state,priority,assignee,labels.
// Only title and state are required; labels are pipe-separated.
type CSV struct{}

// NewCSV creates a CSV adapter
func NewCSV() *CSV {
	return &CSV{}
}

// Name returns the provider identifier
func (c *CSV) Name() string { return "csv" }

// Capabilities returns the CSV adapter's behavior flags. Flat files take
// multiple connections (one per file), deliver no events, and are
// read-only.
func (c *CSV) Capabilities() Capabilities {
	return Capabilities{MultipleConnections: true, Webhooks: false, Push: false}
}

type csvHandle struct {
	path string
}

func (h *csvHandle) AccountID() string { return h.path }

// Authenticate checks the file exists and has a parseable header. The
// credential's Extra["path"] carries the file location; there is no
// secret.
func (c *CSV) Authenticate(ctx context.Context, cred Credential) (Handle, error) {
	path := cred.Extra["path"]
	if path == "" {
		return nil, NewError(KindConfiguration, "csv.authenticate", "missing file path", nil)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(KindNotFound, "csv.authenticate", fmt.Sprintf("file %s not found", path), err)
		}
		return nil, NewError(KindAuth, "csv.authenticate", fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil, NewError(KindValidation, "csv.authenticate", "unreadable CSV header", err)
	}
	if _, err := columnIndex(header); err != nil {
		return nil, err
	}
	return &csvHandle{path: path}, nil
}

// ListProjects returns the single synthetic project backed by the file
func (c *CSV) ListProjects(ctx context.Context, h Handle, cursor string) (ProjectPage, error) {
	ch, err := c.handle(h)
	if err != nil {
		return ProjectPage{}, err
	}
	name := strings.TrimSuffix(filepath.Base(ch.path), filepath.Ext(ch.path))
	return ProjectPage{
		Projects: []ProjectRef{{ID: ch.path, Name: name}},
		Done:     true,
	}, nil
}

// FetchEntities reads one page of rows. The cursor is the row offset, so
// re-issuing a cursor after a crash re-reads the same rows.
func (c *CSV) FetchEntities(ctx context.Context, h Handle, scope, cursor string) (EntityPage, error) {
	ch, err := c.handle(h)
	if err != nil {
		return EntityPage{}, err
	}

	offset := 0
	if cursor != "" {
		offset, err = strconv.Atoi(cursor)
		if err != nil || offset < 0 {
			return EntityPage{}, NewError(KindConfiguration, "csv.fetch_entities", fmt.Sprintf("invalid cursor %q", cursor), err)
		}
	}

	f, err := os.Open(ch.path)
	if err != nil {
		return EntityPage{}, NewError(KindNotFound, "csv.fetch_entities", fmt.Sprintf("file %s not found", ch.path), err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return EntityPage{}, NewError(KindValidation, "csv.fetch_entities", "unreadable CSV header", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return EntityPage{}, err
	}

	// Skip rows before the offset
	for i := 0; i < offset; i++ {
		if _, err := reader.Read(); err == io.EOF {
			return EntityPage{Done: true}, nil
		} else if err != nil {
			return EntityPage{}, NewError(KindValidation, "csv.fetch_entities", fmt.Sprintf("bad row %d", i+1), err)
		}
	}

	out := EntityPage{}
	row := offset
	for len(out.Entities) < csvPageSize {
		record, err := reader.Read()
		if err == io.EOF {
			out.Done = true
			break
		}
		if err != nil {
			return EntityPage{}, NewError(KindValidation, "csv.fetch_entities", fmt.Sprintf("bad row %d", row+1), err)
		}
		row++

		entity, err := convertRow(ch.path, cols, record, row)
		if err != nil {
			return EntityPage{}, err
		}
		out.Entities = append(out.Entities, entity)
	}
	if !out.Done {
		out.NextCursor = strconv.Itoa(row)
	}
	return out, nil
}

// PushComment is unsupported; flat files are import-only
func (c *CSV) PushComment(ctx context.Context, h Handle, externalID, body string) (PushAck, error) {
	return PushAck{}, NewError(KindConfiguration, "csv.push_comment", "csv provider is read-only", nil)
}

// PushStateChange is unsupported; flat files are import-only
func (c *CSV) PushStateChange(ctx context.Context, h Handle, externalID string, change StateChange) (PushAck, error) {
	return PushAck{}, NewError(KindConfiguration, "csv.push_state", "csv provider is read-only", nil)
}

func (c *CSV) handle(h Handle) (*csvHandle, error) {
	ch, ok := h.(*csvHandle)
	if !ok {
		return nil, NewError(KindConfiguration, "csv", "handle does not belong to the csv adapter", nil)
	}
	return ch, nil
}

type csvColumns struct {
	id, title, description, state, priority, assignee, labels int
}

func columnIndex(header []string) (csvColumns, error) {
	cols := csvColumns{id: -1, title: -1, description: -1, state: -1, priority: -1, assignee: -1, labels: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id":
			cols.id = i
		case "title", "name":
			cols.title = i
		case "description", "body":
			cols.description = i
		case "state", "status":
			cols.state = i
		case "priority":
			cols.priority = i
		case "assignee":
			cols.assignee = i
		case "labels":
			cols.labels = i
		}
	}
	if cols.title < 0 || cols.state < 0 {
		return cols, NewError(KindValidation, "csv", "header must include title and state columns", nil)
	}
	return cols, nil
}

func convertRow(path string, cols csvColumns, record []string, row int) (RawEntity, error) {
	field := func(idx int) string {
		if idx < 0 || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	title := field(cols.title)
	if title == "" {
		return RawEntity{}, NewError(KindValidation, "csv", fmt.Sprintf("row %d: missing title", row), nil)
	}

	externalID := field(cols.id)
	if externalID == "" {
		externalID = fmt.Sprintf("%s:%d", filepath.Base(path), row)
	}

	entity := RawEntity{
		ExternalID:  externalID,
		Kind:        "issue",
		Title:       title,
		Description: field(cols.description),
		State:       field(cols.state),
		Priority:    field(cols.priority),
		AssigneeID:  field(cols.assignee),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if labels := field(cols.labels); labels != "" {
		for _, l := range strings.Split(labels, "|") {
			if l = strings.TrimSpace(l); l != "" {
				entity.Labels = append(entity.Labels, l)
			}
		}
	}
	return entity, nil
}
