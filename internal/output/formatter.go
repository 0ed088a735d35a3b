package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"conduit/internal/models"
)

// DateTimeShortFormat is the display format for timestamps
const DateTimeShortFormat = "2006-01-02 15:04"

// Formatter defines the interface for output formatting
type Formatter interface {
	Job(j *models.ImportJob)
	JobList(jobs []models.ImportJob, title string)
	JobBrief(j *models.ImportJob)
	BatchList(batches []models.Batch)
	Connection(c *models.Connection)
	ConnectionList(conns []models.Connection)
	Success(msg string)
	Error(err error)
	Info(msg string)
	KeyValue(key, value string)
	Section(title string)
	JSON(v interface{})
}

// TextFormatter outputs human-readable text
type TextFormatter struct{}

// JSONFormatter outputs JSON
type JSONFormatter struct{}

// New returns the appropriate formatter based on json flag
func New(jsonOutput bool) Formatter {
	if jsonOutput {
		return &JSONFormatter{}
	}
	return &TextFormatter{}
}

// TextFormatter implementations

func (f *TextFormatter) Job(j *models.ImportJob) {
	fmt.Printf("ID:         %s\n", j.ID)
	fmt.Printf("Connection: %s\n", j.ConnectionID)
	fmt.Printf("Project:    %s\n", j.ProjectID)
	fmt.Printf("Scope:      %s\n", j.SourceScope)
	fmt.Printf("Status:     %s\n", j.Status)
	fmt.Printf("Batches:    %d/%d\n", j.DoneBatches, j.TotalBatches)
	if j.AllOrNothing {
		fmt.Printf("Policy:     all-or-nothing\n")
	}
	if j.ErrorSummary != "" {
		fmt.Printf("Error:      %s\n", j.ErrorSummary)
	}
	if len(j.Warnings) > 0 {
		fmt.Printf("Warnings:   %s\n", strings.Join(j.Warnings, "; "))
	}
	if j.StartedAt != nil {
		fmt.Printf("Started:    %s\n", j.StartedAt.Format(DateTimeShortFormat))
	}
	if j.FinishedAt != nil {
		fmt.Printf("Finished:   %s\n", j.FinishedAt.Format(DateTimeShortFormat))
	}
	fmt.Printf("Created:    %s\n", j.CreatedAt.Format(DateTimeShortFormat))
}

func (f *TextFormatter) JobList(jobs []models.ImportJob, title string) {
	if title != "" {
		fmt.Printf("%s (%d):\n", title, len(jobs))
	}
	for _, j := range jobs {
		f.JobBrief(&j)
	}
}

func (f *TextFormatter) JobBrief(j *models.ImportJob) {
	note := ""
	if j.ErrorSummary != "" {
		note = " - " + j.ErrorSummary
	}
	fmt.Printf("[%s] %-20s %d/%d %s%s\n", j.ID, j.Status, j.DoneBatches, j.TotalBatches, j.SourceScope, note)
}

func (f *TextFormatter) BatchList(batches []models.Batch) {
	for _, b := range batches {
		errStr := ""
		if b.Error != "" {
			errStr = " - " + b.Error
		}
		fmt.Printf("  #%d %-12s %3d items cursor=%q%s\n", b.Sequence, b.Status, b.ItemCount, b.Cursor, errStr)
	}
}

func (f *TextFormatter) Connection(c *models.Connection) {
	fmt.Printf("ID:       %s\n", c.ID)
	fmt.Printf("Provider: %s\n", c.Provider)
	fmt.Printf("Account:  %s\n", c.ExternalAccountID)
	fmt.Printf("Status:   %s\n", c.Status)
	fmt.Printf("Created:  %s\n", c.CreatedAt.Format(DateTimeShortFormat))
}

func (f *TextFormatter) ConnectionList(conns []models.Connection) {
	for _, c := range conns {
		fmt.Printf("[%s] %s/%s - %s\n", c.ID, c.Provider, c.ExternalAccountID, c.Status)
	}
}

func (f *TextFormatter) Success(msg string) {
	fmt.Println(msg)
}

func (f *TextFormatter) Error(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func (f *TextFormatter) Info(msg string) {
	fmt.Println(msg)
}

func (f *TextFormatter) KeyValue(key, value string) {
	fmt.Printf("%s: %s\n", key, value)
}

func (f *TextFormatter) Section(title string) {
	fmt.Printf("\n%s:\n", title)
}

func (f *TextFormatter) JSON(v interface{}) {
	// TextFormatter doesn't output JSON, but provide fallback
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		f.Error(err)
		return
	}
	fmt.Println(string(data))
}

// JSONFormatter implementations

func (f *JSONFormatter) Job(j *models.ImportJob) {
	f.JSON(j)
}

func (f *JSONFormatter) JobList(jobs []models.ImportJob, title string) {
	f.JSON(map[string]interface{}{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (f *JSONFormatter) JobBrief(j *models.ImportJob) {
	f.JSON(j)
}

func (f *JSONFormatter) BatchList(batches []models.Batch) {
	f.JSON(map[string]interface{}{
		"count":   len(batches),
		"batches": batches,
	})
}

func (f *JSONFormatter) Connection(c *models.Connection) {
	f.JSON(c)
}

func (f *JSONFormatter) ConnectionList(conns []models.Connection) {
	f.JSON(map[string]interface{}{
		"count":       len(conns),
		"connections": conns,
	})
}

func (f *JSONFormatter) Success(msg string) {
	f.JSON(map[string]interface{}{"success": true, "message": msg})
}

func (f *JSONFormatter) Error(err error) {
	f.JSON(map[string]interface{}{"error": true, "message": err.Error()})
}

func (f *JSONFormatter) Info(msg string) {
	f.JSON(map[string]interface{}{"message": msg})
}

func (f *JSONFormatter) KeyValue(key, value string) {
	f.JSON(map[string]string{key: value})
}

func (f *JSONFormatter) Section(title string) {
	// JSON doesn't need section headers
}

func (f *JSONFormatter) JSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"error": true, "message": "JSON marshal error: %s"}`+"\n", err.Error())
		return
	}
	fmt.Println(string(data))
}
