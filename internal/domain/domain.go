package domain

import (
	"strings"
	"time"
)

// Project is the upstream project record. Only the fields the dashboard
// derives metrics from are typed.
type Project struct {
	ID                int    `json:"id"`
	Number            string `json:"number"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	ManagerID         int    `json:"managerid"`
	ManagerName       string `json:"managername"`
	Status            string `json:"status"`
	CustomStatus      string `json:"customstatus"`
	CustomStatusColor string `json:"customstatuscolor"`
	CompanyName       string `json:"companyname"`
	Priority          any    `json:"priority,omitempty"`
	StartDate         string `json:"startdate"`
	DueDate           string `json:"duedate"`
	LastModifiedUTC   string `json:"lastmodifiedutc"`
}

// StatusLabel is the label the dashboard classifies on: the custom status
// when present, otherwise the base status.
func (p Project) StatusLabel() string {
	if strings.TrimSpace(p.CustomStatus) != "" {
		return p.CustomStatus
	}
	if strings.TrimSpace(p.Status) != "" {
		return p.Status
	}
	return "Active"
}

// TaskRef is an entry of a project's task list.
type TaskRef struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Order       int    `json:"order1"`
	OrderNumber string `json:"ordernumber"`
}

type Contact struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	FirstName string `json:"firstname,omitempty"`
	LastName  string `json:"lastname,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DisplayName falls back to first/last name when name is empty.
func (c Contact) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return strings.TrimSpace(c.Name)
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Task is the upstream task detail record.
type Task struct {
	ID            int       `json:"id"`
	ProjectID     int       `json:"projectid"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Description   string    `json:"description,omitempty"`
	Priority      any       `json:"priority,omitempty"`
	StartDate     string    `json:"startdate"`
	DueDate       string    `json:"duedate"`
	CompleteDate  string    `json:"completedate"`
	TimeAllocated float64   `json:"timeallocated"`
	TimeTracked   float64   `json:"timetracked"`
	Contacts      []Contact `json:"contacts"`
}

// Completed reports the upstream "complete" status.
func (t Task) Completed() bool {
	return strings.EqualFold(t.Status, "complete")
}

// Assignees returns the non-empty contact names.
func (t Task) Assignees() []string {
	var out []string
	for _, c := range t.Contacts {
		if n := c.DisplayName(); n != "" {
			out = append(out, n)
		}
	}
	return out
}

type File struct {
	Name string `json:"name"`
	Link string `json:"link,omitempty"`
	Size int64  `json:"size"`
}

type Message struct {
	ID                int    `json:"id"`
	Date              string `json:"date"`
	AuthorName        string `json:"authorname"`
	AuthorType        string `json:"authortype"`
	AuthorImage       string `json:"authorimage,omitempty"`
	Content           string `json:"content"`
	Files             []File `json:"files,omitempty"`
	OriginalMessageID int    `json:"originalmessageid,omitempty"`
}

type StatusOption struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ProjectRequest is an upstream request waiting for assignment.
type ProjectRequest struct {
	ID                 int    `json:"id"`
	Title              string `json:"title"`
	Status             string `json:"status,omitempty"`
	DueDate            string `json:"duedate"`
	DateRequested      string `json:"daterequested,omitempty"`
	RecipientGroupName string `json:"recipientgroupname"`
	RequesterName      string `json:"requestername,omitempty"`
	CompanyName        string `json:"companyname,omitempty"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate parses the date formats the upstream emits. Values without a
// zone are read in loc.
func ParseDate(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseDatePtr is ParseDate returning nil when absent or unparseable.
func ParseDatePtr(s string, loc *time.Location) *time.Time {
	t, ok := ParseDate(s, loc)
	if !ok {
		return nil
	}
	return &t
}

// AuditEvent records one write sent upstream.
type AuditEvent struct {
	ID         string `json:"id"`
	TS         string `json:"ts"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload,omitempty"`
}
