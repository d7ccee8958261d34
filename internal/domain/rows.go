package domain

// ProjectRow is one line of the project health table.
type ProjectRow struct {
	ProjectID                    int    `json:"projectId"`
	Number                       string `json:"number"`
	Title                        string `json:"title"`
	Owner                        string `json:"owner"`
	ManagerID                    int    `json:"managerId"`
	CustomStatus                 string `json:"customStatus"`
	StatusColor                  string `json:"statusColor"`
	Status                       string `json:"status"`
	Client                       string `json:"client"`
	Priority                     any    `json:"priority"`
	StartDate                    string `json:"startDate"`
	DueDate                      string `json:"dueDate,omitempty"`
	DaysSinceStart               int    `json:"daysSinceStart"`
	DaysIdle                     int    `json:"daysIdle"`
	DaysUntilDue                 *int   `json:"daysUntilDue"`
	IsOverdue                    bool   `json:"isOverdue"`
	IsUpcoming                   bool   `json:"isUpcoming"`
	MessageCount                 int    `json:"messageCount"`
	LastMessageDate              string `json:"lastMessageDate,omitempty"`
	CommunicationStatus          string `json:"communicationStatus"`
	BusinessDaysSinceLastContact *int   `json:"businessDaysSinceLastContact"`
	Rush                         bool   `json:"rush"`
	AssignmentStatus             string `json:"assignmentStatus"`
	AssignmentOverdue            bool   `json:"assignmentOverdue"`
	BusinessDaysInQueue          int    `json:"businessDaysInQueue"`
	NeedsStatusUpdateReason      string `json:"needsStatusUpdateReason,omitempty"`
	Error                        bool   `json:"error,omitempty"`
}

// ManagerFacet is a distinct manager observed among team projects.
type ManagerFacet struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// TaskRow is one task of a project's paged task list.
type TaskRow struct {
	ID            int      `json:"id"`
	Title         string   `json:"title"`
	Status        string   `json:"status"`
	Completed     bool     `json:"completed"`
	AssignedTo    string   `json:"assignedTo"`
	Assignees     []string `json:"assignees,omitempty"`
	StartDate     string   `json:"startDate,omitempty"`
	DueDate       string   `json:"dueDate,omitempty"`
	CompleteDate  string   `json:"completeDate,omitempty"`
	DueDateStatus string   `json:"dueDateStatus"`
	DaysUntilDue  *int     `json:"daysUntilDue"`
	Priority      any      `json:"priority"`
	Description   string   `json:"description,omitempty"`
	Order         int      `json:"order"`
	TaskNumber    string   `json:"taskNumber,omitempty"`
	TimeAllocated float64  `json:"timeAllocated"`
	TimeTracked   float64  `json:"timeTracked"`
	MessageSource string   `json:"messageSource"`
	MessageCount  int      `json:"messageCount"`
	Error         bool     `json:"error,omitempty"`
}

// Message provenance for task rows.
const (
	SourceDirect         = "direct"
	SourceProjectContext = "project-context"
	SourceNone           = "none"
	SourceError          = "error"
)

// MessageStats counts task rows by message provenance.
type MessageStats struct {
	Direct         int `json:"direct"`
	ProjectContext int `json:"projectContext"`
	None           int `json:"none"`
	Error          int `json:"error"`
}

// FileView is an attachment with a display size.
type FileView struct {
	Name      string `json:"name"`
	Link      string `json:"link,omitempty"`
	Size      int64  `json:"size"`
	SizeLabel string `json:"sizeLabel"`
}

// MessageView is a display-ready message with its replies.
type MessageView struct {
	ID         int           `json:"id"`
	Date       string        `json:"date"`
	AuthorName string        `json:"authorName"`
	AuthorType string        `json:"authorType"`
	Text       string        `json:"text"`
	Content    string        `json:"content"`
	Files      []FileView    `json:"files,omitempty"`
	ParentID   int           `json:"parentId,omitempty"`
	Replies    []MessageView `json:"replies,omitempty"`
}

// RequestRow is a project request waiting in the assignment queue.
type RequestRow struct {
	ID                  int    `json:"id"`
	Title               string `json:"title"`
	Status              string `json:"status,omitempty"`
	RecipientGroupName  string `json:"recipientGroupName"`
	RequesterName       string `json:"requesterName,omitempty"`
	CompanyName         string `json:"companyName,omitempty"`
	DateRequested       string `json:"dateRequested,omitempty"`
	DueDate             string `json:"dueDate,omitempty"`
	DaysUntilDue        *int   `json:"daysUntilDue"`
	Overdue             bool   `json:"overdue"`
	Rush                bool   `json:"rush"`
	AssignmentStatus    string `json:"assignmentStatus"`
	BusinessDaysWaiting int    `json:"businessDaysWaiting"`
}

type TeamMember struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}
