package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.trai.ch/zerr"

	"healthboard/internal/cache"
	"healthboard/internal/config"
	"healthboard/internal/domain"
	"healthboard/internal/events"
	"healthboard/internal/health"
	"healthboard/internal/matcher"
	"healthboard/internal/upstream"
)

var (
	// ErrListFetch marks a failure of the single list call an aggregate view
	// fans out over. It is joined with the upstream cause.
	ErrListFetch = zerr.New("initial list fetch failed")
	// ErrInvalidInput rejects malformed write requests before they go upstream.
	ErrInvalidInput = zerr.New("invalid input")
)

// Upstream is the remote task-tracking API.
type Upstream interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
	GetProject(ctx context.Context, id int) (domain.Project, error)
	ProjectMessages(ctx context.Context, id int) ([]domain.Message, error)
	ProjectTasks(ctx context.Context, id int) ([]domain.TaskRef, error)
	GetTask(ctx context.Context, id int) (domain.Task, error)
	TaskMessages(ctx context.Context, id int) ([]domain.Message, error)
	StatusOptions(ctx context.Context) ([]domain.StatusOption, error)
	ProjectRequests(ctx context.Context) ([]domain.ProjectRequest, error)
	Contacts(ctx context.Context) ([]domain.Contact, error)

	UpdateProjectStatus(ctx context.Context, id, statusID int) error
	UpdateTask(ctx context.Context, id int, fields map[string]string) error
	CompleteTask(ctx context.Context, id int, date string) error
	ReactivateTask(ctx context.Context, id int) error
	ApproveProjectRequest(ctx context.Context, id int, body map[string]any) error
	DeclineProjectRequest(ctx context.Context, id int, reason string) error
}

// Auditor records writes sent upstream. events.Writer satisfies it.
type Auditor interface {
	Append(ctx context.Context, action, entityKind, entityID, actor string, payload events.EventPayload) (domain.AuditEvent, error)
}

// Publisher fans invalidated tags out to other instances.
type Publisher interface {
	Publish(ctx context.Context, tags ...string) error
}

type Engine struct {
	Upstream  Upstream
	Cache     *cache.Store
	Config    *config.Config
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Audit     Auditor
	Broadcast Publisher
	Location  *time.Location
}

// New builds an engine with a cache sized from cfg. Audit and Broadcast are
// optional and left nil.
func New(up Upstream, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return Engine{
		Upstream: up,
		Cache:    cache.New(TTLTable(cfg), clock),
		Config:   cfg,
		Clock:    clock,
		Logger:   logger,
	}
}

// TTLTable converts the cache section of cfg.
func TTLTable(cfg *config.Config) cache.TTLTable {
	t := cache.TTLTable{Default: cfg.Cache.DefaultTTL, ByCategory: map[cache.Category]time.Duration{}}
	for cat, ttl := range cfg.Cache.TTL {
		t.ByCategory[cache.Category(cat)] = ttl
	}
	return t
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now().In(e.loc())
	}
	return time.Now().In(e.loc())
}

func (e Engine) loc() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) policy() health.Policy {
	h := e.config().Health
	return health.Policy{
		Rush:           health.Thresholds{Active: h.Rush.Active, Attention: h.Rush.Attention},
		Normal:         health.Thresholds{Active: h.Normal.Active, Attention: h.Normal.Attention},
		RushQueueMax:   h.Queue.RushMaxBusinessDays,
		NormalQueueMax: h.Queue.NormalMaxBusinessDays,
		UpcomingDays:   h.UpcomingDays,
		DueSoonDays:    h.DueSoonDays,
		IdleFloorDays:  h.IdleFloorDays,
	}
}

func (e Engine) matcher() *matcher.Matcher {
	c := e.config().Matcher
	m := matcher.New(matcher.Weights{
		AssigneeName:     c.AssigneeName,
		Mention:          c.Mention,
		Keyword:          c.Keyword,
		AuthorIsAssignee: c.AuthorIsAssignee,
		FileKeyword:      c.FileKeyword,
		ReplyMarker:      c.ReplyMarker,
		Threshold:        c.Threshold,
		LookbackDays:     c.LookbackDays,
		MaxKeywords:      c.MaxKeywords,
	})
	m.Now = e.now
	return m
}

// Cache keys and dependency tags.
const (
	keyProjects      = "projects"
	keyStatusOptions = "status-options"
	keyRequests      = "requests"
	keyContacts      = "contacts"

	tagProjects = "projects"
	tagMessages = "messages"
	tagConfig   = "config"
	tagRequests = "requests"
)

func projectKey(id int) string         { return fmt.Sprintf("project:%d", id) }
func projectMessagesKey(id int) string { return fmt.Sprintf("project:%d:messages", id) }
func projectTasksKey(id int) string    { return fmt.Sprintf("project:%d:tasks", id) }
func taskKey(id int) string            { return fmt.Sprintf("task:%d", id) }
func taskMessagesKey(id int) string    { return fmt.Sprintf("task:%d:messages", id) }

// cached returns the value under key, fetching and storing it on a miss.
// Fetches ignore ctx cancellation so an abandoned request still fills the
// cache. Failures are never cached.
func cached[T any](ctx context.Context, e Engine, key string, cat cache.Category, fetch func(context.Context) (T, error), tags func(T) []string) (T, bool, error) {
	if e.Cache != nil {
		if v, ok := cache.GetAs[T](e.Cache, key, cat); ok {
			return v, true, nil
		}
	}
	v, err := fetch(context.WithoutCancel(ctx))
	if err != nil {
		return v, false, err
	}
	if e.Cache != nil {
		e.Cache.Set(key, v, cat, tags(v)...)
	}
	return v, false, nil
}

func fixedTags[T any](tags ...string) func(T) []string {
	return func(T) []string { return tags }
}

// isNoData reports errors that mean "nothing there" rather than an outage.
func isNoData(err error) bool {
	return errors.Is(err, upstream.ErrNotFound) || errors.Is(err, upstream.ErrMalformed)
}

func listFetchError(resource string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrListFetch, resource, err)
}

// InvalidateOnWrite drops every entry under tags and publishes them to other
// instances. It returns how many local entries were removed.
func (e Engine) InvalidateOnWrite(ctx context.Context, tags ...string) int {
	removed := 0
	for _, tag := range tags {
		if e.Cache != nil {
			n := e.Cache.Invalidate(tag)
			removed += n
			e.logger().Info("cache invalidate", "tag", tag, "removed", n)
		}
	}
	if e.Broadcast != nil && len(tags) > 0 {
		if err := e.Broadcast.Publish(context.WithoutCancel(ctx), tags...); err != nil {
			e.logger().Warn("broadcast invalidation failed", "tags", tags, "error", err)
		}
	}
	return removed
}

// ClearCache empties the local cache.
func (e Engine) ClearCache() int {
	if e.Cache == nil {
		return 0
	}
	n := e.Cache.Clear()
	e.logger().Info("cache cleared", "removed", n)
	return n
}

// CacheDebugSnapshot reports cache contents for operators.
func (e Engine) CacheDebugSnapshot(limit int) cache.DebugSnapshot {
	if e.Cache == nil {
		return cache.DebugSnapshot{DependencyIndex: map[string]int{}}
	}
	return e.Cache.Snapshot(limit)
}

func (e Engine) parseDate(s string) *time.Time {
	return domain.ParseDatePtr(s, e.loc())
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
