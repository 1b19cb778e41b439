// Package store provides storage backends for QuestionPipe.
//
// Both backends (SQLite for single-node deployments, PostgreSQL for shared
// ones) share one query layer built on sqlx. Status changes are
// compare-and-set updates, and callers that need several writes to land
// together run them through Store.InTx.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/models"
)

// Repo is the persistence surface used by the questionnaire core. It is
// implemented both by a Store and by the transaction-scoped value handed to
// InTx callbacks.
//
// Get* methods return models.ErrNotFound for missing rows. Find* methods
// return (nil, nil) when nothing matches.
type Repo interface {
	CreateTeam(ctx context.Context, t *models.Team) error
	GetTeam(ctx context.Context, id int64) (*models.Team, error)
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CreatePatient(ctx context.Context, p *models.Patient) error
	GetPatient(ctx context.Context, id int64) (*models.Patient, error)
	FindPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id int64) (*models.Template, error)

	CreateQuestionnaire(ctx context.Context, q *models.Questionnaire) error
	GetQuestionnaire(ctx context.Context, id int64) (*models.Questionnaire, error)
	FindPendingQuestionnaire(ctx context.Context, patientID, templateID int64) (*models.Questionnaire, error)
	// SaveQuestionnaire writes q.Questions and q.CurrentStatus only if the row
	// still holds q.Version and the expected status. It returns
	// models.ErrStaleState when another writer got there first and bumps
	// q.Version on success.
	SaveQuestionnaire(ctx context.Context, q *models.Questionnaire, expected models.QuestionnaireStatus) error

	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	FindActiveConversation(ctx context.Context, patientID int64, now time.Time) (*models.Conversation, error)
	FindInitiatedConversation(ctx context.Context, patientID int64, now time.Time) (*models.Conversation, error)
	FindCommentableConversation(ctx context.Context, patientID int64, since time.Time) (*models.Conversation, error)
	FindLatestConversation(ctx context.Context, patientID int64) (*models.Conversation, error)
	// TransitionConversation moves a conversation from one status to another,
	// returning models.ErrStaleState if it is no longer in from. A nil endedAt
	// leaves ended_at unchanged.
	TransitionConversation(ctx context.Context, id int64, from, to models.ConversationStatus, endedAt *time.Time) error

	// AppendChatLog adds a chat log row. A row whose MessageID was already
	// logged is skipped and m.ID stays zero.
	AppendChatLog(ctx context.Context, m *models.ChatLogMessage) error
	ListChatLog(ctx context.Context, conversationID int64) ([]models.ChatLogMessage, error)

	DedupRepo

	TableCounts(ctx context.Context) (map[string]int64, error)
}

// Store is a Repo with transactions and a lifecycle.
type Store interface {
	Repo
	// InTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Repo) error) error
	Close() error
}

// Opts holds configuration options for the store constructors.
type Opts struct {
	DSN    string
	Driver string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverSQLite
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DriverPostgres
	}
}

// Driver names understood by database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DetectDSNType returns DriverPostgres for URL or key=value Postgres
// connection strings and DriverSQLite for everything else (file paths).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return DriverPostgres
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// New opens the backend selected by the options.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	switch driver {
	case DriverPostgres:
		return NewPostgresStore(opts...)
	case DriverSQLite:
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
