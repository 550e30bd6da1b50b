package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/xaenox/mailmate/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStorage connects and brings the schema up to date.
func NewPostgresStorage(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))
	return &PostgresStorage{db: db, logger: logger}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sqlx.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("error reading migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("error preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("error creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	logger.Info("Database migration was run successfully")
	return nil
}

type taskColumns struct {
	output   string
	feedback string
	strategy string
	outcome  string
}

func columnsFor(task models.Task) (taskColumns, error) {
	if !task.Valid() {
		return taskColumns{}, fmt.Errorf("unknown task %q", task)
	}
	t := string(task)
	return taskColumns{
		output:   t,
		feedback: t + "_feedback",
		strategy: "prompt_strategy_" + t,
		outcome:  "outcome_" + t,
	}, nil
}

type feedbackRow struct {
	ID            int64          `db:"id"`
	UserEmail     string         `db:"user_email"`
	MessageID     string         `db:"message_id"`
	ThreadID      string         `db:"thread_id"`
	Date          sql.NullString `db:"date"`
	FromEmail     sql.NullString `db:"from_email"`
	ToEmail       sql.NullString `db:"to_email"`
	Subject       sql.NullString `db:"subject"`
	Body          sql.NullString `db:"body"`
	MessagesCount int            `db:"messages_count"`

	Summary     sql.NullString `db:"summary"`
	ActionItems sql.NullString `db:"action_items"`
	DraftReply  sql.NullString `db:"draft_reply"`

	SummaryFeedback     sql.NullInt64 `db:"summary_feedback"`
	ActionItemsFeedback sql.NullInt64 `db:"action_items_feedback"`
	DraftReplyFeedback  sql.NullInt64 `db:"draft_reply_feedback"`

	StrategySummary     sql.NullString `db:"prompt_strategy_summary"`
	StrategyActionItems sql.NullString `db:"prompt_strategy_action_items"`
	StrategyDraftReply  sql.NullString `db:"prompt_strategy_draft_reply"`

	OutcomeSummary     sql.NullString `db:"outcome_summary"`
	OutcomeActionItems sql.NullString `db:"outcome_action_items"`
	OutcomeDraftReply  sql.NullString `db:"outcome_draft_reply"`

	CreatedAt time.Time `db:"created_at"`
}

func (r *feedbackRow) fields(task models.Task) (out *sql.NullString, fb *sql.NullInt64, strategy, outcome *sql.NullString) {
	switch task {
	case models.TaskSummary:
		return &r.Summary, &r.SummaryFeedback, &r.StrategySummary, &r.OutcomeSummary
	case models.TaskActionItems:
		return &r.ActionItems, &r.ActionItemsFeedback, &r.StrategyActionItems, &r.OutcomeActionItems
	default:
		return &r.DraftReply, &r.DraftReplyFeedback, &r.StrategyDraftReply, &r.OutcomeDraftReply
	}
}

func rowFromRecord(rec *models.FeedbackRecord) feedbackRow {
	row := feedbackRow{
		UserEmail:     rec.UserEmail,
		MessageID:     rec.MessageID,
		ThreadID:      rec.ThreadID,
		Date:          nullString(rec.Date),
		FromEmail:     nullString(rec.FromEmail),
		ToEmail:       nullString(rec.ToEmail),
		Subject:       nullString(rec.Subject),
		Body:          nullString(rec.Body),
		MessagesCount: rec.MessagesCount,
		CreatedAt:     rec.CreatedAt,
	}
	for task, res := range rec.Results {
		if !task.Valid() {
			continue
		}
		out, fb, strategy, outcome := row.fields(task)
		if res.Output != nil {
			*out = sql.NullString{String: *res.Output, Valid: true}
		}
		if v := res.Feedback.DBValue(); v != nil {
			*fb = sql.NullInt64{Int64: int64(*v), Valid: true}
		}
		*strategy = nullString(string(res.Strategy))
		*outcome = nullString(string(res.Outcome))
	}
	return row
}

func (r *feedbackRow) record() *models.FeedbackRecord {
	rec := &models.FeedbackRecord{
		ID:            r.ID,
		UserEmail:     r.UserEmail,
		MessageID:     r.MessageID,
		ThreadID:      r.ThreadID,
		Date:          r.Date.String,
		FromEmail:     r.FromEmail.String,
		ToEmail:       r.ToEmail.String,
		Subject:       r.Subject.String,
		Body:          r.Body.String,
		MessagesCount: r.MessagesCount,
		Results:       make(map[models.Task]models.TaskResult, len(models.Tasks)),
		CreatedAt:     r.CreatedAt,
	}
	for _, task := range models.Tasks {
		out, fb, strategy, outcome := r.fields(task)
		if !out.Valid && !fb.Valid {
			continue
		}
		res := models.TaskResult{
			Feedback: ratingFromNull(*fb),
			Strategy: models.Strategy(strategy.String),
			Outcome:  models.Outcome(outcome.String),
		}
		if out.Valid {
			text := out.String
			res.Output = &text
		}
		rec.Results[task] = res
	}
	return rec
}

const insertFeedback = `
	INSERT INTO user_feedback (
		user_email, message_id, thread_id, date, from_email, to_email, subject, body, messages_count,
		summary, action_items, draft_reply,
		summary_feedback, action_items_feedback, draft_reply_feedback,
		prompt_strategy_summary, prompt_strategy_action_items, prompt_strategy_draft_reply,
		outcome_summary, outcome_action_items, outcome_draft_reply,
		created_at)
	VALUES (
		:user_email, :message_id, :thread_id, :date, :from_email, :to_email, :subject, :body, :messages_count,
		:summary, :action_items, :draft_reply,
		:summary_feedback, :action_items_feedback, :draft_reply_feedback,
		:prompt_strategy_summary, :prompt_strategy_action_items, :prompt_strategy_draft_reply,
		:outcome_summary, :outcome_action_items, :outcome_draft_reply,
		:created_at)
	RETURNING id`

func (s *PostgresStorage) SaveRecord(ctx context.Context, rec *models.FeedbackRecord) (int64, error) {
	row := rowFromRecord(rec)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.db.BindNamed(insertFeedback, row)
	if err != nil {
		return 0, fmt.Errorf("bind feedback insert: %w", err)
	}

	var id int64
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert feedback: %w", err)
	}
	return id, nil
}

func (s *PostgresStorage) LatestRecord(ctx context.Context, userEmail, threadID string, messagesCount int) (*models.FeedbackRecord, error) {
	var row feedbackRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM user_feedback
		WHERE user_email = $1 AND thread_id = $2 AND messages_count = $3
		ORDER BY id DESC
		LIMIT 1`, userEmail, threadID, messagesCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest feedback: %w", err)
	}
	return row.record(), nil
}

type ratedRow struct {
	ID       int64          `db:"id"`
	Body     sql.NullString `db:"body"`
	Output   string         `db:"output"`
	Feedback int            `db:"feedback"`
	Strategy sql.NullString `db:"strategy"`
}

func (s *PostgresStorage) RecentRated(ctx context.Context, userEmail string, task models.Task, limit int) ([]models.RatedOutput, error) {
	cols, err := columnsFor(task)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, body, %[1]s AS output, %[2]s AS feedback, %[3]s AS strategy
		FROM user_feedback
		WHERE user_email = $1 AND %[1]s IS NOT NULL AND %[2]s IS NOT NULL
		ORDER BY id DESC
		LIMIT $2`, cols.output, cols.feedback, cols.strategy)

	var rows []ratedRow
	if err := s.db.SelectContext(ctx, &rows, query, userEmail, limit); err != nil {
		return nil, fmt.Errorf("select recent feedback: %w", err)
	}

	out := make([]models.RatedOutput, 0, len(rows))
	for _, r := range rows {
		fb := r.Feedback
		out = append(out, models.RatedOutput{
			RecordID: r.ID,
			Body:     r.Body.String,
			Output:   r.Output,
			Feedback: models.RatingFromDB(&fb),
			Strategy: models.Strategy(r.Strategy.String),
		})
	}
	return out, nil
}

func (s *PostgresStorage) SetFeedback(ctx context.Context, id int64, task models.Task, rating models.Rating) error {
	cols, err := columnsFor(task)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE user_feedback SET %s = $1 WHERE id = $2 AND %s IS NOT NULL`, cols.feedback, cols.output),
		rating.DBValue(), id)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM user_feedback WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if !exists {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("record %d %s: %w", id, task, ErrNoOutput)
}

type ratingsRow struct {
	UserEmail           string        `db:"user_email"`
	CreatedAt           time.Time     `db:"created_at"`
	SummaryFeedback     sql.NullInt64 `db:"summary_feedback"`
	ActionItemsFeedback sql.NullInt64 `db:"action_items_feedback"`
	DraftReplyFeedback  sql.NullInt64 `db:"draft_reply_feedback"`
}

func (s *PostgresStorage) FeedbackSince(ctx context.Context, since time.Time, userEmail string) ([]models.FeedbackSample, error) {
	var rows []ratingsRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT user_email, created_at, summary_feedback, action_items_feedback, draft_reply_feedback
		FROM user_feedback
		WHERE created_at >= $1 AND ($2::text = '' OR user_email = $2::text)`, since, userEmail)
	if err != nil {
		return nil, fmt.Errorf("select feedback: %w", err)
	}

	var out []models.FeedbackSample
	for _, r := range rows {
		ratings := [...]sql.NullInt64{r.SummaryFeedback, r.ActionItemsFeedback, r.DraftReplyFeedback}
		for i, task := range models.Tasks {
			fb := ratings[i]
			if !fb.Valid {
				continue
			}
			out = append(out, models.FeedbackSample{
				UserEmail: r.UserEmail,
				Task:      task,
				Rating:    ratingFromNull(fb),
				CreatedAt: r.CreatedAt,
			})
		}
	}
	return out, nil
}

type policyRow struct {
	UserEmail   string       `db:"user_email"`
	Summary     string       `db:"summary_strategy"`
	ActionItems string       `db:"action_items_strategy"`
	DraftReply  string       `db:"draft_reply_strategy"`
	LastUpdated sql.NullTime `db:"last_updated"`
}

func (r policyRow) policy() models.StrategyPolicy {
	return models.StrategyPolicy{
		UserEmail: r.UserEmail,
		Strategies: map[models.Task]models.Strategy{
			models.TaskSummary:     models.Strategy(r.Summary),
			models.TaskActionItems: models.Strategy(r.ActionItems),
			models.TaskDraftReply:  models.Strategy(r.DraftReply),
		},
		LastUpdated: r.LastUpdated.Time,
	}
}

const selectPolicy = `
	SELECT user_email, summary_strategy, action_items_strategy, draft_reply_strategy, last_updated
	FROM user_prompt_strategies`

func (s *PostgresStorage) GetPolicy(ctx context.Context, userEmail string) (models.StrategyPolicy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row, selectPolicy+` WHERE user_email = $1`, userEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultPolicy(userEmail), nil
	}
	if err != nil {
		return models.StrategyPolicy{}, fmt.Errorf("select strategy policy: %w", err)
	}
	return row.policy(), nil
}

func (s *PostgresStorage) ListPolicies(ctx context.Context) ([]models.StrategyPolicy, error) {
	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, selectPolicy+` ORDER BY user_email`); err != nil {
		return nil, fmt.Errorf("select strategy policies: %w", err)
	}
	out := make([]models.StrategyPolicy, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.policy())
	}
	return out, nil
}

func (s *PostgresStorage) PromoteToAlternate(ctx context.Context, userEmail string, task models.Task, reason string, at time.Time) (*models.StrategyChange, error) {
	if !task.Valid() {
		return nil, fmt.Errorf("unknown task %q", task)
	}
	column := string(task) + "_strategy"

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin strategy update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_prompt_strategies (user_email, last_updated)
		VALUES ($1, $2)
		ON CONFLICT (user_email) DO NOTHING`, userEmail, at); err != nil {
		return nil, fmt.Errorf("ensure strategy row: %w", err)
	}

	var current string
	if err := tx.GetContext(ctx, &current,
		fmt.Sprintf(`SELECT %s FROM user_prompt_strategies WHERE user_email = $1 FOR UPDATE`, column),
		userEmail); err != nil {
		return nil, fmt.Errorf("lock strategy row: %w", err)
	}
	if models.Strategy(current) == models.StrategyAlternate {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE user_prompt_strategies SET %s = $1, last_updated = $2 WHERE user_email = $3`, column),
		models.StrategyAlternate, at, userEmail); err != nil {
		return nil, fmt.Errorf("update strategy: %w", err)
	}

	change := &models.StrategyChange{
		UserEmail:   userEmail,
		Task:        task,
		OldStrategy: models.Strategy(current),
		NewStrategy: models.StrategyAlternate,
		Reason:      reason,
		Timestamp:   at,
	}
	if err := tx.GetContext(ctx, &change.ID, `
		INSERT INTO prompt_strategy_changes (task, old_strategy, new_strategy, change_reason, timestamp, user_email)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		change.Task, change.OldStrategy, change.NewStrategy, change.Reason, change.Timestamp, change.UserEmail); err != nil {
		return nil, fmt.Errorf("insert strategy change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit strategy update: %w", err)
	}
	return change, nil
}

func (s *PostgresStorage) ListStrategyChanges(ctx context.Context, userEmail string) ([]models.StrategyChange, error) {
	var out []models.StrategyChange
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, user_email, task, old_strategy, new_strategy, COALESCE(change_reason, '') AS change_reason, timestamp
		FROM prompt_strategy_changes
		WHERE ($1::text = '' OR user_email = $1::text)
		ORDER BY timestamp DESC, id DESC`, userEmail)
	if err != nil {
		return nil, fmt.Errorf("select strategy changes: %w", err)
	}
	return out, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func ratingFromNull(v sql.NullInt64) models.Rating {
	if !v.Valid {
		return models.RatingUnset
	}
	i := int(v.Int64)
	return models.RatingFromDB(&i)
}
