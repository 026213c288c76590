package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/flowbot/internal/models"
	"go.uber.org/zap"
)

// sqlStore implements Storage on database/sql. Queries are written with '?'
// placeholders and rebound for dialects that need numbered ones.
type sqlStore struct {
	db     *sql.DB
	rebind func(string) string
	logger *zap.Logger
}

func questionMarks(q string) string { return q }

// dollarPlaceholders rewrites '?' into $1, $2, ... for PostgreSQL.
func dollarPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const botColumns = `
	b.id, b.name, b.description, b.token, b.webhook_url, b.is_active, b.scenario_id,
	b.created_at, b.updated_at,
	s.api_key, s.model, s.max_tokens, s.temperature, s.max_requests_per_minute`

func (s *sqlStore) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	return s.loadBot(ctx, `SELECT `+botColumns+`
		FROM bots b LEFT JOIN bot_settings s ON s.bot_id = b.id
		WHERE b.id = ?`, id)
}

func (s *sqlStore) GetBotByToken(ctx context.Context, token string) (*models.Bot, error) {
	return s.loadBot(ctx, `SELECT `+botColumns+`
		FROM bots b LEFT JOIN bot_settings s ON s.bot_id = b.id
		WHERE b.token = ?`, token)
}

func (s *sqlStore) ListBots(ctx context.Context) ([]*models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+botColumns+`
		FROM bots b LEFT JOIN bot_settings s ON s.bot_id = b.id
		ORDER BY b.id`))
	if err != nil {
		return nil, fmt.Errorf("error querying bots: %w", err)
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning bot: %w", err)
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bots: %w", err)
	}

	for _, bot := range bots {
		if err := s.attachScenario(ctx, bot); err != nil {
			return nil, err
		}
	}
	return bots, nil
}

func (s *sqlStore) loadBot(ctx context.Context, query string, arg any) (*models.Bot, error) {
	bot, err := scanBot(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading bot: %w", err)
	}
	if err := s.attachScenario(ctx, bot); err != nil {
		return nil, err
	}
	return bot, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBot(row scanner) (*models.Bot, error) {
	var (
		bot         models.Bot
		scenarioID  sql.NullInt64
		apiKey      sql.NullString
		model       sql.NullString
		maxTokens   sql.NullInt64
		temperature sql.NullFloat64
		maxRPM      sql.NullInt64
	)
	err := row.Scan(
		&bot.ID, &bot.Name, &bot.Description, &bot.Token, &bot.WebhookURL, &bot.IsActive, &scenarioID,
		&bot.CreatedAt, &bot.UpdatedAt,
		&apiKey, &model, &maxTokens, &temperature, &maxRPM,
	)
	if err != nil {
		return nil, err
	}
	bot.ScenarioID = nullID(scenarioID)
	if model.Valid {
		bot.Settings = &models.BotSettings{
			APIKey:               apiKey.String,
			Model:                model.String,
			MaxTokens:            int(maxTokens.Int64),
			Temperature:          temperature.Float64,
			MaxRequestsPerMinute: int(maxRPM.Int64),
		}
	}
	return &bot, nil
}

func (s *sqlStore) attachScenario(ctx context.Context, bot *models.Bot) error {
	if bot.ScenarioID == nil {
		return nil
	}
	var (
		sc        models.Scenario
		initialID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, description, initial_step_id, is_active, created_at, updated_at
		FROM scenarios WHERE id = ?`), *bot.ScenarioID).
		Scan(&sc.ID, &sc.Name, &sc.Description, &initialID, &sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error loading scenario %d: %w", *bot.ScenarioID, err)
	}
	sc.InitialStepID = nullID(initialID)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, scenario_id, name, step_type, content, step_order, next_step_id, metadata
		FROM steps WHERE scenario_id = ?
		ORDER BY step_order, id`), sc.ID)
	if err != nil {
		return fmt.Errorf("error querying steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st       models.Step
			nextID   sql.NullInt64
			stepType string
			metadata string
		)
		if err := rows.Scan(&st.ID, &st.ScenarioID, &st.Name, &stepType, &st.Content, &st.Order, &nextID, &metadata); err != nil {
			return fmt.Errorf("error scanning step: %w", err)
		}
		st.Type = models.StepType(stepType)
		st.NextStepID = nullID(nextID)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &st.Metadata); err != nil {
				return fmt.Errorf("error decoding metadata of step %d: %w", st.ID, err)
			}
		}
		sc.Steps = append(sc.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating steps: %w", err)
	}
	bot.Scenario = &sc
	return nil
}

// SaveBot upserts the bot, its settings and its scenario in one transaction.
// Steps are written without successors first so forward references resolve.
func (s *sqlStore) SaveBot(ctx context.Context, bot *models.Bot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var scenarioID *int64
	if bot.Scenario != nil {
		if err := s.saveScenario(ctx, tx, bot.Scenario, now); err != nil {
			return err
		}
		scenarioID = models.Int64Ptr(bot.Scenario.ID)
	} else {
		scenarioID = bot.ScenarioID
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO bots (id, name, description, token, webhook_url, is_active, scenario_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			token = excluded.token,
			webhook_url = excluded.webhook_url,
			is_active = excluded.is_active,
			scenario_id = excluded.scenario_id,
			updated_at = excluded.updated_at`),
		bot.ID, bot.Name, bot.Description, bot.Token, bot.WebhookURL, bot.IsActive, idArg(scenarioID), now, now)
	if err != nil {
		return fmt.Errorf("error saving bot %d: %w", bot.ID, err)
	}

	if bot.Settings != nil {
		st := bot.Settings
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO bot_settings (bot_id, api_key, model, max_tokens, temperature, max_requests_per_minute)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (bot_id) DO UPDATE SET
				api_key = excluded.api_key,
				model = excluded.model,
				max_tokens = excluded.max_tokens,
				temperature = excluded.temperature,
				max_requests_per_minute = excluded.max_requests_per_minute`),
			bot.ID, st.APIKey, st.Model, st.MaxTokens, st.Temperature, st.MaxRequestsPerMinute)
	} else {
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM bot_settings WHERE bot_id = ?`), bot.ID)
	}
	if err != nil {
		return fmt.Errorf("error saving settings of bot %d: %w", bot.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing bot %d: %w", bot.ID, err)
	}
	s.logger.Debug("Saved bot", zap.Int64("bot_id", bot.ID))
	return nil
}

func (s *sqlStore) saveScenario(ctx context.Context, tx *sql.Tx, sc *models.Scenario, now time.Time) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO scenarios (id, name, description, initial_step_id, is_active, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`),
		sc.ID, sc.Name, sc.Description, sc.IsActive, now, now)
	if err != nil {
		return fmt.Errorf("error saving scenario %d: %w", sc.ID, err)
	}

	for _, st := range sc.Steps {
		metadata := "{}"
		if len(st.Metadata) > 0 {
			raw, err := json.Marshal(st.Metadata)
			if err != nil {
				return fmt.Errorf("error encoding metadata of step %d: %w", st.ID, err)
			}
			metadata = string(raw)
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO steps (id, scenario_id, name, step_type, content, step_order, next_step_id, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				scenario_id = excluded.scenario_id,
				name = excluded.name,
				step_type = excluded.step_type,
				content = excluded.content,
				step_order = excluded.step_order,
				metadata = excluded.metadata`),
			st.ID, sc.ID, st.Name, string(st.Type), st.Content, st.Order, metadata, now)
		if err != nil {
			return fmt.Errorf("error saving step %d: %w", st.ID, err)
		}
	}

	for _, st := range sc.Steps {
		_, err := tx.ExecContext(ctx, s.rebind(`UPDATE steps SET next_step_id = ? WHERE id = ?`),
			idArg(st.NextStepID), st.ID)
		if err != nil {
			return fmt.Errorf("error linking step %d: %w", st.ID, err)
		}
	}

	args := []any{sc.ID}
	query := `DELETE FROM steps WHERE scenario_id = ?`
	if len(sc.Steps) > 0 {
		marks := make([]string, len(sc.Steps))
		for i, st := range sc.Steps {
			marks[i] = "?"
			args = append(args, st.ID)
		}
		query += ` AND id NOT IN (` + strings.Join(marks, ", ") + `)`
	}
	if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("error pruning steps of scenario %d: %w", sc.ID, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE scenarios SET initial_step_id = ? WHERE id = ?`),
		idArg(sc.InitialStepID), sc.ID)
	if err != nil {
		return fmt.Errorf("error setting initial step of scenario %d: %w", sc.ID, err)
	}
	return nil
}

func (s *sqlStore) GetOrCreateConversation(ctx context.Context, botID int64, userID string, initialStepID *int64) (*models.Conversation, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations (bot_id, user_identifier, current_step_id, is_active, context_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?)
		ON CONFLICT (bot_id, user_identifier) DO NOTHING`),
		botID, userID, idArg(initialStepID), true, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("error creating conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("error getting rows affected: %w", err)
	}

	var (
		conv      models.Conversation
		currentID sql.NullInt64
		ctxData   string
	)
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, bot_id, user_identifier, current_step_id, is_active, context_data, created_at, updated_at
		FROM conversations WHERE bot_id = ? AND user_identifier = ?`), botID, userID).
		Scan(&conv.ID, &conv.BotID, &conv.UserIdentifier, &currentID, &conv.IsActive, &ctxData, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("error loading conversation: %w", err)
	}
	conv.CurrentStepID = nullID(currentID)
	conv.Context = map[string]any{}
	if ctxData != "" {
		if err := json.Unmarshal([]byte(ctxData), &conv.Context); err != nil {
			return nil, false, fmt.Errorf("error decoding conversation context: %w", err)
		}
	}
	return &conv, affected > 0, nil
}

func (s *sqlStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	ctxData, err := json.Marshal(conv.Context)
	if err != nil {
		return fmt.Errorf("error encoding conversation context: %w", err)
	}
	if conv.Context == nil {
		ctxData = []byte("{}")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversations
		SET current_step_id = ?, is_active = ?, context_data = ?, updated_at = ?
		WHERE id = ?`),
		idArg(conv.CurrentStepID), conv.IsActive, string(ctxData), now, conv.ID)
	if err != nil {
		return fmt.Errorf("error saving conversation %d: %w", conv.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("conversation %d: %w", conv.ID, ErrNotFound)
	}
	conv.UpdatedAt = now
	return nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, conversationID int64, stepID *int64, userText, botText string) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conversationID,
		StepID:         copyID(stepID),
		UserText:       userText,
		BotText:        botText,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO messages (conversation_id, step_id, user_message, bot_message, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		conversationID, idArg(stepID), userText, botText, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("error appending message: %w", err)
	}
	return msg, nil
}

// RecentMessages scans newest first so the limit keeps the latest entries,
// then reverses into chronological order. The autoincrement id breaks ties
// between entries created within the same clock tick.
func (s *sqlStore) RecentMessages(ctx context.Context, conversationID int64, n int) ([]models.Message, error) {
	if n <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, conversation_id, step_id, user_message, bot_message, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`), conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0, n)
	for rows.Next() {
		var (
			msg    models.Message
			stepID sql.NullInt64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &stepID, &msg.UserText, &msg.BotText, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msg.StepID = nullID(stepID)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func nullID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return models.Int64Ptr(v.Int64)
}

func idArg(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
