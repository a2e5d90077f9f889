package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"postbot/internal/domain"
	logx "postbot/pkg/logx"
)

type sqlStore struct {
	db  *sqlx.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sqlx.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, now: time.Now}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("storage: %s: %w: %w", op, domain.ErrStore, err)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// ---- users ----

func (s *sqlStore) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	tier := u.Tier
	if tier == "" {
		tier = domain.DefaultTier
	}
	q := s.db.Rebind(`INSERT INTO users(id, username, full_name, tier, is_admin, created_at)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			is_admin = excluded.is_admin`)
	if _, err := s.db.ExecContext(ctx, q, u.ID, u.Username, u.FullName, tier, u.IsAdmin, toMillis(s.now())); err != nil {
		return domain.User{}, storeErr("upsert user", err)
	}
	return s.GetUser(ctx, u.ID)
}

func (s *sqlStore) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT id, username, full_name, tier, is_admin, created_at FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, storeErr("get user", err)
	}
	return r.domain(), nil
}

func (s *sqlStore) ListUsers(ctx context.Context, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, username, full_name, tier, is_admin, created_at
		FROM users ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	out := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqlStore) SetUserTier(ctx context.Context, id int64, tier string) error {
	if _, err := s.GetTier(ctx, tier); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET tier = ? WHERE id = ?`), tier, id)
	if err != nil {
		return storeErr("set tier", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ---- tiers ----

func (s *sqlStore) ListTiers(ctx context.Context) ([]domain.Tier, error) {
	var rows []tierRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, price_cents, max_channels, posts_per_day, description
		FROM tiers ORDER BY price_cents, name`); err != nil {
		return nil, storeErr("list tiers", err)
	}
	out := make([]domain.Tier, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqlStore) GetTier(ctx context.Context, name string) (domain.Tier, error) {
	var r tierRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT name, price_cents, max_channels, posts_per_day, description
		FROM tiers WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tier{}, fmt.Errorf("tier %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Tier{}, storeErr("get tier", err)
	}
	return r.domain(), nil
}

// ---- channels ----

const channelColumns = `id, user_id, channel_id, username, title, added_at, is_active`

func (s *sqlStore) AddChannel(ctx context.Context, ch domain.Channel, maxActive int) (domain.Channel, error) {
	var out domain.Channel
	err := s.withTx(ctx, "add channel", func(tx *sqlx.Tx) error {
		var existing channelRow
		err := tx.GetContext(ctx, &existing, tx.Rebind(`SELECT `+channelColumns+` FROM channels WHERE channel_id = ?`+s.d.lockSuffix), ch.ExternalID)
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return storeErr("add channel", err)
		}
		if found && existing.Active {
			if existing.UserID != ch.UserID {
				return domain.ErrChannelTaken
			}
			out = existing.domain()
			return nil
		}

		if maxActive > 0 {
			var n int
			if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM channels WHERE user_id = ? AND is_active = ?`), ch.UserID, true); err != nil {
				return storeErr("add channel", err)
			}
			if n >= maxActive {
				return domain.ErrChannelLimit
			}
		}

		now := toMillis(s.now())
		if found {
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE channels
				SET user_id = ?, username = ?, title = ?, added_at = ?, is_active = ?
				WHERE id = ?`), ch.UserID, ch.Username, ch.Title, now, true, existing.ID)
			if err != nil {
				return storeErr("reactivate channel", err)
			}
			ch.ID = existing.ID
		} else {
			err = tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO channels(user_id, channel_id, username, title, added_at, is_active)
				VALUES(?,?,?,?,?,?) RETURNING id`), ch.UserID, ch.ExternalID, ch.Username, ch.Title, now, true).Scan(&ch.ID)
			if err != nil {
				return storeErr("insert channel", err)
			}
		}
		ch.AddedAt = fromMillis(now)
		ch.Active = true
		out = ch
		return nil
	})
	return out, err
}

func (s *sqlStore) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	var r channelRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+channelColumns+` FROM channels WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, fmt.Errorf("channel %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Channel{}, storeErr("get channel", err)
	}
	return r.domain(), nil
}

func (s *sqlStore) ListChannels(ctx context.Context, userID int64) ([]domain.Channel, error) {
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+channelColumns+` FROM channels
		WHERE user_id = ? AND is_active = ? ORDER BY added_at, id`), userID, true)
	if err != nil {
		return nil, storeErr("list channels", err)
	}
	out := make([]domain.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqlStore) CountActiveChannels(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM channels WHERE user_id = ? AND is_active = ?`), userID, true); err != nil {
		return 0, storeErr("count channels", err)
	}
	return n, nil
}

func (s *sqlStore) DeactivateChannel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE channels SET is_active = ? WHERE id = ?`), false, id)
	if err != nil {
		return storeErr("deactivate channel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ---- posts ----

const insertPost = `INSERT INTO scheduled_posts(user_id, channel_id, message_text, media_path, media_type,
	scheduled_time, status, created_at) VALUES(?,?,?,?,?,?,?,?) RETURNING id`

func (s *sqlStore) insertPostArgs(p domain.Post) []any {
	created := p.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	return []any{
		p.UserID, p.ChannelID, p.Content.Text, p.Content.MediaRef, string(p.Content.MediaKind),
		toMillis(p.FireAt), string(domain.StateScheduled), toMillis(created),
	}
}

func (s *sqlStore) CreatePost(ctx context.Context, p domain.Post) (domain.PostID, error) {
	var id int64
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(insertPost), s.insertPostArgs(p)...).Scan(&id); err != nil {
		return 0, storeErr("create post", err)
	}
	return domain.PostID(id), nil
}

func (s *sqlStore) CreatePostWithinLimit(ctx context.Context, p domain.Post, since time.Time, limit int) (domain.PostID, int, error) {
	var (
		id   int64
		used int
	)
	err := s.withTx(ctx, "create post", func(tx *sqlx.Tx) error {
		var uid int64
		err := tx.GetContext(ctx, &uid, tx.Rebind(`SELECT id FROM users WHERE id = ?`+s.d.lockSuffix), p.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %d: %w", p.UserID, domain.ErrNotFound)
		}
		if err != nil {
			return storeErr("lock user", err)
		}
		if err := tx.GetContext(ctx, &used, tx.Rebind(`SELECT COUNT(*) FROM scheduled_posts WHERE user_id = ? AND created_at >= ?`),
			p.UserID, toMillis(since)); err != nil {
			return storeErr("count posts", err)
		}
		if used >= limit {
			return domain.ErrQuotaExceeded
		}
		if err := tx.QueryRowxContext(ctx, tx.Rebind(insertPost), s.insertPostArgs(p)...).Scan(&id); err != nil {
			return storeErr("create post", err)
		}
		used++
		return nil
	})
	if err != nil {
		return 0, used, err
	}
	return domain.PostID(id), used, nil
}

func (s *sqlStore) GetPost(ctx context.Context, id domain.PostID) (domain.Post, error) {
	var r postRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`), int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Post{}, storeErr("get post", err)
	}
	return r.domain(), nil
}

func (s *sqlStore) selectPosts(ctx context.Context, op, q string, args ...any) ([]domain.Post, error) {
	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, storeErr(op, err)
	}
	out := make([]domain.Post, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqlStore) ListPending(ctx context.Context) ([]domain.Post, error) {
	return s.selectPosts(ctx, "list pending", s.db.Rebind(`SELECT `+postColumns+` FROM scheduled_posts
		WHERE status = ? ORDER BY scheduled_time, id`), string(domain.StateScheduled))
}

func (s *sqlStore) ListPostsByUser(ctx context.Context, userID int64, f PostFilter) ([]domain.Post, error) {
	var (
		b    strings.Builder
		args = []any{userID}
	)
	b.WriteString(`SELECT ` + postColumns + ` FROM scheduled_posts WHERE user_id = ?`)
	if len(f.States) > 0 {
		states := make([]string, 0, len(f.States))
		for _, st := range f.States {
			states = append(states, string(st))
		}
		b.WriteString(` AND status IN (?)`)
		args = append(args, states)
	}
	b.WriteString(` ORDER BY scheduled_time, id`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	q, args, err := sqlx.In(b.String(), args...)
	if err != nil {
		return nil, storeErr("list posts", err)
	}
	return s.selectPosts(ctx, "list posts", s.db.Rebind(q), args...)
}

// CountPostsSince deliberately has no status filter: a cancelled or failed
// post still used its quota slot for the day.
func (s *sqlStore) CountPostsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM scheduled_posts WHERE user_id = ? AND created_at >= ?`),
		userID, toMillis(since)); err != nil {
		return 0, storeErr("count posts", err)
	}
	return n, nil
}

// transition applies set to a scheduled post. Zero affected rows means the
// post is missing or no longer scheduled.
func (s *sqlStore) transition(ctx context.Context, op string, id domain.PostID, set, extraCond string, args ...any) error {
	q := `UPDATE scheduled_posts SET ` + set + ` WHERE id = ? AND status = ?` + extraCond
	args = append(args, int64(id), string(domain.StateScheduled))
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetPost(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s post %d: %w", op, id, domain.ErrInvalidTransition)
}

func (s *sqlStore) MarkAttempted(ctx context.Context, id domain.PostID, at time.Time) error {
	return s.transition(ctx, "attempt", id, `attempted_at = ?`, ` AND attempted_at IS NULL`, toMillis(at))
}

func (s *sqlStore) MarkPublished(ctx context.Context, id domain.PostID, at time.Time) error {
	return s.transition(ctx, "publish", id, `status = ?, published_at = ?`, "", string(domain.StatePublished), toMillis(at))
}

func (s *sqlStore) MarkFailed(ctx context.Context, id domain.PostID, detail string) error {
	if strings.TrimSpace(detail) == "" {
		detail = "unknown error"
	}
	return s.transition(ctx, "fail", id, `status = ?, error_message = ?`, "", string(domain.StateFailed), detail)
}

// CancelPost refuses posts whose delivery already started.
func (s *sqlStore) CancelPost(ctx context.Context, id domain.PostID) error {
	return s.transition(ctx, "cancel", id, `status = ?`, ` AND attempted_at IS NULL`, string(domain.StateCancelled))
}

func (s *sqlStore) CancelPendingForChannel(ctx context.Context, channelID int64) ([]domain.PostID, error) {
	var ids []int64
	err := s.withTx(ctx, "cancel channel posts", func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &ids, tx.Rebind(`SELECT id FROM scheduled_posts
			WHERE channel_id = ? AND status = ? AND attempted_at IS NULL`+s.d.lockSuffix),
			channelID, string(domain.StateScheduled)); err != nil {
			return storeErr("cancel channel posts", err)
		}
		if len(ids) == 0 {
			return nil
		}
		q, args, err := sqlx.In(`UPDATE scheduled_posts SET status = ? WHERE id IN (?) AND status = ?`,
			string(domain.StateCancelled), ids, string(domain.StateScheduled))
		if err != nil {
			return storeErr("cancel channel posts", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
			return storeErr("cancel channel posts", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.PostID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.PostID(id))
	}
	return out, nil
}

// ---- stats ----

func (s *sqlStore) Stats(ctx context.Context, since time.Time) (domain.Stats, error) {
	st := domain.Stats{PostsByState: map[domain.PostState]int{}}
	if err := s.db.GetContext(ctx, &st.Users, `SELECT COUNT(*) FROM users`); err != nil {
		return st, storeErr("stats", err)
	}
	if err := s.db.GetContext(ctx, &st.Channels, s.db.Rebind(`SELECT COUNT(*) FROM channels WHERE is_active = ?`), true); err != nil {
		return st, storeErr("stats", err)
	}
	var byState []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &byState, `SELECT status, COUNT(*) AS n FROM scheduled_posts GROUP BY status`); err != nil {
		return st, storeErr("stats", err)
	}
	for _, r := range byState {
		st.PostsByState[domain.PostState(r.Status)] = r.N
	}
	if err := s.db.GetContext(ctx, &st.PostsToday, s.db.Rebind(`SELECT COUNT(*) FROM scheduled_posts WHERE created_at >= ?`), toMillis(since)); err != nil {
		return st, storeErr("stats", err)
	}
	return st, nil
}
