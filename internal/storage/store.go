package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"jamchat/internal/storage/zapadapter"
)

var (
	ErrUserExists     = errors.New("user already exists")
	ErrUserNotExist   = errors.New("user does not exist")
	ErrDialogNotExist = errors.New("dialog does not exist")
	ErrMessageEmpty   = errors.New("message text is empty")
	ErrMessageTooLong = errors.New("message text exceeds maximum length")
	ErrBadSender      = errors.New("bad sender id")
	ErrSelfFriendship = errors.New("friendship with self")
)

// MaxMessageLen is the upper bound on direct message text after trimming.
const MaxMessageLen = 4000

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() {
	s.db.Close()
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Status: pgtype.Present}
}

func fromPgUUID(v pgtype.UUID) uuid.UUID {
	return uuid.UUID(v.Bytes)
}

// orderPair canonicalizes an unordered pair of user ids: the
// lexicographically smaller id always comes first, so the derived
// dialog lookup is unique regardless of who initiated
func orderPair(x, y uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(x[:], y[:]) < 0 {
		return x, y
	}
	return y, x
}

// CreateUser creates user and returns it
func (s *Store) CreateUser(ctx context.Context, username string) (User, error) {
	s.logger.Debugf("Creating user (%s)", username)

	u := User{
		ID:         uuid.New(),
		Username:   username,
		ShowOnline: true,
		Status:     StatusOffline,
	}

	sql := `insert into users (id, username, show_online, status, created_at)
			values ($1, $2, $3, $4, now())
			returning created_at`
	err := s.db.QueryRow(ctx, sql, pgUUID(u.ID), username, u.ShowOnline, u.Status).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return User{}, ErrUserExists
			}
		}
		return User{}, err
	}

	s.logger.Debugf("Created user (%s) with id %s", username, u.ID)

	return u, nil
}

// SetFriendship upserts the friendship row for (requester, addressee).
// The friend-request workflow lives outside the realtime core; this is
// the hook it (and tests) drive state through.
func (s *Store) SetFriendship(ctx context.Context, requester, addressee uuid.UUID, status FriendshipStatus) error {
	if requester == addressee {
		return ErrSelfFriendship
	}

	s.logger.Debugf("Setting friendship %s -> %s to %d", requester, addressee, status)

	sql := `insert into friendships (requester_id, addressee_id, status, created_at)
			values ($1, $2, $3, now())
			on conflict (requester_id, addressee_id) do update set status = excluded.status`
	_, err := s.db.Exec(ctx, sql, pgUUID(requester), pgUUID(addressee), status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				return ErrUserNotExist
			}
		}
		return err
	}

	return nil
}

// AreFriends reports whether an accepted friendship exists between the
// two users in either direction
func (s *Store) AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error) {
	sql := `select exists (
				select 1 from friendships
				 where status = $3
				   and ((requester_id = $1 and addressee_id = $2)
					 or (requester_id = $2 and addressee_id = $1)))`

	var friends bool
	err := s.db.QueryRow(ctx, sql, pgUUID(a), pgUUID(b), FriendshipAccepted).Scan(&friends)
	if err != nil {
		return false, err
	}

	return friends, nil
}

// GetOrCreateDialog resolves the canonical pair to its dialog, creating
// the dialog on first use. Concurrent creators for the same pair race on
// the unique (user1_id, user2_id) index: the loser detects the unique
// violation and re-reads the winner's row instead of erroring.
func (s *Store) GetOrCreateDialog(ctx context.Context, a, b uuid.UUID) (Dialog, error) {
	u1, u2 := orderPair(a, b)

	dlg, err := s.dialogByPair(ctx, u1, u2)
	if err == nil {
		return dlg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Dialog{}, err
	}

	s.logger.Debugf("Creating dialog for pair (%s, %s)", u1, u2)

	dlg = Dialog{ID: uuid.New(), User1ID: u1, User2ID: u2}
	sql := `insert into dialogs (id, user1_id, user2_id, created_at)
			values ($1, $2, $3, now())
			returning created_at`
	err = s.db.QueryRow(ctx, sql, pgUUID(dlg.ID), pgUUID(u1), pgUUID(u2)).Scan(&dlg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				// lost the race, the winner's row is the dialog
				return s.dialogByPair(ctx, u1, u2)
			case pgerrcode.ForeignKeyViolation:
				return Dialog{}, ErrUserNotExist
			}
		}
		return Dialog{}, err
	}

	s.logger.Debugf("Created dialog %s", dlg.ID)

	return dlg, nil
}

func (s *Store) dialogByPair(ctx context.Context, u1, u2 uuid.UUID) (Dialog, error) {
	sql := `select id, user1_id, user2_id, created_at
			  from dialogs
			 where user1_id = $1 and user2_id = $2`

	var id, p1, p2 pgtype.UUID
	var dlg Dialog
	err := s.db.QueryRow(ctx, sql, pgUUID(u1), pgUUID(u2)).Scan(&id, &p1, &p2, &dlg.CreatedAt)
	if err != nil {
		return Dialog{}, err
	}

	dlg.ID = fromPgUUID(id)
	dlg.User1ID = fromPgUUID(p1)
	dlg.User2ID = fromPgUUID(p2)

	return dlg, nil
}

// CreateMessage validates and appends a message to the dialog log.
// The sent timestamp is assigned at persistence time, never taken from
// the client.
func (s *Store) CreateMessage(ctx context.Context, dialogID, senderID uuid.UUID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return Message{}, ErrMessageEmpty
	}
	if len(text) > MaxMessageLen {
		return Message{}, ErrMessageTooLong
	}

	s.logger.Debugf("Creating message from user (%s) in dialog (%s)", senderID, dialogID)

	m := Message{DialogID: dialogID, SenderID: senderID, Text: text}
	sql := `insert into messages (dialog_id, sender_id, text, sent_at)
			values ($1, $2, $3, now())
			returning id, sent_at`
	err := s.db.QueryRow(ctx, sql, pgUUID(dialogID), pgUUID(senderID), text).Scan(&m.ID, &m.SentAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				switch pgErr.ConstraintName {
				case "messages_dialog_id_fkey":
					return Message{}, ErrDialogNotExist
				case "messages_sender_id_fkey":
					return Message{}, ErrBadSender
				}
			}
		}
		return Message{}, err
	}

	return m, nil
}

// clampTake bounds a page size to [1, 200]
func clampTake(take int) int {
	if take < 1 {
		return 1
	}
	if take > 200 {
		return 200
	}
	return take
}

// MessagesOffset retrieves dialog history in ascending (sent_at, id)
// order, skipping skip rows and returning at most take rows
func (s *Store) MessagesOffset(ctx context.Context, dialogID uuid.UUID, skip, take int) ([]MessageView, error) {
	s.logger.Debugf("Retrieving messages for dialog (%s), skip=%d take=%d", dialogID, skip, take)

	if skip < 0 {
		skip = 0
	}

	sql := `select sender_id, text, sent_at
			  from messages
			 where dialog_id = $1
			 order by sent_at asc, id asc
			offset $2 limit $3`

	rows, err := s.db.Query(ctx, sql, pgUUID(dialogID), skip, clampTake(take))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessageViews(rows)
}

// MessagesCursor retrieves dialog history in descending (sent_at, id)
// order. A non-nil before bounds results to strictly older messages, a
// non-nil after to strictly newer ones; both may combine.
func (s *Store) MessagesCursor(ctx context.Context, dialogID uuid.UUID, before, after *time.Time, take int) ([]MessageView, error) {
	s.logger.Debugf("Retrieving messages for dialog (%s) by cursor, before=%v after=%v", dialogID, before, after)

	sql := `select sender_id, text, sent_at
			  from messages
			 where dialog_id = $1
			   and ($2::timestamptz is null or sent_at < $2)
			   and ($3::timestamptz is null or sent_at > $3)
			 order by sent_at desc, id desc
			 limit $4`

	rows, err := s.db.Query(ctx, sql, pgUUID(dialogID), before, after, clampTake(take))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessageViews(rows)
}

func scanMessageViews(rows pgx.Rows) ([]MessageView, error) {
	var views []MessageView
	for rows.Next() {
		var sender pgtype.UUID
		var v MessageView
		if err := rows.Scan(&sender, &v.Text, &v.SentAt); err != nil {
			return nil, err
		}
		v.SenderID = fromPgUUID(sender)
		views = append(views, v)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return views, nil
}

// UserShowOnline reads the user's visibility flag
func (s *Store) UserShowOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	sql := "select show_online from users where id = $1"

	var show bool
	err := s.db.QueryRow(ctx, sql, pgUUID(userID)).Scan(&show)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUserNotExist
		}
		return false, err
	}

	return show, nil
}

// SetShowOnline persists the visibility flag and returns its previous value
func (s *Store) SetShowOnline(ctx context.Context, userID uuid.UUID, show bool) (bool, error) {
	s.logger.Debugf("Setting show_online=%t for user (%s)", show, userID)

	sql := `update users u
			   set show_online = $2
			  from (select id, show_online from users where id = $1 for update) old
			 where u.id = old.id
			returning old.show_online`

	var old bool
	err := s.db.QueryRow(ctx, sql, pgUUID(userID), show).Scan(&old)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUserNotExist
		}
		return false, err
	}

	return old, nil
}

// VisibleOnline filters the candidate user ids down to users whose
// show_online flag is set, sorted by id for stable client rendering
func (s *Store) VisibleOnline(ctx context.Context, candidates []uuid.UUID) ([]uuid.UUID, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.String()
	}

	sql := `select id from users
			 where id = any($1::uuid[]) and show_online
			 order by id`

	rows, err := s.db.Query(ctx, sql, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visible []uuid.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		visible = append(visible, fromPgUUID(id))
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return visible, nil
}

// UpdateStatus sets the user's display status
func (s *Store) UpdateStatus(ctx context.Context, userID uuid.UUID, status UserStatus) error {
	s.logger.Debugf("Setting status=%d for user (%s)", status, userID)

	tag, err := s.db.Exec(ctx, "update users set status = $2 where id = $1", pgUUID(userID), status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}

	return nil
}

// TouchLastSeen records request activity for the user
func (s *Store) TouchLastSeen(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, "update users set last_seen = now() where id = $1", pgUUID(userID))
	return err
}
