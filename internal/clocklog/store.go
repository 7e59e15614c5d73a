package clocklog

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/creator-network/creator-node/internal/errs"
)

// Mutation is one table write that must be applied inside the same
// transaction as its clock-log row. Apply receives the transaction and the
// user's uuid and returns the primary key of the row it wrote, which
// becomes ClockRecord.SourceRowID. SourceUUID, when set by the caller
// before Append runs, becomes ClockRecord.SourceUUID instead — the stable
// identifier (e.g. a File's FileUUID, generated by the caller before
// Apply runs) that survives CommitImport verbatim, unlike a freshly
// assigned local BIGSERIAL id.
type Mutation struct {
	SourceTable string
	SourceUUID  uuid.UUID
	Apply       func(ctx context.Context, tx *sql.Tx, userUUID uuid.UUID) (sourceRowID int64, err error)
}

// Store is the Clock Log Store of spec §4.1, backed by a relational
// database reached through database/sql. Postgres (lib/pq) is the
// production driver; any database/sql driver with transactional isolation
// works against this interface's SQL.
type Store struct {
	db            *sql.DB
	exportWindow  int64
}

// NewStore wraps an already-opened *sql.DB. exportWindow caps a single
// Slice call to the clocks [clockMin, clockMin+exportWindow], so at most
// exportWindow+1 clocks are returned (spec §4.1).
func NewStore(db *sql.DB, exportWindow int64) *Store {
	return &Store{db: db, exportWindow: exportWindow}
}

// GetUser returns the current materialized user row, or (nil, nil) if the
// wallet has never been seen by this node.
func (s *Store) GetUser(ctx context.Context, wallet string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_uuid, wallet_public_key, clock, latest_block_number, last_login, created_at
		FROM cnode_users WHERE wallet_public_key = $1`, wallet)
	var u User
	if err := row.Scan(&u.UserUUID, &u.WalletPublicKey, &u.Clock, &u.LatestBlockNumber, &u.LastLogin, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Append executes every mutation plus its matching clock-log insert inside
// a single transaction and returns the resulting clock (spec §4.1).
//
// It fails with errs.ClockGap if a concurrent writer advanced the clock
// between the read of old_clock and the commit, and with
// errs.ConstraintViolation on duplicate primary keys.
func (s *Store) Append(ctx context.Context, wallet string, mutations []Mutation) (int64, error) {
	if len(mutations) == 0 {
		u, err := s.GetUser(ctx, wallet)
		if err != nil {
			return 0, err
		}
		if u == nil {
			return -1, nil
		}
		return u.Clock, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.CommitFailed, err, "begin append transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	userUUID, oldClock, err := s.upsertUserLocked(ctx, tx, wallet)
	if err != nil {
		return 0, err
	}

	newClock := oldClock
	for _, m := range mutations {
		sourceRowID, err := m.Apply(ctx, tx, userUUID)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, errs.Wrap(errs.ConstraintViolation, err, "duplicate primary key in "+m.SourceTable)
			}
			return 0, errs.Wrap(errs.CommitFailed, err, "apply mutation on "+m.SourceTable)
		}
		newClock++
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clock_records (user_uuid, clock, source_table, source_row_id, source_uuid, created_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
			userUUID, newClock, m.SourceTable, sourceRowID, m.SourceUUID); err != nil {
			if isUniqueViolation(err) {
				return 0, errs.Wrap(errs.ClockGap, err, "concurrent writer advanced the clock")
			}
			return 0, errs.Wrap(errs.CommitFailed, err, "insert clock record")
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cnode_users SET clock = $1, last_login = now() WHERE user_uuid = $2 AND clock = $3`,
		newClock, userUUID, oldClock)
	if err != nil {
		return 0, errs.Wrap(errs.CommitFailed, err, "advance user clock")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, errs.New(errs.ClockGap, "concurrent writer raced the clock for "+wallet)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.CommitFailed, err, "commit append")
	}
	return newClock, nil
}

// upsertUserLocked ensures a cnode_users row exists for wallet and returns
// its uuid and current clock, taking a row lock so concurrent Appends for
// the same wallet serialize at the database even without the coordination
// store lock (defense in depth; the coordination lock is the primary
// mechanism per spec §4.3 step 1).
func (s *Store) upsertUserLocked(ctx context.Context, tx *sql.Tx, wallet string) (uuid.UUID, int64, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT user_uuid, clock FROM cnode_users WHERE wallet_public_key = $1 FOR UPDATE`, wallet)
	var id uuid.UUID
	var clock int64
	err := row.Scan(&id, &clock)
	if err == nil {
		return id, clock, nil
	}
	if err != sql.ErrNoRows {
		return uuid.Nil, 0, errs.Wrap(errs.CommitFailed, err, "lock user row")
	}

	id = uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cnode_users (user_uuid, wallet_public_key, clock, latest_block_number, last_login, created_at)
		VALUES ($1, $2, -1, 0, now(), now())`, id, wallet); err != nil {
		return uuid.Nil, 0, errs.Wrap(errs.CommitFailed, err, "create user row")
	}
	return id, -1, nil
}

// Slice returns the clock records and referenced entities in
// [clockMin, min(user.clock, clockMin+exportWindow)], the shape the Peer
// Exporter serializes (spec §4.1, §4.2).
func (s *Store) Slice(ctx context.Context, wallet string, clockMin int64) (*User, []ClockRecord, Entities, error) {
	user, err := s.GetUser(ctx, wallet)
	if err != nil {
		return nil, nil, Entities{}, err
	}
	if user == nil {
		return nil, nil, Entities{}, nil
	}
	if clockMin > user.Clock {
		// Tie-break per spec §4.2: caller is already up to date.
		return user, nil, Entities{}, nil
	}

	clockMax := clockMin + s.exportWindow
	if clockMax > user.Clock {
		clockMax = user.Clock
	}

	records, err := s.clockRecordsInRange(ctx, user.UserUUID, clockMin, clockMax)
	if err != nil {
		return nil, nil, Entities{}, err
	}
	entities, err := s.entitiesInRange(ctx, user.UserUUID, clockMin, clockMax)
	if err != nil {
		return nil, nil, Entities{}, err
	}
	return user, records, entities, nil
}

func (s *Store) clockRecordsInRange(ctx context.Context, userUUID uuid.UUID, min, max int64) ([]ClockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_uuid, clock, source_table, source_row_id, source_uuid, created_at
		FROM clock_records WHERE user_uuid = $1 AND clock BETWEEN $2 AND $3
		ORDER BY clock ASC`, userUUID, min, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClockRecord
	for rows.Next() {
		var r ClockRecord
		if err := rows.Scan(&r.UserUUID, &r.Clock, &r.SourceTable, &r.SourceRowID, &r.SourceUUID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// entitiesInRange joins each clock_records row back to the entity row it
// describes. Files are joined on source_uuid = files.file_uuid rather than
// the local-only files.id: file_uuid is preserved verbatim by CommitImport
// (spec §4.3 step 8), whereas files.id is a fresh BIGSERIAL on every node
// that imports the row, and a join on it would silently return nothing for
// any clock range this node learned about via sync rather than direct
// writes. Tracks keep source_row_id, since track_blockchain_id is itself
// the chain-assigned id and is already preserved verbatim on import.
// audius_users needs no source key at all: it is one row per user_uuid, so
// joining on the clock record's own user_uuid is exact.
func (s *Store) entitiesInRange(ctx context.Context, userUUID uuid.UUID, min, max int64) (Entities, error) {
	var e Entities

	fileRows, err := s.db.QueryContext(ctx, `
		SELECT f.file_uuid, f.user_uuid, f.multihash, f.storage_path, f.type,
		       f.track_blockchain_id, f.dir_multihash, f.file_name, f.skipped
		FROM files f JOIN clock_records c ON c.source_uuid = f.file_uuid AND c.source_table = 'files'
		WHERE c.user_uuid = $1 AND c.clock BETWEEN $2 AND $3`, userUUID, min, max)
	if err != nil {
		return e, err
	}
	defer fileRows.Close()
	for fileRows.Next() {
		var f File
		if err := fileRows.Scan(&f.FileUUID, &f.UserUUID, &f.Multihash, &f.StoragePath, &f.Type,
			&f.TrackBlockchainID, &f.DirMultihash, &f.FileName, &f.Skipped); err != nil {
			return e, err
		}
		e.Files = append(e.Files, f)
	}
	if err := fileRows.Err(); err != nil {
		return e, err
	}

	trackRows, err := s.db.QueryContext(ctx, `
		SELECT t.track_blockchain_id, t.user_uuid, t.metadata_multihash, t.cover_art_multihash, t.created_at
		FROM tracks t JOIN clock_records c ON c.source_row_id = t.track_blockchain_id AND c.source_table = 'tracks'
		WHERE c.user_uuid = $1 AND c.clock BETWEEN $2 AND $3`, userUUID, min, max)
	if err != nil {
		return e, err
	}
	defer trackRows.Close()
	for trackRows.Next() {
		var t Track
		if err := trackRows.Scan(&t.TrackBlockchainID, &t.UserUUID, &t.MetadataMultihash, &t.CoverArtMultihash, &t.CreatedAt); err != nil {
			return e, err
		}
		e.Tracks = append(e.Tracks, t)
	}
	if err := trackRows.Err(); err != nil {
		return e, err
	}

	auRows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.user_uuid, a.metadata_multihash, a.cover_photo, a.profile_picture
		FROM audius_users a JOIN clock_records c ON c.user_uuid = a.user_uuid AND c.source_table = 'audius_users'
		WHERE c.user_uuid = $1 AND c.clock BETWEEN $2 AND $3`, userUUID, min, max)
	if err != nil {
		return e, err
	}
	defer auRows.Close()
	for auRows.Next() {
		var a AudiusUser
		if err := auRows.Scan(&a.UserUUID, &a.MetadataMultihash, &a.CoverPhoto, &a.ProfilePicture); err != nil {
			return e, err
		}
		e.AudiusUsers = append(e.AudiusUsers, a)
	}
	return e, auRows.Err()
}

// Truncate deletes every row associated with wallet (cascade). Used only
// by force_resync paths (spec §3 Lifecycle, §4.3 step 2).
func (s *Store) Truncate(ctx context.Context, wallet string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CommitFailed, err, "begin truncate transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	var userUUID uuid.UUID
	err = tx.QueryRowContext(ctx, `SELECT user_uuid FROM cnode_users WHERE wallet_public_key = $1`, wallet).Scan(&userUUID)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return errs.Wrap(errs.CommitFailed, err, "look up user for truncate")
	}

	for _, table := range []string{"clock_records", "files", "tracks", "audius_users"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_uuid = $1`, userUUID); err != nil {
			return errs.Wrap(errs.CommitFailed, err, "truncate "+table)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cnode_users WHERE user_uuid = $1`, userUUID); err != nil {
		return errs.Wrap(errs.CommitFailed, err, "truncate cnode_users")
	}
	return tx.Commit()
}

// CommitImport atomically replaces a user's state with freshly-fetched
// data, the Sync Executor's step 8 (spec §4.3). clock and
// latestBlockNumber come from the caller; last_login is set to the commit
// time, and created_at is the commit time for a new row and left unchanged
// for an existing one, so neither is copied from the fetched export.
// user_uuid is preserved from the local row (or freshly generated on first
// sync).
func (s *Store) CommitImport(ctx context.Context, wallet string, existingUUID *uuid.UUID, clock, latestBlockNumber int64,
	records []ClockRecord, entities Entities) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CommitFailed, err, "begin commit-import transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	userUUID := uuid.New()
	if existingUUID != nil {
		userUUID = *existingUUID
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cnode_users (user_uuid, wallet_public_key, clock, latest_block_number, last_login, created_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (wallet_public_key) DO UPDATE SET
			clock = EXCLUDED.clock, latest_block_number = EXCLUDED.latest_block_number, last_login = now()`,
		userUUID, wallet, clock, latestBlockNumber); err != nil {
		return errs.Wrap(errs.CommitFailed, err, "upsert user record")
	}

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clock_records (user_uuid, clock, source_table, source_row_id, source_uuid, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_uuid, clock) DO NOTHING`,
			userUUID, r.Clock, r.SourceTable, r.SourceRowID, r.SourceUUID, r.CreatedAt); err != nil {
			return errs.Wrap(errs.CommitFailed, err, "insert imported clock record")
		}
	}
	for _, f := range entities.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (file_uuid, user_uuid, multihash, storage_path, type, track_blockchain_id, dir_multihash, file_name, skipped)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (file_uuid) DO UPDATE SET skipped = EXCLUDED.skipped, storage_path = EXCLUDED.storage_path`,
			f.FileUUID, userUUID, f.Multihash, f.StoragePath, f.Type, f.TrackBlockchainID, f.DirMultihash, f.FileName, f.Skipped); err != nil {
			return errs.Wrap(errs.CommitFailed, err, "insert imported file")
		}
	}
	for _, t := range entities.Tracks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tracks (track_blockchain_id, user_uuid, metadata_multihash, cover_art_multihash, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (track_blockchain_id) DO UPDATE SET metadata_multihash = EXCLUDED.metadata_multihash`,
			t.TrackBlockchainID, userUUID, t.MetadataMultihash, t.CoverArtMultihash, t.CreatedAt); err != nil {
			return errs.Wrap(errs.CommitFailed, err, "insert imported track")
		}
	}
	for _, a := range entities.AudiusUsers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audius_users (user_uuid, metadata_multihash, cover_photo, profile_picture)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_uuid) DO UPDATE SET metadata_multihash = EXCLUDED.metadata_multihash`,
			userUUID, a.MetadataMultihash, a.CoverPhoto, a.ProfilePicture); err != nil {
			return errs.Wrap(errs.CommitFailed, err, "insert imported audius user")
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CommitFailed, err, "commit imported state")
	}
	return nil
}

// LocalClock returns the locally materialized clock for wallet, or -1 if
// this node has never seen it. Used by Snapback to read the "primary side"
// of its divergence classification when this node is primary (spec §4.5
// step 2).
func (s *Store) LocalClock(ctx context.Context, wallet string) (int64, error) {
	user, err := s.GetUser(ctx, wallet)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return -1, nil
	}
	return user.Clock, nil
}

// Wallets returns every wallet this node has a cnode_users row for, the
// candidate pool Snapback scans each tick (spec §4.5) before filtering to
// the subset this node is primary for.
func (s *Store) Wallets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT wallet_public_key FROM cnode_users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SkippedFiles returns up to limit rows flagged skipped=true, the
// candidate batch the Skipped-CID Retry Loop scans each pass (spec §4.7).
func (s *Store) SkippedFiles(ctx context.Context, limit int) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.file_uuid, f.user_uuid, f.multihash, f.storage_path, f.type,
		       f.track_blockchain_id, f.dir_multihash, f.file_name, f.skipped,
		       u.wallet_public_key
		FROM files f JOIN cnode_users u ON u.user_uuid = f.user_uuid
		WHERE f.skipped = true
		ORDER BY f.file_uuid
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		var wallet string
		if err := rows.Scan(&f.FileUUID, &f.UserUUID, &f.Multihash, &f.StoragePath, &f.Type,
			&f.TrackBlockchainID, &f.DirMultihash, &f.FileName, &f.Skipped, &wallet); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClearSkipped marks fileUUID as no longer skipped and records the path its
// bytes were written to. Callers must only call this after verifying the
// written bytes hash to the file's multihash (spec §4.7 invariant).
func (s *Store) ClearSkipped(ctx context.Context, fileUUID uuid.UUID, storagePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET skipped = false, storage_path = $1 WHERE file_uuid = $2`, storagePath, fileUUID)
	if err != nil {
		return errs.Wrap(errs.CommitFailed, err, "clear skipped flag")
	}
	return nil
}

// WalletForUser resolves a user_uuid back to its wallet, used by the
// Skipped-CID Retry Loop to re-resolve a current replica set per file.
func (s *Store) WalletForUser(ctx context.Context, userUUID uuid.UUID) (string, error) {
	var wallet string
	err := s.db.QueryRowContext(ctx, `SELECT wallet_public_key FROM cnode_users WHERE user_uuid = $1`, userUUID).Scan(&wallet)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return wallet, err
}

// FailureCount and its mutators persist the per-user sync_failure_count
// used by the content-fetch gating in spec §4.3 step 7.
func (s *Store) FailureCount(ctx context.Context, wallet string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT sync_failure_count FROM cnode_users WHERE wallet_public_key = $1`, wallet).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *Store) IncrementFailureCount(ctx context.Context, wallet string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE cnode_users SET sync_failure_count = sync_failure_count + 1
		WHERE wallet_public_key = $1 RETURNING sync_failure_count`, wallet).Scan(&n)
	return n, err
}

func (s *Store) ResetFailureCount(ctx context.Context, wallet string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cnode_users SET sync_failure_count = 0 WHERE wallet_public_key = $1`, wallet)
	return err
}

func isUniqueViolation(err error) bool {
	type pqErrorCoder interface{ SQLState() string }
	if pe, ok := err.(pqErrorCoder); ok {
		return pe.SQLState() == "23505"
	}
	return false
}
