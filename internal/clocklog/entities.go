// Package clocklog owns the per-user append-only mutation log and the
// materialized entity tables (users, tracks, files, audius-user records)
// described in spec §3 and §4.1. It is the only component allowed to
// write these tables; every other component reaches them through Store.
package clocklog

import (
	"time"

	"github.com/google/uuid"
)

// FileType enumerates the content kinds a File descriptor can name (spec §3).
type FileType string

const (
	FileTypeTrack    FileType = "track"
	FileTypeImage    FileType = "image"
	FileTypeMetadata FileType = "metadata"
	FileTypeCopy320  FileType = "copy320"
	FileTypeDir      FileType = "dir"
)

// IsTrackAudio reports whether t names a track-audio variant, the
// partitioning test the Sync Executor uses in step 6 of spec §4.3.
func (t FileType) IsTrackAudio() bool {
	return t == FileTypeTrack || t == FileTypeCopy320
}

// User is the materialized per-user state. Clock must equal the maximum
// clock of any associated ClockRecord (spec §3 invariant).
type User struct {
	UserUUID          uuid.UUID
	WalletPublicKey   string
	Clock             int64
	LatestBlockNumber int64
	LastLogin         time.Time
	CreatedAt         time.Time
}

// ClockRecord is one row of the dense per-user mutation log. SourceRowID is
// a node-local BIGSERIAL id (stable only for source tables keyed by a
// value transmitted end to end, e.g. tracks' chain-assigned
// track_blockchain_id). SourceUUID is the transmitted, import-preserved
// key used instead for source tables with no such stable numeric id
// (files' file_uuid); it is the zero UUID when unused.
type ClockRecord struct {
	UserUUID    uuid.UUID
	Clock       int64
	SourceTable string
	SourceRowID int64
	SourceUUID  uuid.UUID
	CreatedAt   time.Time
}

// File is a content descriptor. When Skipped is false the bytes at
// StoragePath are guaranteed (by the component that cleared the flag) to
// hash to Multihash.
type File struct {
	FileUUID          uuid.UUID
	UserUUID          uuid.UUID
	Multihash         string
	StoragePath       string
	Type              FileType
	TrackBlockchainID *int64
	DirMultihash      *string
	FileName          *string
	Skipped           bool
}

// Track is a per-track metadata pointer.
type Track struct {
	TrackBlockchainID int64
	UserUUID          uuid.UUID
	MetadataMultihash string
	CoverArtMultihash *string
	CreatedAt         time.Time
}

// AudiusUser is the per-user profile metadata snapshot.
type AudiusUser struct {
	UserUUID          uuid.UUID
	MetadataMultihash string
	CoverPhoto        *string
	ProfilePicture    *string
}

// Entities bundles every materialized row associated with a user, the
// shape the Peer Exporter serializes and the Sync Executor commits.
type Entities struct {
	Tracks      []Track
	Files       []File
	AudiusUsers []AudiusUser
}
