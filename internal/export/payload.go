// Package export assembles and serves the Export Payload of spec §3/§4.2:
// a contiguous slice of a user's clock log plus the entities referenced in
// that slice, returned from the primary's /export endpoint (spec §6).
package export

import (
	"time"

	"github.com/google/uuid"

	"github.com/creator-network/creator-node/internal/clocklog"
)

// ClockRecordWire is the wire shape of a clocklog.ClockRecord.
type ClockRecordWire struct {
	Clock       int64     `json:"clock"`
	SourceTable string    `json:"sourceTable"`
	SourceRowID int64     `json:"sourceRowId"`
	SourceUUID  uuid.UUID `json:"sourceUuid"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CNodeUser is the per-wallet entry of an Export Payload.
type CNodeUser struct {
	UserUUID          uuid.UUID            `json:"cnodeUserUUID"`
	WalletPublicKey   string               `json:"walletPublicKey"`
	Clock             int64                `json:"clock"`
	LatestBlockNumber int64                `json:"latestBlockNumber"`
	CreatedAt         time.Time            `json:"createdAt"`
	ClockRecords      []ClockRecordWire    `json:"clockRecords"`
	Tracks            []clocklog.Track     `json:"tracks"`
	Files             []clocklog.File      `json:"files"`
	AudiusUsers       []clocklog.AudiusUser `json:"audiusUsers"`
}

// IPFSIDObj is the wire slot for the exporting node's own addresses
// (legacy field name kept from the wire protocol in spec §6). Exporter
// never fills it, so Addresses is encoded as null.
type IPFSIDObj struct {
	Addresses []string `json:"addresses"`
}

// Payload is the full body of a successful /export response (spec §3,
// "Export Payload").
type Payload struct {
	CNodeUsers map[string]CNodeUser `json:"cnode_users"`
	IPFSIDObj  IPFSIDObj            `json:"ipfs_id_obj"`
}

// Envelope is the top-level JSON object /export returns, matching spec §6:
// `{ data: { cnode_users: {...}, ipfs_id_obj: {...} } }`.
type Envelope struct {
	Data Payload `json:"data"`
}

// ErrorEnvelope is the stable error body every HTTP surface returns on
// failure (spec §7).
type ErrorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}
