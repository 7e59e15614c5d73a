package export

import (
	"context"

	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/clocklog"
	"github.com/creator-network/creator-node/internal/errs"
)

// Exporter serves §4.2's Peer Exporter responsibility: assembling a
// contiguous slice of a user's log plus referenced entities.
type Exporter struct {
	store *clocklog.Store
	chain chain.Client
}

// NewExporter builds an Exporter over the local clock log and the chain
// oracle used to authorize requesting peers.
func NewExporter(store *clocklog.Store, chainClient chain.Client) *Exporter {
	return &Exporter{store: store, chain: chainClient}
}

// Export assembles the payload for the given wallets, starting each at
// clockRangeMin. requesterEndpoint identifies the calling node for the
// replica-set authorization check (spec §4.2, "Errors: returns an error
// payload if the caller is not recognized as a peer of the user's replica
// set").
func (e *Exporter) Export(ctx context.Context, wallets []string, clockRangeMin int64, requesterEndpoint string) (Payload, error) {
	result := Payload{CNodeUsers: make(map[string]CNodeUser, len(wallets))}

	for _, wallet := range wallets {
		if requesterEndpoint != "" {
			authorized, err := e.isPeerOf(ctx, wallet, requesterEndpoint)
			if err != nil {
				return Payload{}, err
			}
			if !authorized {
				return Payload{}, errs.New(errs.NotAPeer, "requester is not in the replica set for "+wallet)
			}
		}

		user, records, entities, err := e.store.Slice(ctx, wallet, clockRangeMin)
		if err != nil {
			return Payload{}, errs.Wrap(errs.CommitFailed, err, "slice clock log for "+wallet)
		}
		if user == nil {
			continue
		}

		wire := make([]ClockRecordWire, 0, len(records))
		for _, r := range records {
			wire = append(wire, ClockRecordWire{
				Clock:       r.Clock,
				SourceTable: r.SourceTable,
				SourceRowID: r.SourceRowID,
				SourceUUID:  r.SourceUUID,
				CreatedAt:   r.CreatedAt,
			})
		}

		// When the export window caps the slice, report the last exported
		// clock so the importer's clock matches the records it receives.
		clock := user.Clock
		if n := len(records); n > 0 && records[n-1].Clock < clock {
			clock = records[n-1].Clock
		}

		result.CNodeUsers[wallet] = CNodeUser{
			UserUUID:          user.UserUUID,
			WalletPublicKey:   user.WalletPublicKey,
			Clock:             clock,
			LatestBlockNumber: user.LatestBlockNumber,
			CreatedAt:         user.CreatedAt,
			ClockRecords:      wire,
			Tracks:            entities.Tracks,
			Files:             entities.Files,
			AudiusUsers:       entities.AudiusUsers,
		}
	}
	return result, nil
}

func (e *Exporter) isPeerOf(ctx context.Context, wallet, endpoint string) (bool, error) {
	replicaSet, err := e.chain.ReplicaSetOf(ctx, wallet)
	if err != nil {
		return false, errs.Wrap(errs.ExportInvalid, err, "look up replica set for "+wallet)
	}
	for _, spID := range []int64{replicaSet.PrimarySPID, replicaSet.Secondary1SPID, replicaSet.Secondary2SPID} {
		endpointForSP, err := e.chain.EndpointForServiceProvider(ctx, spID)
		if err != nil {
			continue
		}
		if endpointForSP == endpoint {
			return true, nil
		}
	}
	return false, nil
}
