package syncer

import (
	"errors"

	"github.com/creator-network/creator-node/internal/errs"
	"github.com/creator-network/creator-node/internal/export"
)

// ErrAlreadyUpToDate is a sentinel, non-fatal signal that the fetched
// clock equals the local clock: spec §4.3 step 4, "no-op, continue."
var ErrAlreadyUpToDate = errors.New("already up to date")

// checkContiguity implements spec §4.3 step 4 for a single user's fetched
// export. It returns ErrAlreadyUpToDate when there is nothing to import,
// nil when the fetched data should be imported, and a *errs.Error of kind
// ExportRegression or ExportNonContiguous when the job must fail.
func checkContiguity(localClock, fetchedClock int64, records []export.ClockRecordWire) error {
	if fetchedClock < localClock {
		return errs.New(errs.ExportRegression, "peer reported a lower clock than local state")
	}
	if fetchedClock == localClock {
		return ErrAlreadyUpToDate
	}
	if localClock >= 0 {
		if len(records) == 0 || records[0].Clock != localClock+1 {
			return errs.New(errs.ExportNonContiguous, "export does not begin at local_clock+1")
		}
	}
	return nil
}
