package syncer

// Job is the Sync Job of spec §3, describing one secondary's catch-up
// against a named peer (almost always its primary, but the same executor
// handles primary-initiated "pull from a healthier secondary" jobs too).
type Job struct {
	JobID              string `json:"job_id"`
	UserWallet         string `json:"user_wallet"`
	SourcePeerEndpoint string `json:"source_peer_endpoint"`
	BlockNumber        *int64 `json:"block_number,omitempty"`
	ForceResync        bool   `json:"force_resync,omitempty"`
}

// State is the lifecycle of a Sync Job (spec §3).
type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Outcome describes the terminal result of a job. Nothing in this
// repository builds one or keeps a per-wallet sync history: Executor.Run
// returns only an error.
type Outcome struct {
	Job   Job
	State State
	Err   error
}
