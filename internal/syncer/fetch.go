package syncer

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/creator-network/creator-node/internal/clocklog"
)

// fetchPlan partitions files into the two groups spec §4.3 step 6 fetches
// separately: track_files (track-audio variants) and non_track_files.
func fetchPlan(files []clocklog.File) (trackFiles, nonTrackFiles []clocklog.File) {
	for _, f := range files {
		if f.Type == clocklog.FileTypeDir {
			// Directory-type files carry no payload (spec §4.3 step 6).
			continue
		}
		if f.Type.IsTrackAudio() {
			trackFiles = append(trackFiles, f)
		} else {
			nonTrackFiles = append(nonTrackFiles, f)
		}
	}
	return trackFiles, nonTrackFiles
}

// fetchResult is the per-file outcome of an attempted content fetch.
type fetchResult struct {
	file        clocklog.File
	storagePath string
	ok          bool
}

// fetchAllBatched fetches every file in files from candidatePeers, in
// slices of size batchSize run concurrently within each slice (spec §4.3
// step 6). It returns the successful fetches and the CIDs that failed on
// every candidate peer.
func (e *Executor) fetchAllBatched(ctx context.Context, files []clocklog.File, candidatePeers []string, batchSize int) ([]fetchResult, []string) {
	var results []fetchResult
	var failedCIDs []string

	for start := 0; start < len(files); start += batchSize {
		end := start + batchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]

		batchResults := make([]fetchResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, f := range batch {
			i, f := i, f
			g.Go(func() error {
				path, ok := e.fetchOne(gctx, f, candidatePeers)
				batchResults[i] = fetchResult{file: f, storagePath: path, ok: ok}
				return nil
			})
		}
		_ = g.Wait() // fetchOne never returns an error; failures are recorded per-file

		for _, r := range batchResults {
			if r.ok {
				results = append(results, r)
			} else {
				failedCIDs = append(failedCIDs, r.file.Multihash)
			}
		}
	}
	return results, failedCIDs
}

// fetchOne tries candidatePeers in order for a single file, writing the
// first successful fetch to the content-addressed store.
func (e *Executor) fetchOne(ctx context.Context, f clocklog.File, candidatePeers []string) (string, bool) {
	if e.storageDir.Exists(f.Multihash) {
		return e.storageDir.PathFor(f.Multihash), true
	}

	seen := mapset.NewSet[string]()
	for _, peer := range candidatePeers {
		if peer == "" || seen.Contains(peer) {
			continue
		}
		seen.Add(peer)

		data, err := e.peers.FetchContent(ctx, peer, f.Multihash, f.DirMultihash, f.FileName)
		if err != nil {
			continue
		}
		path, err := e.storageDir.Write(f.Multihash, data)
		if err != nil {
			continue
		}
		return path, true
	}
	return "", false
}
