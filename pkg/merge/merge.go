// Package merge implements the CRDT-style merge engine: given a
// local record, its CRDT metadata, and a remote patch envelope, it produces
// a merged record, a list of per-field conflicts, and a resolution
// decision, deterministically for every non-manual strategy.
package merge

import (
	"reflect"
	"sort"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// Strategy selects how a contested field is resolved.
type Strategy string

const (
	// StrategyLastWriterWins picks the higher timestamp, ties broken by
	// higher version, further ties pick remote.
	StrategyLastWriterWins Strategy = "last-writer-wins"
	// StrategyHighestVersionWins picks the higher version, ties broken by
	// higher timestamp, further ties pick remote.
	StrategyHighestVersionWins Strategy = "highest-version-wins"
	// StrategyMergeObjects shallow-merges plain-object fields (remote
	// overlays local); falls back to StrategyLastWriterWins otherwise.
	StrategyMergeObjects Strategy = "merge-objects"
	// StrategyManual takes remote provisionally but defers every
	// contested field to the user.
	StrategyManual Strategy = "manual"
)

// LocalMeta is the local record's CRDT metadata input to a merge.
type LocalMeta struct {
	Version   uint64
	Timestamp time.Time
	ActorID   string
}

// Result is the outcome of a single merge.
type Result struct {
	Merged                types.Data
	Conflicts             []types.FieldConflict
	Resolved              bool
	NeedsManualResolution bool
}

// Merge reconciles localData (with localMeta) against a remote patch
// envelope under strategy.
func Merge(localData types.Data, localMeta LocalMeta, patch types.PatchEnvelope, strategy Strategy) Result {
	merged := make(types.Data, len(localData)+len(patch.Patch))
	for k, v := range localData {
		merged[k] = v
	}

	var conflicts []types.FieldConflict
	needsManual := false

	fields := unionKeys(localData, patch.Patch)
	for _, field := range fields {
		localVal, localHas := localData[field]
		remoteVal, remoteHas := patch.Patch[field]

		switch {
		case !localHas && remoteHas:
			merged[field] = remoteVal
		case localHas && !remoteHas:
			merged[field] = localVal
		case deepEqual(localVal, remoteVal):
			merged[field] = localVal
		default:
			fc := types.FieldConflict{
				Field:           field,
				LocalValue:      localVal,
				RemoteValue:     remoteVal,
				LocalVersion:    localMeta.Version,
				RemoteVersion:   patch.Version,
				LocalTimestamp:  localMeta.Timestamp,
				RemoteTimestamp: patch.Timestamp,
			}

			switch strategy {
			case StrategyManual:
				merged[field] = remoteVal
				fc.Resolution = types.ResolutionUnresolved
				needsManual = true
			case StrategyHighestVersionWins:
				if resolveHighestVersion(localMeta, patch, &fc) {
					merged[field] = remoteVal
				} else {
					merged[field] = localVal
				}
			case StrategyMergeObjects:
				if lobj, lok := asPlainObject(localVal); lok {
					if robj, rok := asPlainObject(remoteVal); rok {
						merged[field] = shallowMerge(lobj, robj)
						fc.Resolution = types.ResolutionMerged
						conflicts = append(conflicts, fc)
						continue
					}
				}
				if resolveLastWriterWins(localMeta, patch, &fc) {
					merged[field] = remoteVal
				} else {
					merged[field] = localVal
				}
			default: // StrategyLastWriterWins
				if resolveLastWriterWins(localMeta, patch, &fc) {
					merged[field] = remoteVal
				} else {
					merged[field] = localVal
				}
			}

			conflicts = append(conflicts, fc)
		}
	}

	return Result{
		Merged:                merged,
		Conflicts:             conflicts,
		Resolved:              !needsManual,
		NeedsManualResolution: needsManual,
	}
}

// resolveLastWriterWins sets fc.Resolution and returns true if remote wins.
func resolveLastWriterWins(localMeta LocalMeta, patch types.PatchEnvelope, fc *types.FieldConflict) bool {
	switch {
	case patch.Timestamp.After(localMeta.Timestamp):
		fc.Resolution = types.ResolutionRemote
		return true
	case localMeta.Timestamp.After(patch.Timestamp):
		fc.Resolution = types.ResolutionLocal
		return false
	case patch.Version > localMeta.Version:
		fc.Resolution = types.ResolutionRemote
		return true
	case localMeta.Version > patch.Version:
		fc.Resolution = types.ResolutionLocal
		return false
	default:
		fc.Resolution = types.ResolutionRemote
		return true
	}
}

// resolveHighestVersion sets fc.Resolution and returns true if remote wins.
func resolveHighestVersion(localMeta LocalMeta, patch types.PatchEnvelope, fc *types.FieldConflict) bool {
	switch {
	case patch.Version > localMeta.Version:
		fc.Resolution = types.ResolutionRemote
		return true
	case localMeta.Version > patch.Version:
		fc.Resolution = types.ResolutionLocal
		return false
	case patch.Timestamp.After(localMeta.Timestamp):
		fc.Resolution = types.ResolutionRemote
		return true
	case localMeta.Timestamp.After(patch.Timestamp):
		fc.Resolution = types.ResolutionLocal
		return false
	default:
		fc.Resolution = types.ResolutionRemote
		return true
	}
}

// MergeMultiple folds a series of patches onto local data in
// (version ASC, timestamp ASC) order, advancing the accumulator's metadata
// to each applied patch's metadata before the next fold step.
func MergeMultiple(localData types.Data, localMeta LocalMeta, patches []types.PatchEnvelope, strategy Strategy) Result {
	sorted := make([]types.PatchEnvelope, len(patches))
	copy(sorted, patches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Version != sorted[j].Version {
			return sorted[i].Version < sorted[j].Version
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	acc := localData
	accMeta := localMeta
	var allConflicts []types.FieldConflict
	needsManual := false

	for _, patch := range sorted {
		res := Merge(acc, accMeta, patch, strategy)
		acc = res.Merged
		accMeta = LocalMeta{Version: patch.Version, Timestamp: patch.Timestamp, ActorID: patch.ActorID}
		allConflicts = append(allConflicts, res.Conflicts...)
		if res.NeedsManualResolution {
			needsManual = true
		}
	}

	return Result{
		Merged:                acc,
		Conflicts:             allConflicts,
		Resolved:              !needsManual,
		NeedsManualResolution: needsManual,
	}
}

func unionKeys(a, b types.Data) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func asPlainObject(v types.JSONValue) (map[string]types.JSONValue, bool) {
	if v == nil {
		return nil, false
	}
	m, ok := v.(map[string]types.JSONValue)
	if ok {
		return m, true
	}
	// values decoded via encoding/json arrive as map[string]interface{}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]types.JSONValue, len(raw))
	for k, val := range raw {
		out[k] = val
	}
	return out, true
}

func shallowMerge(local, remote map[string]types.JSONValue) map[string]types.JSONValue {
	merged := make(map[string]types.JSONValue, len(local)+len(remote))
	for k, v := range local {
		merged[k] = v
	}
	for k, v := range remote {
		merged[k] = v
	}
	return merged
}

// DeepEqual reports whether a and b are structurally equal: arrays are
// ordered, objects are unordered by key, and null/absent are distinct from
// present-but-empty. Exported for use outside the merge decision itself.
func DeepEqual(a, b types.JSONValue) bool {
	return deepEqual(a, b)
}

func deepEqual(a, b types.JSONValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, ok := bv[k]
			if !ok || !deepEqual(v, bval) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
