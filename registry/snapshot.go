package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ratevault-backend/fhe"
)

// State is the persisted form of a registry. The block log is stored
// separately by its chain; Blocks is its length when the state was taken.
type State struct {
	Address   common.Address              `json:"address"`
	Blocks    int                         `json:"blocks"`
	Campaigns []*CampaignRecord           `json:"campaigns"`
	Created   map[common.Address][]uint64 `json:"created"`
	Rated     map[common.Address][]uint64 `json:"rated"`
}

func (r *Registry) Snapshot() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Persist hands the current state to the commit hook. Holding the lock
// across the hook orders this save before any later commit's.
func (r *Registry) Persist() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.persist == nil {
		return nil
	}
	return r.persist(r.snapshotLocked())
}

func (r *Registry) snapshotLocked() *State {
	state := &State{
		Address:   r.address,
		Blocks:    r.chain.Len(),
		Campaigns: make([]*CampaignRecord, len(r.campaigns)),
		Created:   cloneIndex(r.created),
		Rated:     cloneIndex(r.rated),
	}
	for i, rec := range r.campaigns {
		state.Campaigns[i] = rec.clone()
	}
	return state
}

// Restore replaces the registry contents with state.
func (r *Registry) Restore(state *State) error {
	if state.Address != r.address {
		return fmt.Errorf("snapshot belongs to %s, registry is %s", state.Address.Hex(), r.address.Hex())
	}
	campaigns := make([]*CampaignRecord, len(state.Campaigns))
	for i, rec := range state.Campaigns {
		if rec == nil || rec.Campaign.ID != uint64(i) {
			return fmt.Errorf("snapshot campaign %d is missing or misnumbered", i)
		}
		if len(rec.Aggregates) != len(rec.Campaign.Dimensions) {
			return fmt.Errorf("snapshot campaign %d has %d accumulators for %d dimensions", i, len(rec.Aggregates), len(rec.Campaign.Dimensions))
		}
		campaigns[i] = rec.clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns = campaigns
	r.created = cloneIndex(state.Created)
	r.rated = cloneIndex(state.Rated)
	return nil
}

func (rec *CampaignRecord) clone() *CampaignRecord {
	out := &CampaignRecord{
		Campaign:    *rec.Campaign.Clone(),
		Aggregates:  append([]fhe.Handle(nil), rec.Aggregates...),
		Submissions: make(map[common.Address][]fhe.Handle, len(rec.Submissions)),
	}
	for account, handles := range rec.Submissions {
		out.Submissions[account] = append([]fhe.Handle(nil), handles...)
	}
	return out
}

func cloneIndex(in map[common.Address][]uint64) map[common.Address][]uint64 {
	out := make(map[common.Address][]uint64, len(in))
	for k, v := range in {
		out[k] = append([]uint64(nil), v...)
	}
	return out
}
