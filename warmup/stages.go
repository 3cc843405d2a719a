package warmup

import (
	"context"

	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/partition"
	"github.com/ledgerwatch/ep-core/vbucket"
)

const cleanShutdownStatKey = "clean_shutdown"

// runInitialize reads each shard's persisted stats to detect whether
// the previous session shut down cleanly; an unclean or unknown prior
// shutdown is the conservative (false) default.
func (m *Machine) runInitialize(ctx context.Context) error {
	clean := len(m.cfg.Groups) > 0
	for _, g := range m.cfg.Groups {
		stats, err := g.Store().GetPersistedStats(ctx, g.ROHandle())
		if err != nil {
			return err
		}
		if stats[cleanShutdownStatKey] != "true" {
			clean = false
		}
	}
	m.mu.Lock()
	m.stats.CleanShutdown = clean
	m.mu.Unlock()
	m.setStage(CreateVBuckets)
	return nil
}

// runCreateVBuckets constructs every persisted vBucket with its
// recorded state, high seqno, persisted snapshot range, max CAS, and
// failover table, appending a recovery failover entry for any Active
// vBucket left behind by an unclean shutdown.
func (m *Machine) runCreateVBuckets(ctx context.Context) error {
	for _, g := range m.cfg.Groups {
		states, err := g.Store().ListPersistedVBuckets(ctx, g.ROHandle())
		if err != nil {
			return err
		}
		for _, st := range states {
			state, err := parseState(st.State)
			if err != nil {
				return err
			}

			cfg := vbucket.Config{Checkpoint: m.cfg.Checkpoint, Fetcher: g.Fetcher()}
			vb := vbucket.New(st.VBucketID, state, cfg, m.clk, g.Pins(),
				st.HighSeqno, st.SnapStart, st.SnapEnd, st.FailoverTable, 0, st.MaxCas)

			m.mu.Lock()
			cleanShutdown := m.stats.CleanShutdown
			m.mu.Unlock()
			if !cleanShutdown && state == vbucket.Active {
				seqno := st.SnapStart
				if st.HighSeqno == st.SnapEnd {
					seqno = st.SnapEnd
				}
				vb.AppendFailoverEntry(kvstore.FailoverEntry{VBUUID: m.nextVBUUID(), Seqno: seqno})
			}

			g.SetBucket(vb)
		}
	}
	m.setStage(EstimateItemCount)
	return nil
}

// runEstimateItemCount queries storage for each vBucket's total item
// count, giving the engine an early size estimate before any values
// are actually loaded.
func (m *Machine) runEstimateItemCount(ctx context.Context) error {
	for _, g := range m.cfg.Groups {
		for _, id := range g.VBucketIDs() {
			n, err := g.Store().GetNumItems(ctx, g.ROHandle(), id, 0, 0)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.stats.EstimatedItems[id] = n
			m.mu.Unlock()
		}
	}
	if m.cfg.EvictionPolicy == ValueEviction {
		m.setStage(KeyDump)
	} else {
		m.setStage(CheckForAccessLog)
	}
	return nil
}

// runKeyDump scans each vBucket's keys (no values) and records them as
// metadata-only entries, so the hash index knows every key that
// exists in storage before any value has been loaded.
func (m *Machine) runKeyDump(ctx context.Context) error {
	for _, g := range m.cfg.Groups {
		for _, id := range g.VBucketIDs() {
			vb, ok := g.Bucket(id)
			if !ok {
				continue
			}
			err := g.Store().GetAllKeys(ctx, g.ROHandle(), id, nil, 0, func(key []byte) error {
				vb.LoadMetadataOnly(append([]byte(nil), key...))
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	m.setStage(CheckForAccessLog)
	return nil
}

// runCheckForAccessLog routes to LoadingAccessLog if an access log
// reader was configured (the engine is the one that knows whether
// every shard actually has a log file on disk); otherwise it routes
// straight to full KV-pair loading or per-key data loading per the
// eviction policy.
func (m *Machine) runCheckForAccessLog(ctx context.Context) error {
	if m.cfg.AccessLog != nil {
		m.setStage(LoadingAccessLog)
		return nil
	}
	if m.cfg.EvictionPolicy == FullEviction {
		m.setStage(LoadingKVPairs)
	} else {
		m.setStage(LoadingData)
	}
	return nil
}

// runLoadingAccessLog replays the access log's (vbucket, key) records,
// issuing a getMulti-equivalent fetch for each and installing the
// loaded item as resident. A read failure falls back to the ".old"
// copy, and a failure there falls back to full KV-pair or per-key data
// loading, exactly as a corrupt access log would in the original.
func (m *Machine) runLoadingAccessLog(ctx context.Context) error {
	entries, err := m.cfg.AccessLog.Read()
	if err != nil {
		entries, err = m.cfg.AccessLog.ReadFallback()
	}
	if err != nil {
		if m.cfg.EvictionPolicy == FullEviction {
			m.setStage(LoadingKVPairs)
		} else {
			m.setStage(LoadingData)
		}
		return nil
	}

	byGroup := m.groupForVBucket()
	for _, e := range entries {
		g, ok := byGroup[e.VBucket]
		if !ok {
			continue
		}
		vb, ok := g.Bucket(e.VBucket)
		if !ok {
			continue
		}
		res, err := g.Store().Get(ctx, g.ROHandle(), e.VBucket, e.Key, false)
		if err != nil {
			return err
		}
		if res.Status == nil && res.Item != nil {
			vb.LoadResident(res.Item)
		}
	}
	m.setStage(Done)
	return nil
}

// runLoadingKVPairs iterates every shard's storage directly, inserting
// full key+value items into the hash index, for the full-eviction
// policy which has no key-only metadata view to fall back on. It
// polls TrafficEnable between vBuckets so a long load aborts as soon
// as the engine is ready to serve traffic.
func (m *Machine) runLoadingKVPairs(ctx context.Context) error {
	for _, g := range m.cfg.Groups {
		for _, id := range g.VBucketIDs() {
			if m.cfg.TrafficEnable() {
				m.setStage(Done)
				return nil
			}
			vb, ok := g.Bucket(id)
			if !ok {
				continue
			}
			err := g.Store().GetAllKeys(ctx, g.ROHandle(), id, nil, 0, func(key []byte) error {
				res, err := g.Store().Get(ctx, g.ROHandle(), id, key, false)
				if err != nil {
					return err
				}
				if res.Status == nil && res.Item != nil {
					vb.LoadResident(res.Item)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	m.setStage(Done)
	return nil
}

// runLoadingData fills in values for every key the hash index already
// knows about (from KeyDump) but does not yet hold resident, the
// value-eviction policy's tail stage. It is not reached after a
// successful access-log replay, which ends warmup directly.
func (m *Machine) runLoadingData(ctx context.Context) error {
	for _, g := range m.cfg.Groups {
		for _, id := range g.VBucketIDs() {
			vb, ok := g.Bucket(id)
			if !ok {
				continue
			}
			for _, key := range vb.MetadataOnlyKeys() {
				res, err := g.Store().Get(ctx, g.ROHandle(), id, key, false)
				if err != nil {
					return err
				}
				if res.Status == nil && res.Item != nil {
					vb.LoadResident(res.Item)
				}
			}
		}
	}
	m.setStage(Done)
	return nil
}

// groupForVBucket indexes every configured group by the vBucket ids it
// currently owns, for the access-log replay stage to route each
// record to the right partition.
func (m *Machine) groupForVBucket() map[uint16]*partition.Group {
	index := make(map[uint16]*partition.Group)
	for _, g := range m.cfg.Groups {
		for _, id := range g.VBucketIDs() {
			index[id] = g
		}
	}
	return index
}
