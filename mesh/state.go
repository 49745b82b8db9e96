package mesh

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kwv/kabschmesh/kabsch"
)

var (
	// ErrUnknownRig is returned for rig IDs the tracker does not own
	ErrUnknownRig = errors.New("unknown rig")
	// ErrIndexOutOfRange is returned when a target index does not exist
	ErrIndexOutOfRange = errors.New("target index out of range")
)

// RigSnapshot is a point-in-time copy of one rig, safe to hand to renderers
type RigSnapshot struct {
	RigID     string         `json:"rigId"`
	Color     string         `json:"color"`
	Reference []kabsch.Point `json:"reference"`
	Targets   []kabsch.Point `json:"targets"`
	Computed  []kabsch.Point `json:"computed"`
	Result    kabsch.Result  `json:"result"`
	Selected  int            `json:"selected"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// UpdateHandler is called after a rig's alignment is recomputed
type UpdateHandler func(snap RigSnapshot)

type rigState struct {
	config   RigConfig
	solver   *kabsch.Solver
	targets  []kabsch.Point
	initial  []kabsch.Point
	color    string
	selected int
	updated  time.Time
}

// StateTracker owns one solver per rig. Every solver call happens under the
// tracker lock, so MQTT, HTTP and terminal callers are sequenced.
type StateTracker struct {
	mu        sync.RWMutex
	rigs      map[string]*rigState
	order     []string
	cache     *CalibrationData
	cachePath string // empty disables persistence
	handlers  []UpdateHandler
	cacheSeq  uint64 // bumped under mu on every cache change

	saveMu   sync.Mutex
	savedSeq uint64 // seq of the cache last written, under saveMu
}

// NewStateTracker creates a tracker without persistence
func NewStateTracker() *StateTracker {
	return &StateTracker{
		rigs:  make(map[string]*rigState),
		cache: NewCalibrationData(),
	}
}

// NewStateTrackerWithCache creates a tracker that persists every new
// alignment to cachePath. An existing cache is loaded so rigs without
// configured targets start from their last known targets.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if cachePath != "" {
		cal, err := LoadCalibration(cachePath)
		if err != nil {
			log.Printf("warning: ignoring calibration cache: %v", err)
		} else if cal != nil {
			st.cache = cal
		}
	}
	return st
}

// OnUpdate registers a handler invoked after every recompute
func (st *StateTracker) OnUpdate(h UpdateHandler) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.handlers = append(st.handlers, h)
}

// AddRig creates the solver for a rig. Targets come from the config, or
// from the cache when the config has none; either way the rig is solved
// immediately.
func (st *StateTracker) AddRig(rc RigConfig, globalIterations int, globalMethod string) (RigSnapshot, error) {
	if rc.ID == "" {
		return RigSnapshot{}, fmt.Errorf("rig id is required")
	}

	solver := kabsch.NewSolver(
		kabsch.WithIterations(rc.EffectiveIterations(globalIterations)),
		kabsch.WithMethod(rc.EffectiveMethod(globalMethod)),
	)
	solver.SetReference(rc.Reference.Points())

	rs := &rigState{
		config:  rc,
		solver:  solver,
		initial: rc.Targets.Points(),
		color:   rc.Color,
	}
	if rs.color == "" {
		rs.color = "#4169E1"
	}

	st.mu.Lock()
	if _, exists := st.rigs[rc.ID]; exists {
		st.mu.Unlock()
		return RigSnapshot{}, fmt.Errorf("rig %q already registered", rc.ID)
	}
	st.rigs[rc.ID] = rs
	st.order = append(st.order, rc.ID)

	targets := rs.initial
	if len(targets) == 0 {
		if cached, ok := st.cache.GetTargets(rc.ID); ok {
			targets = cached
		}
	}
	if len(targets) == 0 {
		rs.updated = time.Now()
		snap := st.snapshotLocked(rs)
		st.mu.Unlock()
		return snap, nil
	}
	u := st.solveLocked(rs, targets)
	st.mu.Unlock()

	st.afterUpdate(u)
	return u.snap, nil
}

// SetReference replaces a rig's reference set and re-solves against the
// current targets.
func (st *StateTracker) SetReference(rigID string, points []kabsch.Point) (RigSnapshot, error) {
	st.mu.Lock()
	rs, ok := st.rigs[rigID]
	if !ok {
		st.mu.Unlock()
		return RigSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownRig, rigID)
	}
	rs.solver.SetReference(points)
	rs.config.Reference = PointList(kabsch.ClonePoints(points))
	if rs.selected >= len(points) {
		rs.selected = 0
	}
	u := st.solveLocked(rs, rs.targets)
	st.mu.Unlock()

	st.afterUpdate(u)
	return u.snap, nil
}

// UpdateTarget replaces a rig's target set and re-solves
func (st *StateTracker) UpdateTarget(rigID string, points []kabsch.Point) (RigSnapshot, error) {
	st.mu.Lock()
	rs, ok := st.rigs[rigID]
	if !ok {
		st.mu.Unlock()
		return RigSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownRig, rigID)
	}
	u := st.solveLocked(rs, points)
	st.mu.Unlock()

	st.afterUpdate(u)
	return u.snap, nil
}

// MoveTarget sets one target point and re-solves
func (st *StateTracker) MoveTarget(rigID string, index int, p kabsch.Point) (RigSnapshot, error) {
	return st.editTarget(rigID, index, func(kabsch.Point) kabsch.Point { return p })
}

// NudgeTarget offsets one target point by delta and re-solves
func (st *StateTracker) NudgeTarget(rigID string, index int, delta kabsch.Point) (RigSnapshot, error) {
	return st.editTarget(rigID, index, func(old kabsch.Point) kabsch.Point { return old.Add(delta) })
}

func (st *StateTracker) editTarget(rigID string, index int, edit func(kabsch.Point) kabsch.Point) (RigSnapshot, error) {
	st.mu.Lock()
	rs, ok := st.rigs[rigID]
	if !ok {
		st.mu.Unlock()
		return RigSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownRig, rigID)
	}
	if index < 0 || index >= len(rs.targets) {
		st.mu.Unlock()
		return RigSnapshot{}, fmt.Errorf("%w: %d (rig %s has %d targets)", ErrIndexOutOfRange, index, rigID, len(rs.targets))
	}
	targets := kabsch.ClonePoints(rs.targets)
	targets[index] = edit(targets[index])
	rs.selected = index
	u := st.solveLocked(rs, targets)
	st.mu.Unlock()

	st.afterUpdate(u)
	return u.snap, nil
}

// ResetTargets restores the configured targets, or the reference set when
// none were configured.
func (st *StateTracker) ResetTargets(rigID string) (RigSnapshot, error) {
	st.mu.Lock()
	rs, ok := st.rigs[rigID]
	if !ok {
		st.mu.Unlock()
		return RigSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownRig, rigID)
	}
	targets := rs.initial
	if len(targets) == 0 {
		targets = rs.solver.Reference()
	}
	u := st.solveLocked(rs, targets)
	st.mu.Unlock()

	st.afterUpdate(u)
	return u.snap, nil
}

// Select marks a target index as the one being edited
func (st *StateTracker) Select(rigID string, index int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	rs, ok := st.rigs[rigID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRig, rigID)
	}
	if index < 0 || index >= len(rs.targets) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	rs.selected = index
	return nil
}

// SetColor sets the display color for a rig
func (st *StateTracker) SetColor(rigID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if rs, ok := st.rigs[rigID]; ok {
		rs.color = hexColor
	}
}

// Snapshot returns a copy of one rig's state
func (st *StateTracker) Snapshot(rigID string) (RigSnapshot, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rs, ok := st.rigs[rigID]
	if !ok {
		return RigSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownRig, rigID)
	}
	return st.snapshotLocked(rs), nil
}

// Snapshots returns copies of every rig in registration order
func (st *StateTracker) Snapshots() []RigSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]RigSnapshot, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.snapshotLocked(st.rigs[id]))
	}
	return out
}

// RigIDs returns rig IDs in registration order
func (st *StateTracker) RigIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, len(st.order))
	copy(ids, st.order)
	return ids
}

// HasRigs returns true if at least one rig is registered
func (st *StateTracker) HasRigs() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.rigs) > 0
}

// CalibrationStatus reports cache coverage for the registered rigs
func (st *StateTracker) CalibrationStatus() CalibrationStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, len(st.order))
	copy(ids, st.order)
	return st.cache.GetStatus(ids)
}

// pendingUpdate carries what a solve produced under st.mu to the work done
// after the lock is released.
type pendingUpdate struct {
	snap      RigSnapshot
	handlers  []UpdateHandler
	cachePath string
	cache     *CalibrationData
	seq       uint64
}

// solveLocked computes the rig against targets and records the result.
// Callers hold st.mu and must pass the returned update to afterUpdate once
// the lock is released.
func (st *StateTracker) solveLocked(rs *rigState, targets []kabsch.Point) pendingUpdate {
	rs.targets = kabsch.ClonePoints(targets)
	if rs.selected >= len(rs.targets) {
		rs.selected = 0
	}
	res := rs.solver.SetTarget(rs.targets).Compute()
	rs.updated = time.Now()
	st.cache.Put(rs.config.ID, res, rs.targets)
	st.cacheSeq++

	u := pendingUpdate{
		snap:      st.snapshotLocked(rs),
		handlers:  make([]UpdateHandler, len(st.handlers)),
		cachePath: st.cachePath,
		seq:       st.cacheSeq,
	}
	copy(u.handlers, st.handlers)
	if st.cachePath != "" {
		u.cache = st.cache.clone()
	}
	return u
}

// afterUpdate persists the cache and runs the handlers. Clones reach here in
// any order; one older than the last one written is dropped.
func (st *StateTracker) afterUpdate(u pendingUpdate) {
	if u.cache != nil {
		st.saveMu.Lock()
		if u.seq > st.savedSeq {
			if err := SaveCalibration(u.cachePath, u.cache); err != nil {
				log.Printf("warning: failed to save calibration cache: %v", err)
			} else {
				st.savedSeq = u.seq
			}
		}
		st.saveMu.Unlock()
	}
	for _, h := range u.handlers {
		h(u.snap)
	}
}

func (st *StateTracker) snapshotLocked(rs *rigState) RigSnapshot {
	return RigSnapshot{
		RigID:     rs.config.ID,
		Color:     rs.color,
		Reference: rs.solver.Reference(),
		Targets:   kabsch.ClonePoints(rs.targets),
		Computed:  rs.solver.ComputedPoints(true),
		Result:    rs.solver.Result(),
		Selected:  rs.selected,
		UpdatedAt: rs.updated,
	}
}

func (c *CalibrationData) clone() *CalibrationData {
	out := &CalibrationData{
		Rigs:        make(map[string]RigCalibration, len(c.Rigs)),
		LastUpdated: c.LastUpdated,
	}
	for id, rc := range c.Rigs {
		out.Rigs[id] = RigCalibration{
			Result:      rc.Result.Clone(),
			Targets:     kabsch.ClonePoints(rc.Targets),
			LastUpdated: rc.LastUpdated,
		}
	}
	return out
}
