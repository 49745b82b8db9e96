package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kwv/kabschmesh/kabsch"
)

// DefaultCalibrationCachePath is the default path for the computed alignment cache
const DefaultCalibrationCachePath = ".alignment-cache.json"

// RigCalibration is the last alignment computed for one rig together with
// the targets it was computed from.
type RigCalibration struct {
	Result      kabsch.Result  `json:"result"`
	Targets     []kabsch.Point `json:"targets,omitempty"`
	LastUpdated int64          `json:"lastUpdated"`
}

// CalibrationData stores the latest alignment for every rig
type CalibrationData struct {
	Rigs        map[string]RigCalibration `json:"rigs"`
	LastUpdated int64                     `json:"lastUpdated"`
}

// NewCalibrationData returns an empty cache
func NewCalibrationData() *CalibrationData {
	return &CalibrationData{Rigs: make(map[string]RigCalibration)}
}

// LoadCalibration loads the alignment cache from a JSON file.
// A missing file is not an error and yields nil.
func LoadCalibration(path string) (*CalibrationData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var cal CalibrationData
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}
	if cal.Rigs == nil {
		cal.Rigs = make(map[string]RigCalibration)
	}

	return &cal, nil
}

// SaveCalibration writes the alignment cache to a JSON file
func SaveCalibration(path string, cal *CalibrationData) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}

	cal.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration data: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}

	return nil
}

// Put records the result for a rig
func (c *CalibrationData) Put(rigID string, res kabsch.Result, targets []kabsch.Point) {
	if c.Rigs == nil {
		c.Rigs = make(map[string]RigCalibration)
	}
	c.Rigs[rigID] = RigCalibration{
		Result:      res.Clone(),
		Targets:     kabsch.ClonePoints(targets),
		LastUpdated: time.Now().Unix(),
	}
}

// GetResult returns the cached result for a rig, or the identity if none
func (c *CalibrationData) GetResult(rigID string) kabsch.Result {
	if c == nil || c.Rigs == nil {
		return kabsch.IdentityResult()
	}
	if rc, ok := c.Rigs[rigID]; ok {
		return rc.Result.Clone()
	}
	return kabsch.IdentityResult()
}

// GetTargets returns the cached targets for a rig, if any
func (c *CalibrationData) GetTargets(rigID string) ([]kabsch.Point, bool) {
	if c == nil || c.Rigs == nil {
		return nil, false
	}
	rc, ok := c.Rigs[rigID]
	if !ok || len(rc.Targets) == 0 {
		return nil, false
	}
	return kabsch.ClonePoints(rc.Targets), true
}

// CalibrationStatus summarises which rigs have a computed alignment
type CalibrationStatus struct {
	CalibratedRigs []string          `json:"calibratedRigs"`
	DegradedRigs   []string          `json:"degradedRigs,omitempty"`
	FallbackRigs   []string          `json:"fallbackRigs,omitempty"`
	MissingRigs    []string          `json:"missingRigs"`
	LastUpdated    time.Time         `json:"lastUpdated"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// GetStatus reports cache coverage for the expected rigs
func (c *CalibrationData) GetStatus(expectedRigs []string) CalibrationStatus {
	status := CalibrationStatus{
		Errors: make(map[string]string),
	}

	if c == nil {
		status.MissingRigs = expectedRigs
		return status
	}

	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	for id, rc := range c.Rigs {
		switch {
		case rc.Result.IsFallback():
			status.FallbackRigs = append(status.FallbackRigs, id)
		case rc.Result.IsDegraded():
			status.DegradedRigs = append(status.DegradedRigs, id)
		default:
			status.CalibratedRigs = append(status.CalibratedRigs, id)
			continue
		}
		if rc.Result.Reason != "" {
			status.Errors[id] = rc.Result.Reason
		}
	}
	sort.Strings(status.CalibratedRigs)
	sort.Strings(status.DegradedRigs)
	sort.Strings(status.FallbackRigs)

	for _, id := range expectedRigs {
		if _, ok := c.Rigs[id]; !ok {
			status.MissingRigs = append(status.MissingRigs, id)
		}
	}

	return status
}

// NeedsRecalibration checks if the cache is older than maxAge
func (c *CalibrationData) NeedsRecalibration(maxAge time.Duration) bool {
	if c == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}
