package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RenameRecord records a container renamed aside during a recreate, so an
// interrupted deployment can be rolled back on the next run.
type RenameRecord struct {
	ContainerID string    `json:"container_id"`
	TmpName     string    `json:"tmp_name"`
	OrigName    string    `json:"orig_name"`
	Project     string    `json:"project,omitempty"`
	Service     string    `json:"service,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Deployment actions.
const (
	ActionCreate   = "create"
	ActionRecreate = "recreate"
	ActionNoop     = "noop"
	ActionDown     = "down"
)

// Deployment outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
)

// DeploymentRecord is the history entry of one up or down run.
type DeploymentRecord struct {
	ID          string    `json:"id"`
	Project     string    `json:"project"`
	Service     string    `json:"service"`
	Image       string    `json:"image,omitempty"`
	ImageID     string    `json:"image_id,omitempty"`
	ConfigHash  string    `json:"config_hash,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Duration of the run.
func (d DeploymentRecord) Duration() time.Duration { return d.FinishedAt.Sub(d.StartedAt) }

// NewDeploymentID returns a fresh random deployment identifier.
func NewDeploymentID() string { return uuid.NewString() }

// MaxDeployments bounds the history kept per project.
const MaxDeployments = 50

type fileState struct {
	Renames     map[string]RenameRecord `json:"renames"`
	Deployments []DeploymentRecord      `json:"deployments"`
}

var (
	mu  sync.Mutex
	dir string
)

const stateFileName = "deployctl_state.json"

// SetDir overrides the state directory; empty restores the default lookup.
func SetDir(d string) {
	mu.Lock()
	defer mu.Unlock()
	dir = d
}

func stateFilePath() string {
	if dir != "" {
		return filepath.Join(dir, stateFileName)
	}
	if d := os.Getenv("DEPLOYCTL_STATE_DIR"); d != "" {
		return filepath.Join(d, stateFileName)
	}
	// Prefer a persistent location; fall back to the working directory.
	defaultDir := "/var/lib/deployctl"
	if err := os.MkdirAll(defaultDir, 0o755); err == nil {
		return filepath.Join(defaultDir, stateFileName)
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, ".deployctl", stateFileName)
	}
	return filepath.Join(os.TempDir(), stateFileName)
}

// Path returns the state file location.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return stateFilePath()
}

// loadUnlocked reads the state file. Caller must hold mu.
func loadUnlocked() (*fileState, error) {
	s := &fileState{Renames: make(map[string]RenameRecord)}
	data, err := os.ReadFile(stateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if s.Renames == nil {
		s.Renames = make(map[string]RenameRecord)
	}
	return s, nil
}

// saveUnlocked writes the state file atomically. Caller must hold mu.
func saveUnlocked(s *fileState) error {
	p := stateFilePath()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func update(fn func(s *fileState)) error {
	mu.Lock()
	defer mu.Unlock()
	s, err := loadUnlocked()
	if err != nil {
		return err
	}
	fn(s)
	return saveUnlocked(s)
}

// AddRenameRecord persists a rename record keyed by the temporary name.
func AddRenameRecord(r RenameRecord) error {
	return update(func(s *fileState) { s.Renames[r.TmpName] = r })
}

// RemoveRenameRecordByTmpName removes a rename record by the temporary name.
func RemoveRenameRecordByTmpName(tmp string) error {
	return update(func(s *fileState) { delete(s.Renames, tmp) })
}

// RemoveRenameRecordByContainerID removes any records matching the container ID.
func RemoveRenameRecordByContainerID(containerID string) error {
	return update(func(s *fileState) {
		for k, v := range s.Renames {
			if v.ContainerID == containerID {
				delete(s.Renames, k)
			}
		}
	})
}

// GetRenameRecordByTmpName looks up a record by temporary name
func GetRenameRecordByTmpName(tmp string) (RenameRecord, bool, error) {
	mu.Lock()
	defer mu.Unlock()
	s, err := loadUnlocked()
	if err != nil {
		return RenameRecord{}, false, err
	}
	r, ok := s.Renames[tmp]
	return r, ok, nil
}

// GetAllRenameRecords returns all persisted rename records
func GetAllRenameRecords() (map[string]RenameRecord, error) {
	mu.Lock()
	defer mu.Unlock()
	s, err := loadUnlocked()
	if err != nil {
		return nil, err
	}
	return s.Renames, nil
}

// AddDeployment appends a deployment record, keeping at most
// MaxDeployments entries per project.
func AddDeployment(d DeploymentRecord) error {
	if d.ID == "" {
		d.ID = NewDeploymentID()
	}
	return update(func(s *fileState) {
		s.Deployments = append(s.Deployments, d)
		kept := make([]DeploymentRecord, 0, len(s.Deployments))
		count := make(map[string]int)
		for i := len(s.Deployments) - 1; i >= 0; i-- {
			rec := s.Deployments[i]
			if count[rec.Project] >= MaxDeployments {
				continue
			}
			count[rec.Project]++
			kept = append(kept, rec)
		}
		// restore chronological order
		for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
			kept[i], kept[j] = kept[j], kept[i]
		}
		s.Deployments = kept
	})
}

// Deployments returns the project's deployment history, newest first.
func Deployments(project string) ([]DeploymentRecord, error) {
	mu.Lock()
	defer mu.Unlock()
	s, err := loadUnlocked()
	if err != nil {
		return nil, err
	}
	var out []DeploymentRecord
	for i := len(s.Deployments) - 1; i >= 0; i-- {
		if s.Deployments[i].Project == project {
			out = append(out, s.Deployments[i])
		}
	}
	return out, nil
}

// LastDeployment returns the newest record for the project's service.
func LastDeployment(project, service string) (DeploymentRecord, bool, error) {
	all, err := Deployments(project)
	if err != nil {
		return DeploymentRecord{}, false, err
	}
	for _, d := range all {
		if d.Service == service {
			return d, true, nil
		}
	}
	return DeploymentRecord{}, false, nil
}
