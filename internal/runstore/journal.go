package runstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gridvid/internal/model"

	"github.com/google/uuid"
)

const ManifestSchemaVersion = 1

const ReasonInterruptedPreviousRun = "interrupted_previous_run"

// NewRunID returns an id whose lexical order follows creation time.
func NewRunID() string {
	return time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Journal checkpoints one batch run to disk while holding its run lock.
type Journal struct {
	runDir string
	lock   RunLock

	mu      sync.Mutex
	created string
	resumes int
	closed  bool
}

func CreateJournal(runsDir, runID string) (*Journal, error) {
	runsDir = strings.TrimSpace(runsDir)
	if runsDir == "" {
		runsDir = "runs"
	}
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}
	return openJournal(filepath.Join(runsDir, runID))
}

func OpenJournal(runDir string) (*Journal, error) {
	return openJournal(runDir)
}

func openJournal(runDir string) (*Journal, error) {
	lock, err := AcquireRunLock(runDir)
	if err != nil {
		return nil, err
	}
	j := &Journal{runDir: runDir, lock: lock, created: time.Now().UTC().Format(time.RFC3339)}
	if meta, err := LoadRunMeta(runDir); err == nil {
		if meta.CreatedAt != "" {
			j.created = meta.CreatedAt
		}
		j.resumes = meta.Resumes + 1
	}
	return j, nil
}

func (j *Journal) Dir() string {
	return j.runDir
}

func (j *Journal) Save(mf model.BatchManifest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal for %s is closed", j.runDir)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	mf.SchemaVersion = ManifestSchemaVersion
	mf.GeneratedAt = now
	model.RecomputeManifestCounts(&mf)
	if err := WriteJSON(ManifestPath(j.runDir), mf); err != nil {
		return err
	}
	return SaveRunMeta(j.runDir, RunMeta{
		RunID:        mf.RunID,
		CreatedAt:    j.created,
		UpdatedAt:    now,
		State:        mf.State,
		Policy:       mf.Policy,
		Concurrency:  mf.Concurrency,
		ManifestPath: ManifestPath(j.runDir),
		AccountOrder: mf.AccountOrder,
		Total:        mf.Total,
		Completed:    mf.Completed,
		Failed:       mf.Failed,
		Pending:      mf.Pending + mf.Interrupted + mf.Running,
		Resumes:      j.resumes,
	})
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.lock.Release()
}

func LoadManifest(runDir string) (model.BatchManifest, error) {
	var mf model.BatchManifest
	if err := ReadJSON(ManifestPath(runDir), &mf); err != nil {
		return model.BatchManifest{}, err
	}
	if mf.RunID == "" {
		mf.RunID = filepath.Base(runDir)
	}
	return mf, nil
}

// ResetInterruptedItems returns items a previous run left running or interrupted to pending.
func ResetInterruptedItems(mf *model.BatchManifest) int {
	n := 0
	for i := range mf.Items {
		it := &mf.Items[i]
		if it.Status == model.ItemRunning {
			// a crashed process never settled this item
			it.Status = model.ItemInterrupted
		}
		if it.Status != model.ItemInterrupted {
			continue
		}
		if err := model.TransitionItemStatus(it, model.ItemPending, ReasonInterruptedPreviousRun); err != nil {
			continue
		}
		if it.LastError == "" {
			it.LastError = "previous run interrupted while this item was running"
		}
		n++
	}
	model.RecomputeManifestCounts(mf)
	return n
}

func ResolveRunDir(runsDir, runID string, latest bool) (string, error) {
	runsDir = strings.TrimSpace(runsDir)
	if runsDir == "" {
		runsDir = "runs"
	}
	if strings.TrimSpace(runID) != "" {
		return filepath.Join(runsDir, strings.TrimSpace(runID)), nil
	}
	if latest {
		return LatestRunDir(runsDir)
	}
	return "", errors.New("run target not specified (use --run-id or --latest)")
}
