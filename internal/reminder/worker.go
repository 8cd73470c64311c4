// Package reminder turns queued "remind the family" requests into stored
// notifications naming the members who have not answered yet.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hkdinner/dinner/internal/models"
	"github.com/hkdinner/dinner/internal/storage"
)

// JobType is the queue type for reminder jobs.
const JobType = "dinner_reminder"

// JobStore abstracts the job queue and notification operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	SaveNotification(n storage.Notification) error
}

// Roster reports who in a family has not answered for a date.
type Roster interface {
	Pending(ctx context.Context, familyID, date string) ([]models.FamilyMember, error)
}

type Payload struct {
	FamilyID    string `json:"family_id"`
	Date        string `json:"date"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// Enqueue queues a reminder for familyID on date and returns the job id.
func Enqueue(store JobStore, p Payload) (string, error) {
	if p.FamilyID == "" || p.Date == "" {
		return "", fmt.Errorf("reminder needs a family and a date")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := store.EnqueueJob(storage.Job{ID: id, Type: JobType, PayloadJSON: string(body)}); err != nil {
		return "", fmt.Errorf("enqueueing reminder: %w", err)
	}
	return id, nil
}

// Worker processes reminder jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	roster Roster
	poll   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, roster Roster, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		roster: roster,
		poll:   pollInterval,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("reminder iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single reminder job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("reminder failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	pending, err := w.roster.Pending(ctx, p.FamilyID, p.Date)
	if err != nil {
		return fmt.Errorf("loading roster for %s: %w", p.FamilyID, err)
	}

	names := make([]string, 0, len(pending))
	for _, m := range pending {
		names = append(names, m.DisplayName)
	}
	list, err := json.Marshal(names)
	if err != nil {
		return err
	}

	n := storage.Notification{
		ID:        uuid.New().String(),
		FamilyID:  p.FamilyID,
		Date:      p.Date,
		Message:   Message(p.Date, names),
		Pending:   string(list),
		CreatedAt: w.now().UTC(),
	}
	if err := w.store.SaveNotification(n); err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}
	w.logger.Info("reminder stored", "family_id", p.FamilyID, "date", p.Date, "pending", len(names))
	return nil
}

// Message renders the reminder text for date.
func Message(date string, pending []string) string {
	label := date
	if t, err := time.Parse(models.DateLayout, date); err == nil {
		label = models.DateLabel(t)
	}
	if len(pending) == 0 {
		return fmt.Sprintf("%s 今晚大家都回覆咗 %s", label, models.StatusYes.Token())
	}
	return fmt.Sprintf("%s %s 仲未回覆今晚食唔食飯：%s", label, models.StatusUnknown.Token(), strings.Join(pending, "、"))
}
