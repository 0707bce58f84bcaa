package batch

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle position of a batch job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusFailed     JobStatus = "failed"
)

// FileStatus is the lifecycle position of one file within a job.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
	FileStatusSkipped    FileStatus = "skipped"
)

// File is one audio file inside a batch job.
type File struct {
	ID       string
	JobID    string
	Filename string
	Path     string
	Status   FileStatus
	Error    string
	// ResultReference links to the stored transcription once the file
	// completes.
	ResultReference string
}

// Job is a durable batch transcription job. Files keep their submission
// order; processing walks them strictly sequentially.
type Job struct {
	ID               string
	Status           JobStatus
	Files            []File
	CreatedAt        time.Time
	CompletedAt      *time.Time
	CurrentFileIndex int
}

// Terminal reports whether the job can no longer change state on its own.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		return true
	}
	return false
}

// CompletedCount counts files that finished successfully.
func (j *Job) CompletedCount() int { return j.countFiles(FileStatusCompleted) }

// FailedCount counts files that exhausted their attempts.
func (j *Job) FailedCount() int { return j.countFiles(FileStatusFailed) }

// SkippedCount counts files passed over by a cancellation.
func (j *Job) SkippedCount() int { return j.countFiles(FileStatusSkipped) }

func (j *Job) countFiles(status FileStatus) int {
	n := 0
	for _, f := range j.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

func (j *Job) clone() Job {
	out := *j
	out.Files = append([]File(nil), j.Files...)
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		out.CompletedAt = &completedAt
	}
	return out
}

// projectableFields lists every field name Project accepts.
var projectableFields = map[string]struct{}{
	"id":                 {},
	"status":             {},
	"created_at":         {},
	"completed_at":       {},
	"current_file_index": {},
	"total_files":        {},
	"completed_count":    {},
	"failed_count":       {},
	"skipped_count":      {},
	"files":              {},
}

// Project renders the named fields into a serializable map. An empty field
// list selects everything; an unknown field name is an error rather than a
// silently missing key.
func (j Job) Project(fields []string) (map[string]any, error) {
	if len(fields) == 0 {
		for name := range projectableFields {
			fields = append(fields, name)
		}
	}

	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if _, ok := projectableFields[field]; !ok {
			return nil, fmt.Errorf("unknown job field %q", field)
		}
		switch field {
		case "id":
			out[field] = j.ID
		case "status":
			out[field] = string(j.Status)
		case "created_at":
			out[field] = j.CreatedAt
		case "completed_at":
			if j.CompletedAt != nil {
				out[field] = *j.CompletedAt
			} else {
				out[field] = nil
			}
		case "current_file_index":
			out[field] = j.CurrentFileIndex
		case "total_files":
			out[field] = len(j.Files)
		case "completed_count":
			out[field] = j.CompletedCount()
		case "failed_count":
			out[field] = j.FailedCount()
		case "skipped_count":
			out[field] = j.SkippedCount()
		case "files":
			files := make([]map[string]any, 0, len(j.Files))
			for _, f := range j.Files {
				files = append(files, map[string]any{
					"id":               f.ID,
					"job_id":           f.JobID,
					"filename":         f.Filename,
					"file_path":        f.Path,
					"status":           string(f.Status),
					"error":            f.Error,
					"result_reference": f.ResultReference,
				})
			}
			out[field] = files
		}
	}
	return out, nil
}
