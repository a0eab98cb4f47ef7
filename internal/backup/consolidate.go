// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"fmt"
	"path/filepath"
	"sync"
)

// JobState is the progress of an asynchronous consolidation
// ("download this backup") job, per spec.md §4.5.
type JobState int

const (
	JobInProgress JobState = iota
	JobCompleteWithSuccess
	JobCompleteWithError
)

func (s JobState) String() string {
	switch s {
	case JobInProgress:
		return "InProgress"
	case JobCompleteWithSuccess:
		return "CompleteWithSuccess"
	case JobCompleteWithError:
		return "CompleteWithError"
	default:
		return "Unknown"
	}
}

// ConsolidationJob tracks one in-flight copy of a backup archive into
// a single downloadable archive.
type ConsolidationJob struct {
	mu    sync.Mutex
	state JobState
	path  string
	err   error
}

// State reports the job's current progress.
func (j *ConsolidationJob) State() (JobState, string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.path, j.err
}

func (j *ConsolidationJob) finish(path string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.path = path
	if err != nil {
		j.state = JobCompleteWithError
		j.err = err
		return
	}
	j.state = JobCompleteWithSuccess
}

// Consolidate copies the archive identified by id, byte for byte, into
// a new one-shot download archive (download-<id>.zip in the backup
// directory); its entries are not re-zipped. The copy runs on a
// background goroutine, and Consolidate returns immediately with a job
// handle whose State() transitions from InProgress to a terminal state.
func (e *Engine) Consolidate(id string) *ConsolidationJob {
	job := &ConsolidationJob{state: JobInProgress}

	e.mu.Lock()
	var source *Archive
	for _, list := range e.archives {
		for i := range list {
			if list[i].ID == id {
				source = &list[i]
			}
		}
	}
	dir := e.dir
	e.mu.Unlock()

	if source == nil {
		job.finish("", fmt.Errorf("backup: no archive with id %q", id))
		return job
	}

	destination := filepath.Join(dir, "download-"+id+".zip")
	go func() {
		err := copyArchive(source.Path, destination)
		job.finish(destination, err)
	}()
	return job
}
