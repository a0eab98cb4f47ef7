// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/lib/clock"
)

type fakeHandler struct {
	name string
	data []byte
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Save(w io.Writer) error {
	_, err := w.Write(h.data)
	return err
}

func (h *fakeHandler) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.data = data
	return nil
}

func TestTickFiresDueRulesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	fc := clock.Fake(time.Unix(0, 0))
	handler := &fakeHandler{name: "entities.json.gz", data: []byte("scene-v1")}

	engine, err := New(Config{Dir: dir, Handlers: []Handler{handler}, Clock: fc})
	require.NoError(t, err)
	engine.AddRule(Rule{Name: "hourly", Interval: time.Hour, MaxKept: 2, FormatString: "20060102-150405.zip"})

	// A rule that has never fired is always due — its zero LastFired
	// trivially satisfies last_fired+interval <= now.
	created, err := engine.Tick(fc.Now())
	require.NoError(t, err)
	require.Len(t, created, 1)

	fc.Advance(2 * time.Hour)
	_, err = engine.Tick(fc.Now())
	require.NoError(t, err)
	fc.Advance(2 * time.Hour)
	_, err = engine.Tick(fc.Now())
	require.NoError(t, err)

	require.Len(t, engine.Archives(), 2, "archives beyond MaxKept must be pruned")
}

func TestRecoverRestoresHandlerContents(t *testing.T) {
	dir := t.TempDir()
	fc := clock.Fake(time.Unix(0, 0))
	save := &fakeHandler{name: "entities.json.gz", data: []byte("original-scene")}

	engine, err := New(Config{Dir: dir, Handlers: []Handler{save}, Clock: fc})
	require.NoError(t, err)
	engine.AddRule(Rule{Name: "manual", Interval: time.Second, MaxKept: 5, FormatString: "20060102-150405.zip"})

	fc.Advance(time.Hour)
	created, err := engine.Tick(fc.Now())
	require.NoError(t, err)
	require.Len(t, created, 1)

	load := &fakeHandler{name: "entities.json.gz"}
	recoverEngine, err := New(Config{Dir: dir, Handlers: []Handler{load}, Clock: fc})
	require.NoError(t, err)
	recoverEngine.archives = engine.archives

	require.NoError(t, recoverEngine.Recover(created[0].ID))
	require.True(t, bytes.Equal(save.data, load.data))
}

func TestConsolidateProducesDownloadableCopy(t *testing.T) {
	dir := t.TempDir()
	fc := clock.Fake(time.Unix(0, 0))
	handler := &fakeHandler{name: "entities.json.gz", data: []byte("scene")}

	engine, err := New(Config{Dir: dir, Handlers: []Handler{handler}, Clock: fc})
	require.NoError(t, err)
	engine.AddRule(Rule{Name: "manual", Interval: time.Second, MaxKept: 5, FormatString: "20060102-150405.zip"})

	fc.Advance(time.Hour)
	created, err := engine.Tick(fc.Now())
	require.NoError(t, err)

	job := engine.Consolidate(created[0].ID)
	require.Eventually(t, func() bool {
		state, _, _ := job.State()
		return state != JobInProgress
	}, time.Second, time.Millisecond)

	state, path, jobErr := job.State()
	require.Equal(t, JobCompleteWithSuccess, state)
	require.NoError(t, jobErr)
	_, statErr := os.Stat(filepath.Join(dir, filepath.Base(path)))
	require.NoError(t, statErr)
}
