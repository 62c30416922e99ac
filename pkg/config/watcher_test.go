package config

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloadRecorder struct {
	mu      sync.Mutex
	configs []*Config
	errs    []error
}

func (r *reloadRecorder) record(cfg *Config, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.configs = append(r.configs, cfg)
}

func (r *reloadRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs), len(r.errs)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "retry:\n  max_retries: 1\n")
	recorder := &reloadRecorder{}

	w, err := NewWatcher(path, recorder.record, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, 1, w.Current().Retry.MaxRetries)

	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 5\n"), 0o600))

	require.Eventually(t, func() bool {
		return w.Current().Retry.MaxRetries == 5
	}, 5*time.Second, 20*time.Millisecond)

	ok, _ := recorder.counts()
	assert.GreaterOrEqual(t, ok, 1)
}

func TestWatcher_CallbackRunsBeforeCurrentChanges(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "retry:\n  max_retries: 1\n")

	var watcher atomic.Pointer[Watcher]
	seen := make(chan int, 4)
	w, err := NewWatcher(path, func(cfg *Config, err error) {
		if err == nil && cfg.Retry.MaxRetries == 5 {
			select {
			case seen <- watcher.Load().Current().Retry.MaxRetries:
			default:
			}
		}
	}, nil)
	require.NoError(t, err)
	defer w.Close()
	watcher.Store(w)

	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 5\n"), 0o600))

	select {
	case before := <-seen:
		assert.NotEqual(t, 5, before, "Current must lag the callback")
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never ran")
	}
	require.Eventually(t, func() bool {
		return w.Current().Retry.MaxRetries == 5
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_KeepsLastGoodConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "chain:\n  max_chain_length: 5\n")
	recorder := &reloadRecorder{}

	w, err := NewWatcher(path, recorder.record, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("chain:\n  max_chain_length: -1\n"), 0o600))

	require.Eventually(t, func() bool {
		_, failed := recorder.counts()
		return failed > 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 5, w.Current().Chain.MaxChainLength)
}

func TestWatcher_InvalidInitialConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bogus: true\n")
	_, err := NewWatcher(path, nil, nil)
	assert.Error(t, err)
}

func TestWatcher_CloseStopsReloads(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "retry:\n  max_retries: 1\n")
	recorder := &reloadRecorder{}

	w, err := NewWatcher(path, recorder.record, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 4\n"), 0o600))
	time.Sleep(3 * reloadDebounce)

	ok, failed := recorder.counts()
	assert.Zero(t, ok)
	assert.Zero(t, failed)
}
