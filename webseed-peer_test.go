package peerwire

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/peerwire/alerts"
)

func TestWebseedFetchesBlocks(t *testing.T) {
	info := testInfo()
	content := make([]byte, info.TotalLength)
	for i := range content {
		content[i] = byte(i * 7)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	picker := &testPicker{have: map[pieceIndex]bool{}}
	picker.queue = []BlockPick{
		{Request: chunkReq(1, 0)},
		{Request: chunkReq(1, 1)},
	}
	disk := &testDisk{}
	ws := NewWebseedPeer(ConnConfig{
		Settings: NewDefaultSettings(),
		Picker:   picker,
		Disk:     disk,
		Events:   alerts.NewManager(100, alerts.All),
		Table:    new(ConnTable),
		Info:     info,
	}, srv.URL, srv.Client())
	ws.Start()
	defer ws.Disconnect(nil, "test cleanup")

	require.Eventually(t, func() bool {
		ws.Tick(time.Now())
		return picker.numCompleted() == 2
	}, 10*time.Second, 10*time.Millisecond)

	disk.mu.Lock()
	defer disk.mu.Unlock()
	for _, r := range []Request{chunkReq(1, 0), chunkReq(1, 1)} {
		off := info.requestOffset(r)
		assert.EqualValues(t, content[off:off+int64(r.Length)], disk.blocks[r])
	}
}

func TestWebseedFetchFailureReleasesBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	picker := &testPicker{have: map[pieceIndex]bool{}}
	picker.queue = []BlockPick{{Request: chunkReq(0, 0)}}
	ws := NewWebseedPeer(ConnConfig{
		Settings: NewDefaultSettings(),
		Picker:   picker,
		Disk:     &testDisk{},
		Events:   alerts.NewManager(100, alerts.All),
		Table:    new(ConnTable),
		Info:     testInfo(),
	}, srv.URL, srv.Client())
	ws.Start()
	defer ws.Disconnect(nil, "test cleanup")

	require.Eventually(t, func() bool {
		ws.Tick(time.Now())
		return picker.numReleased() == 1
	}, 10*time.Second, 10*time.Millisecond)
	ws.mu.Lock()
	assert.Zero(t, ws.requests.numOutstanding())
	ws.mu.Unlock()
}
