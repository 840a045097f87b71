package integration_test

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ceritalabs/storysync/internal/cache"
	"github.com/ceritalabs/storysync/internal/database"
	"github.com/ceritalabs/storysync/internal/remote"
	"github.com/ceritalabs/storysync/internal/store"
	"github.com/ceritalabs/storysync/internal/syncer"
	"github.com/ceritalabs/storysync/internal/trigger"
)

// recordingStoryAPI is a Story API double that can be taken offline and
// records every accepted upload.
type recordingStoryAPI struct {
	mu           sync.Mutex
	reachable    bool
	descriptions []string
	photoSizes   []int
}

func (a *recordingStoryAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		reachable := a.reachable
		a.mu.Unlock()
		if !reachable {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		if r.Method == http.MethodPost && r.URL.Path == "/stories" {
			if err := r.ParseMultipartForm(4 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			photoSize := 0
			if file, _, err := r.FormFile("photo"); err == nil {
				uploaded, _ := io.ReadAll(file)
				file.Close()
				photoSize = len(uploaded)
			}
			a.mu.Lock()
			a.descriptions = append(a.descriptions, r.FormValue("description"))
			a.photoSizes = append(a.photoSizes, photoSize)
			a.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"error":false,"message":"Story created"}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"error":false,"listStory":[]}`)
	})
}

func (a *recordingStoryAPI) setReachable(reachable bool) {
	a.mu.Lock()
	a.reachable = reachable
	a.mu.Unlock()
}

func (a *recordingStoryAPI) uploads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.descriptions...)
}

func TestOfflineEnqueueThenOnlineDrain(testContext *testing.T) {
	storyAPI := &recordingStoryAPI{}
	apiServer := httptest.NewServer(storyAPI.handler())
	defer apiServer.Close()

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	engine, err := cache.NewEngine(cache.EngineConfig{
		Database:   db,
		APIBaseURL: apiServer.URL,
	})
	if err != nil {
		testContext.Fatalf("failed to build cache engine: %v", err)
	}
	defer engine.Flush()

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL:    apiServer.URL,
		HTTPClient: &http.Client{Transport: engine, Timeout: 5 * time.Second},
	})
	if err != nil {
		testContext.Fatalf("failed to build remote client: %v", err)
	}

	dataStore, err := store.NewStore(store.StoreConfig{
		Database:   db,
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	coordinator, err := syncer.NewCoordinator(syncer.CoordinatorConfig{
		Store:    dataStore,
		Uploader: remoteClient,
	})
	if err != nil {
		testContext.Fatalf("failed to build coordinator: %v", err)
	}

	results := make(chan syncer.DrainResult, 4)
	coordinator.Subscribe(func(result syncer.DrainResult) {
		results <- result
	})

	hub, err := trigger.NewHub(trigger.HubConfig{
		Drainer:     coordinator,
		Pending:     dataStore,
		SettleDelay: 10 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build hub: %v", err)
	}
	hubCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(hubCtx)

	// Service goes down; two stories are queued instead of delivered.
	storyAPI.setReachable(false)
	hub.HandleOffline()

	ctx := context.Background()
	photo := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	if _, err := coordinator.Enqueue(ctx, store.NewPendingWrite{
		Description:  "first offline story",
		Photo:        store.EncodedPhoto(photo),
		AuthSnapshot: "snapshot-token-1",
	}); err != nil {
		testContext.Fatalf("failed to enqueue first write: %v", err)
	}
	if _, err := coordinator.Enqueue(ctx, store.NewPendingWrite{
		Description:  "second offline story",
		AuthSnapshot: "snapshot-token-2",
	}); err != nil {
		testContext.Fatalf("failed to enqueue second write: %v", err)
	}

	pending, err := dataStore.PendingCount(ctx)
	if err != nil {
		testContext.Fatalf("failed to count pending: %v", err)
	}
	if pending != 2 {
		testContext.Fatalf("expected 2 queued writes, got %d", pending)
	}
	if len(storyAPI.uploads()) != 0 {
		testContext.Fatalf("enqueue must never touch the network")
	}

	// Connectivity returns; the hub settles, drains, and the queue empties.
	storyAPI.setReachable(true)
	hub.HandleOnline()

	var result syncer.DrainResult
	select {
	case result = <-results:
	case <-time.After(5 * time.Second):
		testContext.Fatalf("drain never completed after reconnect")
	}
	if result.Succeeded != 2 || result.Failed != 0 || result.Total != 2 {
		testContext.Fatalf("unexpected drain result %+v", result)
	}

	uploads := storyAPI.uploads()
	if len(uploads) != 2 {
		testContext.Fatalf("expected 2 replayed uploads, got %d", len(uploads))
	}
	if uploads[0] != "first offline story" || uploads[1] != "second offline story" {
		testContext.Fatalf("expected oldest-first replay, got %v", uploads)
	}
	storyAPI.mu.Lock()
	firstPhotoSize := storyAPI.photoSizes[0]
	storyAPI.mu.Unlock()
	if firstPhotoSize != len("jpeg-bytes") {
		testContext.Fatalf("expected queued photo to be replayed, got %d bytes", firstPhotoSize)
	}

	pending, err = dataStore.PendingCount(ctx)
	if err != nil {
		testContext.Fatalf("failed to count pending: %v", err)
	}
	if pending != 0 {
		testContext.Fatalf("expected empty queue after drain, got %d", pending)
	}
}
