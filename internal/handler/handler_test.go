package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/orchestrator"
	"github.com/stemforge/api/internal/processor"
	"github.com/stemforge/api/internal/progress"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/internal/upload"
)

type testApp struct {
	app     *fiber.App
	store   *store.Store
	uploads *upload.Manager
}

// setupApp wires the handlers the same way main.go does, minus Redis
// and the distributed queue.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	events := progress.NewBroadcaster(nil)
	uploads, err := upload.NewManager(t.TempDir(), st, events)
	if err != nil {
		t.Fatalf("failed to create upload manager: %v", err)
	}

	outputDir := t.TempDir()
	registry := processor.NewRegistry()
	orch := orchestrator.New(st, uploads, registry, events)
	registry.Register("demucs", processor.Func(func(ctx context.Context, in processor.Inputs) (*processor.Artifact, error) {
		return &processor.Artifact{}, nil
	}))

	validate := validator.New()
	uploadHandler := NewUploadHandler(uploads, validate)
	songHandler := NewSongHandler(st, uploads, outputDir, validate)
	jobHandler := NewJobHandler(st, orch, registry)

	app := fiber.New()
	app.Post("/upload", uploadHandler.Single)
	app.Post("/uploads", uploadHandler.CreateSession)
	app.Post("/uploads/:uploadId/chunk", uploadHandler.AppendChunk)
	app.Post("/uploads/:uploadId/complete", uploadHandler.Complete)

	app.Get("/songs", songHandler.List)
	app.Get("/songs/:fileId", songHandler.Get)
	app.Patch("/songs/:fileId", songHandler.Patch)
	app.Delete("/songs/:fileId", songHandler.Delete)
	app.Get("/download/:fileId", songHandler.Download)
	app.Delete("/cleanup/:fileId", songHandler.Cleanup)
	app.Post("/proxy-audio", songHandler.ProxyAudio)

	app.Get("/models", jobHandler.Models)
	app.Post("/process/:model/:fileId", jobHandler.Process)
	app.Get("/status/:jobId", jobHandler.Status)

	return &testApp{app: app, store: st, uploads: uploads}
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	return resp
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("parse JSON: %v\nbody: %s", err, b)
	}
	return result
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// uploadSong drives the resumable flow and returns the new file id.
func uploadSong(t *testing.T, ta *testApp, content string) string {
	t.Helper()

	resp := doRequest(t, ta.app, "POST", "/uploads", `{"filename":"take.mp3"}`, nil)
	assertStatus(t, resp, http.StatusCreated)
	uploadID, _ := parseJSON(t, resp)["uploadId"].(string)
	if uploadID == "" {
		t.Fatal("missing uploadId in session response")
	}

	resp = doRequest(t, ta.app, "POST", "/uploads/"+uploadID+"/chunk", content, map[string]string{
		"X-Chunk-Index": "0",
		"Content-Type":  "application/octet-stream",
	})
	assertStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, ta.app, "POST", "/uploads/"+uploadID+"/complete", "", nil)
	assertStatus(t, resp, http.StatusCreated)
	fileID, _ := parseJSON(t, resp)["fileId"].(string)
	if fileID == "" {
		t.Fatal("missing fileId in completion response")
	}
	return fileID
}

func TestResumableUploadFlow(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, "POST", "/uploads", `{"filename":"take.mp3","totalSize":8}`, nil)
	assertStatus(t, resp, http.StatusCreated)
	uploadID, _ := parseJSON(t, resp)["uploadId"].(string)

	// Chunks arrive out of order.
	for _, c := range []struct {
		index string
		data  string
	}{
		{"1", "world"},
		{"0", "hello "},
	} {
		resp := doRequest(t, ta.app, "POST", "/uploads/"+uploadID+"/chunk", c.data, map[string]string{
			"X-Chunk-Index": c.index,
			"Content-Type":  "application/octet-stream",
		})
		assertStatus(t, resp, http.StatusNoContent)
		resp.Body.Close()
	}

	resp = doRequest(t, ta.app, "POST", "/uploads/"+uploadID+"/complete", "", nil)
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	song, _ := result["song"].(map[string]interface{})
	if song == nil || !strings.HasSuffix(song["filename"].(string), ".mp3") {
		t.Errorf("expected .mp3 filename, got %v", result["song"])
	}

	// The assembled file is served back index-ordered.
	resp = doRequest(t, ta.app, "GET", "/download/"+result["fileId"].(string), "", nil)
	assertStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello world" {
		t.Errorf("expected assembled content, got %q", body)
	}
}

func TestSingleShotUpload(t *testing.T) {
	ta := setupApp(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "take.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("wav-bytes"))
	w.Close()

	req, err := http.NewRequest("POST", "/upload", &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	fileID, _ := result["fileId"].(string)
	if fileID == "" {
		t.Fatal("missing fileId")
	}

	resp = doRequest(t, ta.app, "GET", "/download/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "wav-bytes" {
		t.Errorf("expected uploaded content, got %q", body)
	}
}

func TestChunkRequiresIndexHeader(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, "POST", "/uploads", "", nil)
	uploadID, _ := parseJSON(t, resp)["uploadId"].(string)

	resp = doRequest(t, ta.app, "POST", "/uploads/"+uploadID+"/chunk", "data", map[string]string{
		"Content-Type": "application/octet-stream",
	})
	assertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestCompleteEmptySession(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, "POST", "/uploads", "", nil)
	uploadID, _ := parseJSON(t, resp)["uploadId"].(string)

	resp = doRequest(t, ta.app, "POST", "/uploads/"+uploadID+"/complete", "", nil)
	assertStatus(t, resp, http.StatusBadRequest)
	result := parseJSON(t, resp)
	errObj, _ := result["error"].(map[string]interface{})
	if errObj["code"] != "NO_CHUNKS" {
		t.Errorf("expected NO_CHUNKS error code, got %v", errObj["code"])
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, "POST", "/uploads/nope/complete", "", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSongPatchAndDelete(t *testing.T) {
	ta := setupApp(t)
	fileID := uploadSong(t, ta, "audio-bytes")

	resp := doRequest(t, ta.app, "PATCH", "/songs/"+fileID, `{"title":"My Song","mood":"calm"}`, nil)
	assertStatus(t, resp, http.StatusOK)
	song := parseJSON(t, resp)
	if song["title"] != "My Song" {
		t.Errorf("expected patched title, got %v", song["title"])
	}
	meta, _ := song["metadata"].(map[string]interface{})
	if meta["mood"] != "calm" {
		t.Errorf("expected metadata merge, got %v", meta)
	}

	resp = doRequest(t, ta.app, "DELETE", "/songs/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, ta.app, "GET", "/songs/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestProcessDispatchAndStatus(t *testing.T) {
	ta := setupApp(t)
	fileID := uploadSong(t, ta, "audio-bytes")

	resp := doRequest(t, ta.app, "POST", "/process/demucs/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusAccepted)
	result := parseJSON(t, resp)
	if result["status"] != "accepted" {
		t.Errorf("expected accepted status, got %v", result["status"])
	}
	jobID, _ := result["jobId"].(string)
	if jobID == "" {
		t.Fatal("missing jobId in dispatch response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := ta.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == model.JobStatusCompleted {
			break
		}
		if job.Status == model.JobStatusFailed {
			t.Fatalf("job failed: %s", job.Message)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = doRequest(t, ta.app, "GET", "/status/"+jobID, "", nil)
	assertStatus(t, resp, http.StatusOK)
	jobBody := parseJSON(t, resp)
	if jobBody["status"] != "completed" {
		t.Errorf("expected completed in status response, got %v", jobBody["status"])
	}
}

func TestProcessUnknownModelFailsAsynchronously(t *testing.T) {
	ta := setupApp(t)
	fileID := uploadSong(t, ta, "audio-bytes")

	// Dispatch accepts any model name; the job fails during execution.
	resp := doRequest(t, ta.app, "POST", "/process/nonexistent/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusAccepted)
	jobID, _ := parseJSON(t, resp)["jobId"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := ta.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == model.JobStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected failed, job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessUnregisteredSongStillDispatches(t *testing.T) {
	ta := setupApp(t)

	// The file id does not have to reference an existing song at
	// creation time; the processor resolves it during execution.
	resp := doRequest(t, ta.app, "POST", "/process/demucs/not-registered-yet", "", nil)
	assertStatus(t, resp, http.StatusAccepted)
	jobID, _ := parseJSON(t, resp)["jobId"].(string)
	if jobID == "" {
		t.Fatal("missing jobId in dispatch response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := ta.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == model.JobStatusCompleted || job.Status == model.JobStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, "GET", "/status/nope", "", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestProxyAudioStreamsRemoteBody(t *testing.T) {
	ta := setupApp(t)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("remote-audio-bytes"))
	}))
	defer remote.Close()

	resp := doRequest(t, ta.app, "POST", "/proxy-audio", `{"url":"`+remote.URL+`"}`, nil)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("expected upstream content type, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "remote-audio-bytes" {
		t.Errorf("expected streamed remote body, got %q", body)
	}
}

func TestProxyAudioRejectsBadURL(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, "POST", "/proxy-audio", `{"url":"not a url"}`, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestDeleteSongWithMissingBackingFile(t *testing.T) {
	ta := setupApp(t)
	fileID := uploadSong(t, ta, "audio-bytes")

	song, err := ta.store.GetSong(context.Background(), fileID)
	if err != nil {
		t.Fatalf("get song: %v", err)
	}
	// The backing file disappears out of band; the delete still removes
	// the record instead of failing.
	if err := os.Remove(ta.uploads.FilePath(song.Filename)); err != nil {
		t.Fatalf("remove backing file: %v", err)
	}

	resp := doRequest(t, ta.app, "DELETE", "/songs/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, ta.app, "GET", "/songs/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestCleanupRemovesEverything(t *testing.T) {
	ta := setupApp(t)
	fileID := uploadSong(t, ta, "audio-bytes")

	resp := doRequest(t, ta.app, "DELETE", "/cleanup/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = doRequest(t, ta.app, "GET", "/songs/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	// Cleanup of an unknown id is not an error.
	resp = doRequest(t, ta.app, "DELETE", "/cleanup/"+fileID, "", nil)
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
