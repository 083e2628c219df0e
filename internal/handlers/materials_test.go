package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/database/memstore"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/generation"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/llm"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/pipeline"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/study"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLLM struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
}

func (f *fakeLLM) Complete(context.Context, llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content}, nil
}

func quizJSON(n int) string {
	qs := make([]string, n)
	for i := range qs {
		qs[i] = fmt.Sprintf(`{"type":"multiple_choice","question":"Which structure is described in fact %d?",
			"options":["Structure %d","Other A","Other B","Other C"],"answer":"Structure %d","explanation":"From the notes."}`, i+1, i+1, i+1)
	}
	return `{"questions":[` + strings.Join(qs, ",") + `]}`
}

type testServer struct {
	store  *memstore.Store
	proc   *pipeline.Pipeline
	llm    *fakeLLM
	queue  *worker.MemoryQueue
	engine *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Nop()
	store := memstore.New()
	queue := worker.NewMemoryQueue(10)
	pool := worker.NewPool(queue, 1, 3, log)
	fake := &fakeLLM{content: quizJSON(5)}

	proc := pipeline.New(store, nil, nil, nil, pool, pipeline.Config{}, log)
	svc := study.New(store, generation.New(fake, generation.Config{}, log), pool, log)
	h := NewHandler(store, proc, svc, pool, log)

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.GET("/health", h.HealthCheck)
	v1.POST("/materials/jobs", h.CreateJob)
	v1.GET("/materials/:id/status", h.GetStatus)
	v1.POST("/materials/:id/retry", h.RetryMaterial)
	v1.POST("/materials/:id/quiz", h.GenerateQuiz)
	v1.POST("/materials/:id/flashcards", h.GenerateFlashcards)
	v1.PUT("/materials/:id/content", h.UpdateContent)
	v1.DELETE("/materials/:id", h.DeleteMaterial)

	return &testServer{store: store, proc: proc, llm: fake, queue: queue, engine: r}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) queued(t *testing.T) []worker.Job {
	t.Helper()
	var jobs []worker.Job
	for {
		n, _ := s.queue.Len(context.Background())
		if n == 0 {
			return jobs
		}
		j, err := s.queue.Dequeue(context.Background())
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
}

// seed stores a material with the given status and, when ready, one segment.
func (s *testServer) seed(t *testing.T, status models.ProcessingStatus, version models.ProcessingVersion) string {
	t.Helper()
	id := uuid.NewString()
	s.store.Seed(models.Material{
		ID:                id,
		Filename:          "notes.pdf",
		MimeType:          "application/pdf",
		FileURL:           "https://files.test/notes.pdf",
		Content:           testutil.Lorem(800),
		ProcessingStatus:  status,
		ProcessingVersion: version,
		MaterialVersion:   1,
		FailureReason:     "This document is password protected.",
	})
	if status == models.StatusCompleted && version == models.ProcessingV2 {
		require.NoError(t, s.store.ReplaceSegments(context.Background(), id, []models.DocumentSegment{
			{MaterialID: id, Content: testutil.Lorem(800), TokenCount: 200, Source: models.SourceText},
		}))
	}
	return id
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCreateJob(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/materials/jobs",
		`{"fileUrl":"https://files.test/bio.pdf","mimeType":"application/pdf","filename":"bio.pdf"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[models.JobAcceptedResponse](t, w)
	assert.Equal(t, "queued", resp.Status)

	m, err := s.store.GetMaterial(context.Background(), resp.MaterialID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, m.ProcessingStatus)
	assert.Equal(t, models.ProcessingV2, m.ProcessingVersion)

	jobs := s.queued(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, worker.JobProcessMaterial, jobs[0].Type)
	var payload worker.ProcessPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, "https://files.test/bio.pdf", payload.FileURL)
}

func TestCreateJobCases(t *testing.T) {
	tests := []struct {
		name     string
		existing models.ProcessingStatus
		body     func(id string) string
		wantCode int
		wantJobs int
	}{
		{
			name:     "missing filename",
			body:     func(string) string { return `{"fileUrl":"https://files.test/a.pdf"}` },
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "bad material id",
			body:     func(string) string { return `{"materialId":"nope","fileUrl":"u","filename":"a.pdf"}` },
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "client supplied id",
			body:     func(string) string { return fmt.Sprintf(`{"materialId":%q,"fileUrl":"u","filename":"a.pdf"}`, uuid.NewString()) },
			wantCode: http.StatusAccepted,
			wantJobs: 1,
		},
		{
			name:     "existing material in progress",
			existing: models.StatusSegmenting,
			body:     func(id string) string { return fmt.Sprintf(`{"materialId":%q,"fileUrl":"u","filename":"a.pdf"}`, id) },
			wantCode: http.StatusConflict,
		},
		{
			name:     "existing completed material",
			existing: models.StatusCompleted,
			body:     func(id string) string { return fmt.Sprintf(`{"materialId":%q,"fileUrl":"u","filename":"a.pdf"}`, id) },
			wantCode: http.StatusConflict,
		},
		{
			name:     "existing pending material",
			existing: models.StatusPending,
			body:     func(id string) string { return fmt.Sprintf(`{"materialId":%q,"fileUrl":"u","filename":"a.pdf"}`, id) },
			wantCode: http.StatusAccepted,
			wantJobs: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			id := ""
			if tt.existing != "" {
				id = s.seed(t, tt.existing, models.ProcessingV2)
			}
			w := s.do(t, http.MethodPost, "/api/v1/materials/jobs", tt.body(id))
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Len(t, s.queued(t), tt.wantJobs)
			if id != "" && w.Code == http.StatusAccepted {
				assert.Equal(t, id, decode[models.JobAcceptedResponse](t, w).MaterialID)
			}
		})
	}
}

func TestCreateJobForFailedMaterial(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id := s.seed(t, models.StatusFailed, models.ProcessingV2)
	require.NoError(t, s.store.ReplaceSegments(ctx, id, []models.DocumentSegment{
		{MaterialID: id, Content: "left over", TokenCount: 2, Source: models.SourceText},
	}))

	w := s.do(t, http.MethodPost, "/api/v1/materials/jobs", fmt.Sprintf(
		`{"materialId":%q,"fileUrl":"https://files.test/unlocked.docx","mimeType":"application/vnd.openxmlformats-officedocument.wordprocessingml.document","filename":"unlocked.docx"}`, id))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	m, err := s.store.GetMaterial(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, m.ProcessingStatus)
	assert.Empty(t, m.FailureReason)
	assert.Equal(t, "https://files.test/unlocked.docx", m.FileURL)
	assert.Equal(t, "unlocked.docx", m.Filename)

	n, err := s.store.CountSegments(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	jobs := s.queued(t)
	require.Len(t, jobs, 1)
	var payload worker.ProcessPayload
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, "https://files.test/unlocked.docx", payload.FileURL)
	assert.Equal(t, "unlocked.docx", payload.Filename)
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, models.StatusCompleted, models.ProcessingV2)

	w := s.do(t, http.MethodGet, "/api/v1/materials/"+id+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[models.StatusResponse](t, w)
	assert.Equal(t, id, st.MaterialID)
	assert.True(t, st.IsReady)
	assert.Equal(t, 1, st.SegmentCount)
	assert.False(t, st.CanRetry)

	w = s.do(t, http.MethodGet, "/api/v1/materials/"+uuid.NewString()+"/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[models.ErrorResponse](t, w).Error)
}

func TestRetryMaterial(t *testing.T) {
	s := newTestServer(t)
	failed := s.seed(t, models.StatusFailed, models.ProcessingV2)
	done := s.seed(t, models.StatusCompleted, models.ProcessingV2)

	w := s.do(t, http.MethodPost, "/api/v1/materials/"+failed+"/retry", "")
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Len(t, s.queued(t), 1)

	w = s.do(t, http.MethodPost, "/api/v1/materials/"+done+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_retryable", decode[models.ErrorResponse](t, w).Error)
}

func TestGenerateQuiz(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, models.StatusCompleted, models.ProcessingV2)

	w := s.do(t, http.MethodPost, "/api/v1/materials/"+id+"/quiz", `{"questionCount":3,"difficulty":"easy"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	quiz := decode[models.QuizResponse](t, w)
	assert.Len(t, quiz.Questions, 3)
	assert.Equal(t, "easy", quiz.Difficulty)
	assert.False(t, quiz.Cached)

	// An empty body takes the defaults and hits the cache.
	w = s.do(t, http.MethodPost, "/api/v1/materials/"+id+"/quiz", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[models.QuizResponse](t, w).Cached)
	assert.Equal(t, 1, s.llm.calls)
}

func TestGenerateQuizErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    models.ProcessingStatus
		version   models.ProcessingVersion
		body      string
		llmErr    error
		wantCode  int
		wantError string
	}{
		{"still processing", models.StatusExtracting, models.ProcessingV2, "", nil, http.StatusConflict, "still_processing"},
		{"failed material", models.StatusFailed, models.ProcessingV2, "", nil, http.StatusUnprocessableEntity, "unsupported_document"},
		{"generation exhausted", models.StatusCompleted, models.ProcessingV2, "", &llm.StatusError{Code: 400, Body: "bad"}, http.StatusBadGateway, "generation_failed"},
		{"reversed page range", models.StatusCompleted, models.ProcessingV2, `{"pageStart":3,"pageEnd":1}`, nil, http.StatusBadRequest, "invalid_request"},
		{"page zero", models.StatusCompleted, models.ProcessingV2, `{"pageStart":0}`, nil, http.StatusBadRequest, "invalid_request"},
		{"not json", models.StatusCompleted, models.ProcessingV2, `{"pageStart":`, nil, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.llm.err = tt.llmErr
			id := s.seed(t, tt.status, tt.version)

			w := s.do(t, http.MethodPost, "/api/v1/materials/"+id+"/quiz", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			resp := decode[models.ErrorResponse](t, w)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.wantCode == http.StatusUnprocessableEntity {
				assert.Equal(t, "This document is password protected.", resp.Message)
			}
		})
	}
}

func TestGenerateTriggersUpgrade(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, models.StatusCompleted, models.ProcessingV1)

	w := s.do(t, http.MethodPost, "/api/v1/materials/"+id+"/flashcards", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "upgrading", body["status"])

	jobs := s.queued(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, worker.JobUpgradeMaterial, jobs[0].Type)
	assert.Zero(t, s.llm.calls)
}

func TestGenerateFlashcards(t *testing.T) {
	s := newTestServer(t)
	s.llm.content = `{"flashcards":[{"front":"Stroma","back":"Fluid inside the chloroplast"},
		{"front":"Thylakoid","back":"Membrane stack where light reactions happen"},
		{"front":"Calvin cycle","back":"Carbon fixation pathway"}]}`
	id := s.seed(t, models.StatusCompleted, models.ProcessingV2)

	w := s.do(t, http.MethodPost, "/api/v1/materials/"+id+"/flashcards", `{"questionCount":3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.FlashcardsResponse](t, w)
	assert.Len(t, resp.Flashcards, 3)
	assert.Equal(t, 1, resp.MaterialVersion)
}

func TestUpdateContent(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, models.StatusCompleted, models.ProcessingV2)

	w := s.do(t, http.MethodPut, "/api/v1/materials/"+id+"/content", `{"content":"Edited notes about the cell membrane."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.ContentUpdatedResponse](t, w)
	assert.Equal(t, 2, resp.MaterialVersion)

	jobs := s.queued(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, worker.JobResegmentMaterial, jobs[0].Type)
	assert.Equal(t, id, jobs[0].MaterialID)

	w = s.do(t, http.MethodPut, "/api/v1/materials/"+id+"/content", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	busy := s.seed(t, models.StatusCleaning, models.ProcessingV2)
	w = s.do(t, http.MethodPut, "/api/v1/materials/"+busy+"/content", `{"content":"text"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEditHoldsGenerationUntilResegmented(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, models.StatusCompleted, models.ProcessingV2)
	quizPath := "/api/v1/materials/" + id + "/quiz"

	w := s.do(t, http.MethodPost, quizPath, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[models.QuizResponse](t, w).Cached)

	body, err := json.Marshal(models.UpdateContentRequest{Content: "# Membranes\n\n" + testutil.Lorem(1200)})
	require.NoError(t, err)
	w = s.do(t, http.MethodPut, "/api/v1/materials/"+id+"/content", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Old segments are still stored until the resegment job runs.
	w = s.do(t, http.MethodPost, quizPath, "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "still_processing", decode[models.ErrorResponse](t, w).Error)
	assert.Equal(t, 1, s.llm.calls)

	jobs := s.queued(t)
	require.Len(t, jobs, 1)
	require.NoError(t, s.proc.Resegment(context.Background(), jobs[0].MaterialID))

	w = s.do(t, http.MethodPost, quizPath, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	quiz := decode[models.QuizResponse](t, w)
	assert.False(t, quiz.Cached)
	assert.GreaterOrEqual(t, quiz.MaterialVersion, 2)
	assert.Equal(t, 2, s.llm.calls)

	w = s.do(t, http.MethodPost, quizPath, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.QuizResponse](t, w).Cached)
}

func TestDeleteMaterial(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, models.StatusCompleted, models.ProcessingV2)

	w := s.do(t, http.MethodDelete, "/api/v1/materials/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	n, err := s.store.CountSegments(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, n)

	w = s.do(t, http.MethodDelete, "/api/v1/materials/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "healthy", resp.Database)
	assert.Equal(t, "healthy", resp.Queue)
	assert.Equal(t, 1, resp.Workers)
}
