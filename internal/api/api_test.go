package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/chaoss/grimoirelab-core/internal/database"
	"github.com/chaoss/grimoirelab-core/internal/jobrunner"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
	"github.com/chaoss/grimoirelab-core/internal/taskstore"
)

type staticStrategy struct{}

func (staticStrategy) Initial(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return json.RawMessage(`{"strategy":"initial"}`), nil
}

func (staticStrategy) Resuming(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return json.RawMessage(`{"strategy":"resuming"}`), nil
}

func (staticStrategy) Recovery(ctx context.Context, rc taskregistry.RunContext) (json.RawMessage, error) {
	return json.RawMessage(`{"strategy":"recovery"}`), nil
}

type nullRunner struct{}

func (nullRunner) Enqueue(ctx context.Context, req jobrunner.EnqueueRequest) error { return nil }

func (nullRunner) Fetch(ctx context.Context, queue string, jobUUID uuid.UUID) (jobrunner.FetchResult, error) {
	return jobrunner.FetchResult{}, nil
}

func (nullRunner) Cancel(ctx context.Context, queue string, jobUUID uuid.UUID) error { return nil }

type APISuite struct {
	suite.Suite
	db     *database.TestDB
	store  *taskstore.Store
	sched  *scheduler.Scheduler
	server *httptest.Server
	ctx    context.Context
}

func TestAPISuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupSuite() {
	s.db = database.SetupTestDB(s.T())
	s.ctx = context.Background()
}

func (s *APISuite) TearDownSuite() {
	s.db.Cleanup(s.T())
}

func (s *APISuite) SetupTest() {
	_, err := s.db.Pool.Exec(s.ctx, `TRUNCATE tasks, jobs RESTART IDENTITY CASCADE`)
	s.Require().NoError(err)

	s.store = taskstore.New(s.db.Pool)

	registry := taskregistry.New()
	s.Require().NoError(registry.Register(&taskregistry.Descriptor{
		Tag:          "eventizer",
		Args:         staticStrategy{},
		DefaultQueue: "eventizer",
		CanBeRetried: true,
	}))

	s.sched = scheduler.New(s.store, registry, nullRunner{}, nil, nil)

	handler := New(s.store, registry, s.sched, nil, nil)
	mux := http.NewServeMux()
	handler.Routes(mux)
	s.server = httptest.NewServer(mux)
	s.T().Cleanup(s.server.Close)
}

func (s *APISuite) request(method, path string, body string) (*http.Response, []byte) {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	s.Require().NoError(err)
	return resp, buf.Bytes()
}

func (s *APISuite) TestListTaskTypes() {
	resp, body := s.request(http.MethodGet, "/task-types", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), "eventizer")
}

func (s *APISuite) TestCreateTask_Returns201Enqueued() {
	resp, body := s.request(http.MethodPost, "/tasks/eventizer",
		`{"task_args":{"uri":"http://example.com/"},"job_interval":3600,"job_max_retries":5,"burst":true}`)
	s.Equal(http.StatusCreated, resp.StatusCode)

	var task taskstore.Task
	s.Require().NoError(json.Unmarshal(body, &task))
	s.Equal(taskstore.StatusEnqueued, task.Status)
	s.Equal("eventizer", task.TaskType)
	s.True(task.Burst)
}

func (s *APISuite) TestUnknownTaskType_Returns400() {
	resp, body := s.request(http.MethodGet, "/tasks/nope", "")
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Contains(string(body), "Unknown task type")
}

func (s *APISuite) TestGetTask_UnknownUUIDReturns404() {
	resp, _ := s.request(http.MethodGet, "/tasks/eventizer/"+uuid.NewString(), "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *APISuite) TestListTasks_PaginationEnvelope() {
	for i := 0; i < 3; i++ {
		resp, _ := s.request(http.MethodPost, "/tasks/eventizer", `{"task_args":{}}`)
		s.Require().Equal(http.StatusCreated, resp.StatusCode)
	}

	resp, body := s.request(http.MethodGet, "/tasks/eventizer?page=1&size=2", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	var envelope struct {
		Links struct {
			Next     *string `json:"next"`
			Previous *string `json:"previous"`
		} `json:"links"`
		Count      int               `json:"count"`
		Page       int               `json:"page"`
		TotalPages int               `json:"total_pages"`
		Results    []json.RawMessage `json:"results"`
	}
	s.Require().NoError(json.Unmarshal(body, &envelope))
	s.Equal(3, envelope.Count)
	s.Equal(1, envelope.Page)
	s.Equal(2, envelope.TotalPages)
	s.Len(envelope.Results, 2)
	s.Require().NotNil(envelope.Links.Next)
	s.Contains(*envelope.Links.Next, "page=2")
	s.Nil(envelope.Links.Previous)
}

func (s *APISuite) TestRescheduleAndCancel_ReturnMessages() {
	resp, body := s.request(http.MethodPost, "/tasks/eventizer", `{"task_args":{}}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var task taskstore.Task
	s.Require().NoError(json.Unmarshal(body, &task))

	resp, body = s.request(http.MethodPost, fmt.Sprintf("/tasks/eventizer/%s/cancel", task.UUID), "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), "Task canceled")

	resp, body = s.request(http.MethodPost, fmt.Sprintf("/tasks/eventizer/%s/reschedule", task.UUID), "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), "Task rescheduled")

	resp, _ = s.request(http.MethodPost, "/tasks/eventizer/"+uuid.NewString()+"/reschedule", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *APISuite) TestDeleteTask_Returns204AndRemovesIt() {
	resp, body := s.request(http.MethodPost, "/tasks/eventizer", `{"task_args":{}}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var task taskstore.Task
	s.Require().NoError(json.Unmarshal(body, &task))

	resp, _ = s.request(http.MethodDelete, "/tasks/eventizer/"+task.UUID.String(), "")
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp, _ = s.request(http.MethodGet, "/tasks/eventizer/"+task.UUID.String(), "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *APISuite) TestListJobsAndLogs() {
	resp, body := s.request(http.MethodPost, "/tasks/eventizer", `{"task_args":{}}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var task taskstore.Task
	s.Require().NoError(json.Unmarshal(body, &task))

	created, err := s.store.GetTaskByUUID(s.ctx, task.UUID)
	s.Require().NoError(err)
	job, err := s.store.LatestJob(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Require().NotNil(job)
	s.Require().NoError(s.store.FinishJob(s.ctx, job.UUID, taskstore.StatusCompleted, nil, "fetched 40 items\n", nil))

	resp, body = s.request(http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs", task.UUID), "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), job.UUID.String())

	resp, body = s.request(http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s", task.UUID, job.UUID), "")
	s.Equal(http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/tasks/eventizer/%s/jobs/%s/logs", s.server.URL, task.UUID, job.UUID), nil)
	s.Require().NoError(err)
	req.Header.Set("Accept", "application/json")
	rawResp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer rawResp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rawResp.Body)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, rawResp.StatusCode)
	s.Contains(buf.String(), "fetched 40 items")

	resp, body = s.request(http.MethodGet, fmt.Sprintf("/tasks/eventizer/%s/jobs/%s/logs", task.UUID, job.UUID), "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.True(strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
	s.Contains(string(body), "fetched 40 items")
}

func (s *APISuite) TestListEvents_NoIndexConfiguredReturns404() {
	resp, _ := s.request(http.MethodGet, "/events", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}
