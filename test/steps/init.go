// Package steps backs the cucumber suite. Each scenario gets its own API
// server over a fresh database mock, so scenarios cannot leak state into each
// other.
package steps

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/clipforge/clipforge-api/api"
	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/handlers"
	"github.com/clipforge/clipforge-api/pipeline"
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/state"
	"github.com/clipforge/clipforge-api/store"
)

const apiToken = "cucumber-token"

// StepContext carries one scenario's server, database mock and last HTTP
// exchange between steps.
type StepContext struct {
	server      *httptest.Server
	db          *sql.DB
	mock        sqlmock.Sqlmock
	coordinator *pipeline.Coordinator
	bus         *progress.Bus

	authHeader   string
	latestStatus int
	latestBody   string
	latestHeader http.Header
}

func NewStepContext() *StepContext {
	return &StepContext{}
}

func (s *StepContext) StartAPI() error {
	return s.startAPI(5)
}

func (s *StepContext) StartAPIWithSlots(slots int) error {
	return s.startAPI(slots)
}

func (s *StepContext) startAPI(maxJobs int) error {
	if s.server != nil {
		return fmt.Errorf("the API is already running")
	}
	db, mock, err := sqlmock.New()
	if err != nil {
		return err
	}
	mock.MatchExpectationsInOrder(false)

	st := store.New(db)
	cli := config.Cli{
		APIToken:          apiToken,
		MaxConcurrentJobs: maxJobs,
		WorkDir:           os.TempDir(),
	}
	stateMgr := state.NewManager(st, nil)
	coordinator := pipeline.NewStubCoordinator(cli, stateMgr, &clients.ObjectStore{})
	bus := progress.NewBus()

	s.db = db
	s.mock = mock
	s.coordinator = coordinator
	s.bus = bus
	s.server = httptest.NewServer(api.NewRouter(cli, &handlers.APIHandlersCollection{
		Cli:      cli,
		Store:    st,
		State:    stateMgr,
		Pipeline: coordinator,
		Objects:  &clients.ObjectStore{},
		Bus:      bus,
	}))
	return nil
}

// OccupyJobSlot registers a fake running job so capacity gating kicks in.
func (s *StepContext) OccupyJobSlot() error {
	if s.coordinator == nil {
		return fmt.Errorf("the API is not running")
	}
	job := &pipeline.JobInfo{
		RequestID:    "cucumber",
		WorkerTaskID: pipeline.WorkerTaskID(store.TaskDownload, 1),
		Type:         store.TaskDownload,
		VideoID:      1,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
	s.coordinator.Jobs.Store(job.WorkerTaskID, job)
	return nil
}

// Close tears the scenario's server down and reports unmet database
// expectations as a scenario failure.
func (s *StepContext) Close() error {
	if s.server != nil {
		s.server.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	var err error
	if s.mock != nil {
		err = s.mock.ExpectationsWereMet()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
