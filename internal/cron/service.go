// Package cron runs the gateway's housekeeping jobs. Jobs live in memory
// for the lifetime of the process.
package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

type Service struct {
	mu       sync.Mutex
	jobs     []Job
	OnJob    func(ctx context.Context, job Job) (string, error)
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
}

func NewService() *Service {
	logger := rcron.PrintfLogger(log.Default())
	return &Service{
		cron: rcron.New(
			rcron.WithParser(parser),
			rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
		),
		entryMap: make(map[string]rcron.EntryID),
		ctx:      context.Background(),
	}
}

// Start begins firing enabled jobs. The service stops when ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	s.running = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", n)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()
	cancel()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// AddJob validates and registers a job. It fires once the service is
// started.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, schedule, payload)
	if err := s.registerLocked(job); err != nil {
		return nil, err
	}
	s.jobs = append(s.jobs, job)
	return &job, nil
}

func (s *Service) registerLocked(job Job) error {
	sched, err := job.Schedule.schedule()
	if err != nil {
		return err
	}
	id := job.ID
	s.entryMap[id] = s.cron.Schedule(sched, rcron.FuncJob(func() {
		s.executeJob(id)
	}))
	return nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			if entryID, ok := s.entryMap[id]; ok {
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		_, registered := s.entryMap[id]
		switch {
		case enabled && !registered:
			if err := s.registerLocked(s.jobs[i]); err != nil {
				return nil, err
			}
		case !enabled && registered:
			s.cron.Remove(s.entryMap[id])
			delete(s.entryMap, id)
		}
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// RunJob executes a job immediately, outside its schedule.
func (s *Service) RunJob(id string) error {
	s.mu.Lock()
	found := false
	for _, job := range s.jobs {
		if job.ID == id {
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("job %s not found", id)
	}
	s.executeJob(id)
	return nil
}

func (s *Service) executeJob(id string) {
	s.mu.Lock()
	var job Job
	found := false
	for _, j := range s.jobs {
		if j.ID == id {
			job, found = j, true
			break
		}
	}
	ctx := s.ctx
	handler := s.OnJob
	s.mu.Unlock()

	if !found || !job.Enabled {
		return
	}
	if handler == nil {
		log.Printf("[cron] no OnJob handler set")
		return
	}

	log.Printf("[cron] executing job %s (%s)", job.Name, job.ID)
	result, err := handler(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		st.Runs++
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			log.Printf("[cron] job %s error: %v", job.Name, err)
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			log.Printf("[cron] job %s result: %s", job.Name, truncate(result, 100))
		}
		break
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
