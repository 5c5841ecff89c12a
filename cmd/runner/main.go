// Command runner is a minimal worker: it polls the engine for runs,
// starts an attempt, pretends to execute the task, heartbeats while
// doing so, and reports the completion.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type dequeuedMessage struct {
	Snapshot struct {
		ID string `json:"id"`
	} `json:"snapshot"`
	Run struct {
		ID             string `json:"id"`
		TaskIdentifier string `json:"task_identifier"`
	} `json:"run"`
}

type startResult struct {
	AttemptNumber int `json:"attempt_number"`
	Snapshot      struct {
		ID string `json:"id"`
	} `json:"snapshot"`
}

type outcome struct {
	AttemptStatus string `json:"attempt_status"`
	RunStatus     string `json:"run_status"`
	RetryDelay    int64  `json:"retry_delay,omitempty"`
}

func main() {
	engineURL := os.Getenv("ENGINE_URL")
	if engineURL == "" {
		engineURL = "http://localhost:8080"
	}

	workerQueue := os.Getenv("WORKER_QUEUE")
	if workerQueue == "" {
		log.Fatal("WORKER_QUEUE is required")
	}

	runnerID := os.Getenv("RUNNER_ID")
	if runnerID == "" {
		runnerID = fmt.Sprintf("runner-%d", time.Now().Unix())
	}

	r := &runner{
		engineURL:   engineURL,
		workerQueue: workerQueue,
		runnerID:    runnerID,
		client:      &http.Client{Timeout: 30 * time.Second},
		stop:        make(chan struct{}),
	}

	go r.loop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down runner...")
	close(r.stop)
}

type runner struct {
	engineURL   string
	workerQueue string
	runnerID    string
	client      *http.Client
	stop        chan struct{}
}

func (r *runner) loop() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		msg, err := r.dequeue()
		if err != nil {
			log.Printf("Dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		r.execute(msg)
	}
}

func (r *runner) dequeue() (*dequeuedMessage, error) {
	resp, err := r.post("/api/dequeue", map[string]string{
		"consumer_id":  r.runnerID,
		"worker_queue": r.workerQueue,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dequeue returned status %d", resp.StatusCode)
	}

	var msg dequeuedMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *runner) execute(msg *dequeuedMessage) {
	runID := msg.Run.ID
	log.Printf("Claimed run %s (%s)", runID, msg.Run.TaskIdentifier)

	var started startResult
	if err := r.postJSON("/api/runs/"+runID+"/attempts/start", map[string]string{
		"snapshot_id": msg.Snapshot.ID,
		"runner_id":   r.runnerID,
	}, &started); err != nil {
		log.Printf("Failed to start attempt for run %s: %v", runID, err)
		return
	}

	log.Printf("Executing run %s attempt %d", runID, started.AttemptNumber)

	done := make(chan struct{})
	go r.heartbeat(runID, started.Snapshot.ID, done)
	time.Sleep(2 * time.Second)
	close(done)

	var result outcome
	if err := r.postJSON("/api/runs/"+runID+"/attempts/complete", map[string]any{
		"snapshot_id": started.Snapshot.ID,
		"completion": map[string]any{
			"ok":     true,
			"output": fmt.Sprintf(`{"completed_by":%q}`, r.runnerID),
		},
	}, &result); err != nil {
		log.Printf("Failed to complete attempt for run %s: %v", runID, err)
		return
	}

	log.Printf("Run %s finished: %s (%s)", runID, result.RunStatus, result.AttemptStatus)
}

func (r *runner) heartbeat(runID, snapshotID string, done chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := r.postJSON("/api/runs/"+runID+"/heartbeat", map[string]string{
				"snapshot_id": snapshotID,
			}, nil); err != nil {
				log.Printf("Heartbeat failed for run %s: %v", runID, err)
			}
		}
	}
}

func (r *runner) post(path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return r.client.Post(r.engineURL+path, "application/json", bytes.NewReader(data))
}

func (r *runner) postJSON(path string, body, out any) error {
	resp, err := r.post(path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
