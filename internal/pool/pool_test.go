package pool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	// Keep heartbeat files out of the real /tmp
	dir, err := os.MkdirTemp("", "pool-test-*")
	if err != nil {
		os.Exit(1)
	}
	heartbeatDir = dir
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func TestPoolRunsJobs(t *testing.T) {
	p := New("webcam", 2, time.Minute)
	defer p.Close()

	var ran int32
	for i := 0; i < 5; i++ {
		ok := p.Add(Job{
			Key: string(rune('a' + i)),
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
		})
		if !ok {
			t.Fatalf("Add %d rejected", i)
		}
	}

	res := p.Wait()
	if ran != 5 || res.Completed != 5 {
		t.Errorf("ran = %d, results = %+v", ran, res)
	}
}

func TestPoolDedupsByKey(t *testing.T) {
	p := New("webcam", 4, time.Minute)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	if !p.Add(Job{Key: "kspb/0", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}) {
		t.Fatal("first Add rejected")
	}
	<-started

	if p.Add(Job{Key: "kspb/0", Run: func(ctx context.Context) error { return nil }}) {
		t.Error("duplicate key accepted while in flight")
	}
	if !p.InFlight("kspb/0") {
		t.Error("InFlight false for running job")
	}

	close(release)
	p.Wait()

	// After completion the key is free again
	if p.InFlight("kspb/0") {
		t.Error("InFlight true after completion")
	}
	if !p.Add(Job{Key: "kspb/0", Run: func(ctx context.Context) error { return nil }}) {
		t.Error("re-Add after completion rejected")
	}
	p.Wait()
}

func TestPoolOutcomeTallies(t *testing.T) {
	// 6s timeout floors the self-timeout at 1s
	p := New("webcam", 3, 6*time.Second)
	defer p.Close()

	p.Add(Job{Key: "ok", Run: func(ctx context.Context) error { return nil }})
	p.Add(Job{Key: "fail", Run: func(ctx context.Context) error { return errors.New("boom") }})
	p.Add(Job{Key: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	res := p.Wait()
	if res.Completed != 1 || res.Failed != 1 || res.TimedOut != 1 {
		t.Errorf("results = %+v", res)
	}
}

func TestPoolBoundsParallelism(t *testing.T) {
	p := New("webcam", 2, time.Minute)
	defer p.Close()

	var active, peak int32
	for i := 0; i < 6; i++ {
		p.Add(Job{
			Key: string(rune('a' + i)),
			Run: func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			},
		})
	}
	p.Wait()

	if peak > 2 {
		t.Errorf("peak parallelism = %d, want <= 2", peak)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	hb := startHeartbeat("webcam_kspb/0", 90*time.Second)

	// The key is sanitized into a flat filename
	path := heartbeatPath("webcam_kspb/0")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("heartbeat file: %v", err)
	}

	var rec heartbeatRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("heartbeat json: %v", err)
	}
	if rec.PID != os.Getpid() || rec.Timeout != 90 {
		t.Errorf("record = %+v", rec)
	}

	hb.stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("heartbeat file survived stop")
	}
}

func TestJanitor(t *testing.T) {
	write := func(name string, rec heartbeatRecord) string {
		path := filepath.Join(heartbeatDir, "worker_heartbeat_"+name+".json")
		data, _ := json.Marshal(rec)
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	now := time.Now().Unix()
	fresh := write("fresh", heartbeatRecord{PID: 1, Heartbeat: now, Timeout: 120})
	stale := write("stale", heartbeatRecord{PID: 2, Heartbeat: now - 400, Timeout: 120})
	insideGrace := write("grace", heartbeatRecord{PID: 3, Heartbeat: now - 130, Timeout: 120})

	garbled := filepath.Join(heartbeatDir, "worker_heartbeat_garbled.json")
	if err := os.WriteFile(garbled, []byte("{torn"), 0644); err != nil {
		t.Fatal(err)
	}

	removed := Janitor()
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh heartbeat removed")
	}
	if _, err := os.Stat(insideGrace); err != nil {
		t.Error("heartbeat inside grace window removed")
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale heartbeat kept")
	}
	if _, err := os.Stat(garbled); !os.IsNotExist(err) {
		t.Error("garbled heartbeat kept")
	}

	// Cleanup for other tests
	_ = os.Remove(fresh)
	_ = os.Remove(insideGrace)
}
