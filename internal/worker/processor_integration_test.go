package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/peermesh/internal/dispatch"
	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/resume"
	"github.com/mohammad-safakhou/peermesh/internal/store"
	"github.com/mohammad-safakhou/peermesh/internal/worker"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatalf("could not locate migrations directory")
	return ""
}

func TestReplyRoundTripResumesTask(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("peermesh"),
		tcPostgres.WithUsername("peermesh"),
		tcPostgres.WithPassword("peermesh"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()
	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()
	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://peermesh:peermesh@%s:%s/peermesh?sslmode=disable", pgHost, pgPort.Port())
	var migErr error
	for i := 0; i < 6; i++ {
		if migErr = store.Migrate(migrationsDir(t), dsn, "up", 0); migErr == nil {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}
	if migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{fmt.Sprintf("%s:%s", redisHost, redisPort.Port())}})
	defer func() { _ = client.Close() }()

	registry, err := streams.NewBaseRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	publisher := streams.NewPublisher(client, registry)
	for _, s := range []string{streams.StreamPeerReplies, streams.StreamTaskResume} {
		if err := streams.EnsureGroup(ctx, client, s, "test"); err != nil {
			t.Fatalf("ensure group %s: %v", s, err)
		}
	}

	coord := resume.NewCoordinator(st)
	d := dispatch.New(coord, publisher)
	planned, err := d.Suspend(ctx, store.PausedTask{LogicalTaskID: "task-1", AgentName: "planner", SessionID: "sess-1"},
		[]dispatch.FanOut{{Calls: []dispatch.PeerCall{{PeerAgent: "a"}, {PeerAgent: "b"}}}})
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	for i, call := range planned[0].Calls {
		reply := streams.PeerReply{SubTaskID: call.SubTaskID, Success: true, Output: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}
		for dup := 0; dup < 2; dup++ {
			if _, err := publisher.PublishRaw(ctx, streams.StreamPeerReplies, streams.EventPeerReply, streams.VersionV1, reply); err != nil {
				t.Fatalf("publish reply: %v", err)
			}
		}
	}

	trigger := worker.StreamResumeTrigger{Publisher: publisher}
	handler := worker.NewReplyHandler(coord, trigger, nil, time.Second)
	proc := worker.NewProcessor(streams.NewConsumer(client, registry, "test", "w1"), streams.StreamPeerReplies, handler,
		worker.WithReadBatch(200*time.Millisecond, 10))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	done := make(chan error, 1)
	go func() { done <- proc.Start(runCtx) }()

	resumeConsumer := streams.NewConsumer(client, registry, "test", "runtime")
	var resumes []streams.Message
	for runCtx.Err() == nil && len(resumes) == 0 {
		msgs, err := resumeConsumer.Read(runCtx, streams.StreamTaskResume, streams.WithBlock(200*time.Millisecond))
		if err != nil && runCtx.Err() == nil {
			t.Fatalf("read resume: %v", err)
		}
		resumes = append(resumes, msgs...)
	}
	// Let duplicates drain before stopping.
	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	if len(resumes) != 1 {
		t.Fatalf("expected one task.resume, got %d", len(resumes))
	}
	var tr streams.TaskResume
	if err := resumes[0].Envelope.Decode(&tr); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if tr.LogicalTaskID != "task-1" || tr.InvocationID != planned[0].InvocationID {
		t.Fatalf("unexpected resume: %+v", tr)
	}

	state, err := coord.LoadAndClear(ctx, "task-1")
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if len(state.Results) != 2 || state.Task.SessionID != "sess-1" {
		t.Fatalf("unexpected resume state: %+v", state)
	}

	extra, err := resumeConsumer.Read(ctx, streams.StreamTaskResume, streams.WithBlock(100*time.Millisecond))
	if err != nil {
		t.Fatalf("read resume: %v", err)
	}
	if len(extra) != 0 {
		t.Fatalf("duplicate replies must not trigger another resume, got %d", len(extra))
	}
}
