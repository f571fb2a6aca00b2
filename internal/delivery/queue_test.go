package delivery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/delivery"
	"conveyor/internal/logging"
	"conveyor/internal/media"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

func newQueueEnv(t *testing.T, targets map[string]delivery.Target, workers int) (*delivery.Queue, *store.Store) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	q := delivery.New(st, targets, workers, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("queue did not stop")
		}
	})
	return q, st
}

func encodedItem(t *testing.T, st *store.Store, artifact string) *media.Item {
	t.Helper()

	req := testsupport.NewRequest(t, st, "Signal Hill")
	item := testsupport.NewItem(t, st, req.ID, "Signal Hill")
	item.Status = media.StatusEncoded
	item.EncodedPath = artifact
	if err := st.UpdateItem(context.Background(), item); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	return item
}

func TestQueueDeliversAndSettlesItem(t *testing.T) {
	stub := delivery.NewStubTarget("cdn")
	q, st := newQueueEnv(t, map[string]delivery.Target{"cdn": stub}, 2)

	artifact := filepath.Join(t.TempDir(), "show.default.mkv")
	testsupport.WriteFile(t, artifact, 128)
	item := encodedItem(t, st, artifact)

	ticket, added := q.Enqueue(delivery.Job{
		ItemID:     item.ID,
		SourcePath: artifact,
		Pairs:      []delivery.Pair{{Target: "cdn", Profile: "default"}},
	})
	if !added {
		t.Fatal("first enqueue should add")
	}

	res, err := ticket.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("delivery failed: %v", res.Err)
	}
	if len(res.Delivered()) != 1 {
		t.Fatalf("delivered legs = %d, want 1", len(res.Delivered()))
	}
	if got := stub.Delivered(); len(got) != 1 {
		t.Fatalf("stub deliveries = %v, want one", got)
	}

	stored, err := st.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if stored.Status != media.StatusDelivered {
		t.Fatalf("item status = %s, want %s", stored.Status, media.StatusDelivered)
	}
	if stored.DeliveredAt == nil {
		t.Fatal("DeliveredAt should be stamped")
	}
}

func TestQueueEnqueueIdempotentPerItem(t *testing.T) {
	stub := delivery.NewStubTarget("cdn")
	// The queue is never started, so the job stays queued while we probe.
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	q := delivery.New(st, map[string]delivery.Target{"cdn": stub}, 1, logging.NewNop())

	job := delivery.Job{ItemID: 7, SourcePath: "/nowhere", Pairs: []delivery.Pair{{Target: "cdn"}}}
	first, added := q.Enqueue(job)
	if !added {
		t.Fatal("first enqueue should add")
	}
	second, added := q.Enqueue(job)
	if added {
		t.Fatal("duplicate enqueue must be a no-op")
	}
	if first != second {
		t.Fatal("duplicate enqueue should share the ticket")
	}

	queued, inFlight := q.Depth()
	if queued != 1 || inFlight != 0 {
		t.Fatalf("depth = (%d, %d), want (1, 0)", queued, inFlight)
	}
}

func TestQueueJobSucceedsWhenOneLegLands(t *testing.T) {
	good := delivery.NewStubTarget("good")
	bad := delivery.NewStubTarget("bad")
	bad.Err = errors.New("dial tcp: connection refused")
	q, st := newQueueEnv(t, map[string]delivery.Target{"good": good, "bad": bad}, 1)

	artifact := filepath.Join(t.TempDir(), "movie.default.mkv")
	testsupport.WriteFile(t, artifact, 64)
	item := encodedItem(t, st, artifact)

	ticket, _ := q.Enqueue(delivery.Job{
		ItemID:     item.ID,
		SourcePath: artifact,
		Pairs: []delivery.Pair{
			{Target: "bad", Profile: "default"},
			{Target: "good", Profile: "default"},
		},
	})
	res, err := ticket.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("one leg landed, job should succeed: %v", res.Err)
	}
	if len(res.Delivered()) != 1 {
		t.Fatalf("delivered legs = %d, want 1", len(res.Delivered()))
	}

	stored, err := st.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if stored.Status != media.StatusDelivered {
		t.Fatalf("item status = %s, want %s", stored.Status, media.StatusDelivered)
	}
}

func TestQueueJobFailsWhenAllLegsFail(t *testing.T) {
	bad := delivery.NewStubTarget("bad")
	bad.Err = errors.New("dial tcp: connection refused")
	q, st := newQueueEnv(t, map[string]delivery.Target{"bad": bad}, 1)

	artifact := filepath.Join(t.TempDir(), "movie.default.mkv")
	testsupport.WriteFile(t, artifact, 64)
	item := encodedItem(t, st, artifact)

	ticket, _ := q.Enqueue(delivery.Job{
		ItemID:     item.ID,
		SourcePath: artifact,
		Pairs:      []delivery.Pair{{Target: "bad", Profile: "default"}, {Target: "ghost"}},
	})
	res, err := ticket.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Err == nil {
		t.Fatal("all legs failed, job must fail")
	}

	// Failed jobs stay with the step's retry machinery; the queue must not
	// touch the item.
	stored, err := st.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if stored.Status != media.StatusEncoded {
		t.Fatalf("item status = %s, want untouched %s", stored.Status, media.StatusEncoded)
	}
}

func TestLocalTargetCopiesAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	target := delivery.NewLocalTarget("library", root)

	source := filepath.Join(t.TempDir(), "episode.hq.mkv")
	testsupport.WriteFile(t, source, 256)

	dst, err := target.Deliver(context.Background(), source, "hq")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	want := filepath.Join(root, "hq", "episode.hq.mkv")
	if dst != want {
		t.Fatalf("destination = %q, want %q", dst, want)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat destination: %v", err)
	}
	if info.Size() != 256 {
		t.Fatalf("destination size = %d, want 256", info.Size())
	}

	// Second delivery of the same artifact is a no-op, not an error.
	again, err := target.Deliver(context.Background(), source, "hq")
	if err != nil {
		t.Fatalf("repeat Deliver failed: %v", err)
	}
	if again != want {
		t.Fatalf("repeat destination = %q, want %q", again, want)
	}
}

func TestBuildTargetsRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		targets []config.DeliveryTarget
	}{
		{"duplicate name", []config.DeliveryTarget{
			{Name: "x", Type: "stub"},
			{Name: "x", Type: "stub"},
		}},
		{"local without root", []config.DeliveryTarget{
			{Name: "lib", Type: "local"},
		}},
		{"unknown type", []config.DeliveryTarget{
			{Name: "lib", Type: "carrier-pigeon"},
		}},
		{"empty name", []config.DeliveryTarget{
			{Type: "stub"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := delivery.BuildTargets(tc.targets); err == nil {
				t.Fatal("BuildTargets should reject the config")
			}
		})
	}
}
