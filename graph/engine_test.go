package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gridwork/stategraph/graph/emit"
)

func setKey(key string, value any) Node {
	return NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		return Patch{key: value}, nil
	})
}

func appendTrail(name string) Node {
	return NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		trail, _ := s["trail"].(string)
		return Patch{"trail": trail + name}, nil
	})
}

func countingNode(calls *atomic.Int64, patch Patch) Node {
	return NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		calls.Add(1)
		return patch, nil
	})
}

func TestRunSequentialChain(t *testing.T) {
	b := NewBuilder("chain")
	_ = b.AddNode("a", appendTrail("A"))
	_ = b.AddNode("b", appendTrail("B"))
	_ = b.AddNode("c", appendTrail("C"))
	_ = b.Connect("a", "b")
	_ = b.Connect("b", "c")
	_ = b.Connect("c", End)
	_ = b.SetEntry("a")
	g, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	result, err := New(g).Run(context.Background(), "run-chain", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", result.Status)
	}
	if result.State["trail"] != "ABC" {
		t.Errorf("trail = %v, want ABC", result.State["trail"])
	}
	if result.Steps != 3 {
		t.Errorf("steps = %d, want 3", result.Steps)
	}
}

func TestRunDoesNotMutateCallerState(t *testing.T) {
	b := NewBuilder("iso")
	_ = b.AddNode("a", setKey("written", "yes"))
	_ = b.Connect("a", End)
	_ = b.SetEntry("a")
	g, _ := b.Finalize()

	initial := State{"existing": "value"}
	result, err := New(g).Run(context.Background(), "run-iso", initial)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := initial["written"]; ok {
		t.Error("caller's state map was mutated")
	}
	if result.State["written"] != "yes" || result.State["existing"] != "value" {
		t.Errorf("result state = %v", result.State)
	}
}

func fanJoinGraph(t *testing.T, b1Delay time.Duration, joinCalls *atomic.Int64) *Graph {
	t.Helper()
	b := NewBuilder("fanjoin")
	_ = b.AddNode("start", setKey("started", true))
	_ = b.AddNode("b1", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		if b1Delay > 0 {
			select {
			case <-time.After(b1Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return Patch{"winner": "b1", "from_b1": "v1"}, nil
	}))
	_ = b.AddNode("b2", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		return Patch{"winner": "b2", "from_b2": "v2"}, nil
	}))
	_ = b.AddJoin("join", countingNode(joinCalls, Patch{"joined": true}), []string{"b1", "b2"})
	_ = b.FanOut("start", "b1", "b2")
	_ = b.Connect("b1", "join")
	_ = b.Connect("b2", "join")
	_ = b.Connect("join", End)
	_ = b.SetEntry("start")
	g, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return g
}

func TestFanOutJoinMergeOrder(t *testing.T) {
	// b1 is declared first but finishes last; declared order must still win,
	// so the later-declared b2 overwrites the contested key.
	var joinCalls atomic.Int64
	g := fanJoinGraph(t, 30*time.Millisecond, &joinCalls)

	result, err := New(g).Run(context.Background(), "run-fanjoin", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State["winner"] != "b2" {
		t.Errorf("winner = %v, want b2 (declared-order merge)", result.State["winner"])
	}
	if result.State["from_b1"] != "v1" || result.State["from_b2"] != "v2" {
		t.Errorf("disjoint branch keys lost: %v", result.State)
	}
	if joinCalls.Load() != 1 {
		t.Errorf("join invoked %d times, want 1", joinCalls.Load())
	}
	if result.State["joined"] != true {
		t.Errorf("join patch missing")
	}
}

func TestStrictMergeConflict(t *testing.T) {
	var joinCalls atomic.Int64
	g := fanJoinGraph(t, 0, &joinCalls)

	result, err := New(g, WithStrictMerge()).Run(context.Background(), "run-strict", State{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Key != "winner" {
		t.Errorf("conflict key = %q, want winner", conflict.Key)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %v, want failed", result.Status)
	}
	if joinCalls.Load() != 0 {
		t.Errorf("join invoked despite conflict")
	}
}

func TestBranchFailureIsolation(t *testing.T) {
	boom := errors.New("branch exploded")
	var joinCalls atomic.Int64

	b := NewBuilder("failiso")
	_ = b.AddNode("start", setKey("started", true))
	_ = b.AddNode("ok", setKey("ok_result", "fine"))
	_ = b.AddNode("bad", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		return nil, boom
	}))
	_ = b.AddJoin("join", countingNode(&joinCalls, nil), []string{"ok", "bad"})
	_ = b.FanOut("start", "ok", "bad")
	_ = b.Connect("ok", "join")
	_ = b.Connect("bad", "join")
	_ = b.Connect("join", End)
	_ = b.SetEntry("start")
	g, _ := b.Finalize()

	result, err := New(g).Run(context.Background(), "run-failiso", State{})
	if result.Status != StatusFailed {
		t.Fatalf("status = %v, want failed (err=%v)", result.Status, err)
	}

	var inv *NodeInvocationError
	if !errors.As(err, &inv) {
		t.Fatalf("expected NodeInvocationError, got %v", err)
	}
	if inv.NodeID != "bad" {
		t.Errorf("failing node = %q, want bad", inv.NodeID)
	}
	if !errors.Is(err, boom) {
		t.Errorf("cause not preserved: %v", err)
	}

	// The sibling's patch merged before the failure surfaced; the join never
	// fired.
	if result.State["ok_result"] != "fine" {
		t.Errorf("successful sibling's patch missing: %v", result.State)
	}
	if joinCalls.Load() != 0 {
		t.Errorf("join invoked %d times after branch failure, want 0", joinCalls.Load())
	}
}

func routingGraph(t *testing.T, defaultTo string, aCalls, bCalls *atomic.Int64) *Graph {
	t.Helper()
	b := NewBuilder("triage")
	_ = b.AddDecision("classify", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		return nil, nil
	}))
	_ = b.AddNode("handlerA", countingNode(aCalls, Patch{"handled": "A"}))
	_ = b.AddNode("handlerB", countingNode(bCalls, Patch{"handled": "B"}))
	cond := Condition{
		Keys: []string{"simple", "complex"},
		Eval: func(s State) string {
			key, _ := s["complexity"].(string)
			return key
		},
	}
	routes := map[string]string{"simple": "handlerA"}
	if defaultTo == "" {
		routes["complex"] = "handlerB"
	}
	_ = b.ConnectWhen("classify", cond, routes, defaultTo)
	_ = b.Connect("handlerA", End)
	_ = b.Connect("handlerB", End)
	_ = b.SetEntry("classify")
	g, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return g
}

func TestConditionalRouting(t *testing.T) {
	t.Run("matched key routes exclusively", func(t *testing.T) {
		var aCalls, bCalls atomic.Int64
		g := routingGraph(t, "", &aCalls, &bCalls)

		result, err := New(g).Run(context.Background(), "run-route", State{"complexity": "complex"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result.State["handled"] != "B" {
			t.Errorf("handled = %v, want B", result.State["handled"])
		}
		if aCalls.Load() != 0 {
			t.Errorf("handlerA invoked on complex input")
		}
		if bCalls.Load() != 1 {
			t.Errorf("handlerB invoked %d times, want 1", bCalls.Load())
		}
	})

	t.Run("unmapped key is fatal", func(t *testing.T) {
		var aCalls, bCalls atomic.Int64
		g := routingGraph(t, "", &aCalls, &bCalls)

		result, err := New(g).Run(context.Background(), "run-unmapped", State{"complexity": "unknown"})
		var rerr *RoutingError
		if !errors.As(err, &rerr) {
			t.Fatalf("expected RoutingError, got %v", err)
		}
		if rerr.Key != "unknown" || rerr.NodeID != "classify" {
			t.Errorf("routing error = %+v", rerr)
		}
		if result.Status != StatusFailed {
			t.Errorf("status = %v, want failed", result.Status)
		}
	})

	t.Run("default catches unmapped keys", func(t *testing.T) {
		var aCalls, bCalls atomic.Int64
		g := routingGraph(t, "handlerB", &aCalls, &bCalls)

		result, err := New(g).Run(context.Background(), "run-default", State{"complexity": "anything"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result.State["handled"] != "B" {
			t.Errorf("handled = %v, want B via default", result.State["handled"])
		}
	})

	t.Run("condition sees the routing node's own patch", func(t *testing.T) {
		var aCalls, bCalls atomic.Int64
		b := NewBuilder("selfroute")
		_ = b.AddDecision("classify", setKey("verdict", "right"))
		_ = b.AddNode("handlerA", countingNode(&aCalls, Patch{"handled": "A"}))
		_ = b.AddNode("handlerB", countingNode(&bCalls, Patch{"handled": "B"}))
		cond := Condition{
			Keys: []string{"left", "right"},
			Eval: func(s State) string {
				key, _ := s["verdict"].(string)
				return key
			},
		}
		_ = b.ConnectWhen("classify", cond, map[string]string{"left": "handlerA", "right": "handlerB"}, "")
		_ = b.Connect("handlerA", End)
		_ = b.Connect("handlerB", End)
		_ = b.SetEntry("classify")
		g, _ := b.Finalize()

		result, err := New(g).Run(context.Background(), "run-selfroute", State{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result.State["handled"] != "B" {
			t.Errorf("handled = %v, want B", result.State["handled"])
		}
	})
}

func TestLoopBackEscape(t *testing.T) {
	var draftCalls, reviewCalls, publishCalls atomic.Int64

	b := NewBuilder("revise")
	_ = b.AddNode("draft", countingNode(&draftCalls, nil))
	_ = b.AddNode("review", countingNode(&reviewCalls, nil))
	_ = b.AddNode("publish", countingNode(&publishCalls, Patch{"published": true}))
	_ = b.Connect("draft", "review")
	_ = b.LoopBack("review", "draft", 2, "publish")
	_ = b.Connect("publish", End)
	_ = b.SetEntry("draft")
	g, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	result, err := New(g).Run(context.Background(), "run-loop", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Two back-jumps then escape: draft and review run 3 times each, publish
	// exactly once.
	if draftCalls.Load() != 3 {
		t.Errorf("draft ran %d times, want 3", draftCalls.Load())
	}
	if reviewCalls.Load() != 3 {
		t.Errorf("review ran %d times, want 3", reviewCalls.Load())
	}
	if publishCalls.Load() != 1 {
		t.Errorf("publish ran %d times, want 1", publishCalls.Load())
	}
	if result.State["published"] != true {
		t.Errorf("final state = %v", result.State)
	}
}

func TestMaxStepsExceeded(t *testing.T) {
	b := NewBuilder("runaway")
	_ = b.AddNode("a", noopNode())
	_ = b.AddNode("b", noopNode())
	_ = b.Connect("a", "b")
	_ = b.LoopBack("b", "a", 1000, End)
	_ = b.SetEntry("a")
	g, _ := b.Finalize()

	result, err := New(g, WithMaxSteps(5)).Run(context.Background(), "run-max", State{})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %v, want failed", result.Status)
	}
	if result.Steps != 5 {
		t.Errorf("steps = %d, want 5", result.Steps)
	}
}

func TestStarvedJoinDeadlock(t *testing.T) {
	// C routes away from the join at run time, so the join's barrier can
	// never complete.
	b := NewBuilder("starve")
	_ = b.AddNode("a", noopNode())
	_ = b.AddNode("b", noopNode())
	_ = b.AddDecision("c", noopNode())
	_ = b.AddNode("d", noopNode())
	_ = b.AddJoin("j", noopNode(), []string{"b", "c"})
	_ = b.FanOut("a", "b", "c")
	_ = b.Connect("b", "j")
	cond := Condition{
		Keys: []string{"go", "skip"},
		Eval: func(s State) string {
			key, _ := s["route"].(string)
			return key
		},
	}
	_ = b.ConnectWhen("c", cond, map[string]string{"go": "j", "skip": "d"}, "")
	_ = b.Connect("d", End)
	_ = b.Connect("j", End)
	_ = b.SetEntry("a")
	g, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	result, err := New(g).Run(context.Background(), "run-starve", State{"route": "skip"})
	if !errors.Is(err, ErrNoProgress) {
		t.Fatalf("expected ErrNoProgress, got %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %v, want failed", result.Status)
	}
}

func TestRunCancellation(t *testing.T) {
	b := NewBuilder("cancel")
	_ = b.AddNode("block", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	_ = b.Connect("block", End)
	_ = b.SetEntry("block")
	g, _ := b.Finalize()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := New(g).Run(ctx, "run-cancel", State{})
	if result.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled (err=%v)", result.Status, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNodeTimeout(t *testing.T) {
	b := NewBuilder("slow")
	_ = b.AddNode("slow", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		select {
		case <-time.After(time.Second):
			return Patch{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), WithTimeout(20*time.Millisecond))
	_ = b.Connect("slow", End)
	_ = b.SetEntry("slow")
	g, _ := b.Finalize()

	result, err := New(g).Run(context.Background(), "run-timeout", State{})
	if result.Status != StatusFailed {
		t.Fatalf("status = %v, want failed (err=%v)", result.Status, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped DeadlineExceeded", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Run("transient failure retried to success", func(t *testing.T) {
		var calls atomic.Int64
		b := NewBuilder("flaky")
		_ = b.AddNode("flaky", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return Patch{"ok": true}, nil
		}), WithRetry(&RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}))
		_ = b.Connect("flaky", End)
		_ = b.SetEntry("flaky")
		g, _ := b.Finalize()

		result, err := New(g).Run(context.Background(), "run-retry", State{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("node invoked %d times, want 3", calls.Load())
		}
		if result.State["ok"] != true {
			t.Errorf("final state = %v", result.State)
		}
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		var calls atomic.Int64
		boom := errors.New("still broken")
		b := NewBuilder("broken")
		_ = b.AddNode("broken", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
			calls.Add(1)
			return nil, boom
		}), WithRetry(&RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}))
		_ = b.Connect("broken", End)
		_ = b.SetEntry("broken")
		g, _ := b.Finalize()

		_, err := New(g).Run(context.Background(), "run-exhaust", State{})
		var inv *NodeInvocationError
		if !errors.As(err, &inv) {
			t.Fatalf("expected NodeInvocationError, got %v", err)
		}
		if inv.Attempts != 3 {
			t.Errorf("attempts = %d, want 3", inv.Attempts)
		}
		if calls.Load() != 3 {
			t.Errorf("node invoked %d times, want 3", calls.Load())
		}
	})

	t.Run("non-retryable error fails immediately", func(t *testing.T) {
		var calls atomic.Int64
		fatal := errors.New("fatal")
		b := NewBuilder("fatal")
		_ = b.AddNode("fatal", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
			calls.Add(1)
			return nil, fatal
		}), WithRetry(&RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
		}))
		_ = b.Connect("fatal", End)
		_ = b.SetEntry("fatal")
		g, _ := b.Finalize()

		_, err := New(g).Run(context.Background(), "run-fatal", State{})
		if !errors.Is(err, fatal) {
			t.Fatalf("expected fatal cause, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("node invoked %d times, want 1", calls.Load())
		}
	})

	t.Run("node without policy is never retried", func(t *testing.T) {
		var calls atomic.Int64
		b := NewBuilder("noretry")
		_ = b.AddNode("once", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
			calls.Add(1)
			return nil, errors.New("nope")
		}))
		_ = b.Connect("once", End)
		_ = b.SetEntry("once")
		g, _ := b.Finalize()

		_, err := New(g).Run(context.Background(), "run-noretry", State{})
		if err == nil {
			t.Fatal("expected failure")
		}
		if calls.Load() != 1 {
			t.Errorf("node invoked %d times, want 1", calls.Load())
		}
	})
}

func TestEventStream(t *testing.T) {
	buffered := emit.NewBufferedEmitter()

	b := NewBuilder("events")
	_ = b.AddNode("a", setKey("done", true))
	_ = b.Connect("a", End)
	_ = b.SetEntry("a")
	g, _ := b.Finalize()

	result, err := New(g, WithEmitter(buffered)).Run(context.Background(), "run-events", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	history := buffered.History("run-events")
	wantTypes := []emit.Type{emit.NodeStarted, emit.NodeCompleted, emit.GraphCompleted}
	if len(history) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(history), len(wantTypes), history)
	}
	for i, want := range wantTypes {
		if history[i].Type != want {
			t.Errorf("event %d type = %s, want %s", i, history[i].Type, want)
		}
		if history[i].Seq != i+1 {
			t.Errorf("event %d seq = %d, want %d", i, history[i].Seq, i+1)
		}
		if history[i].RunID != "run-events" {
			t.Errorf("event %d run id = %q", i, history[i].RunID)
		}
	}

	// The result carries the same stream independent of the emitter.
	if len(result.Events) != len(history) {
		t.Errorf("result has %d events, emitter saw %d", len(result.Events), len(history))
	}
}

func TestJoinWaitingEvents(t *testing.T) {
	buffered := emit.NewBufferedEmitter()
	var joinCalls atomic.Int64
	g := fanJoinGraph(t, 0, &joinCalls)

	_, err := New(g, WithEmitter(buffered)).Run(context.Background(), "run-joinwait", State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	waits := buffered.HistoryWithFilter("run-joinwait", emit.HistoryFilter{Type: emit.JoinWaiting})
	if len(waits) != 1 {
		t.Fatalf("got %d join_waiting events, want 1", len(waits))
	}
	if waits[0].NodeID != "join" {
		t.Errorf("join_waiting node = %q, want join", waits[0].NodeID)
	}
	if waits[0].Meta["arrived"] != 1 || waits[0].Meta["required"] != 2 {
		t.Errorf("join_waiting meta = %v", waits[0].Meta)
	}
}

func TestConcurrentRunsShareEngine(t *testing.T) {
	b := NewBuilder("shared")
	_ = b.AddNode("a", NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		id, _ := s["id"].(string)
		return Patch{"echo": id}, nil
	}))
	_ = b.Connect("a", End)
	_ = b.SetEntry("a")
	g, _ := b.Finalize()
	engine := New(g)

	const runs = 10
	results := make([]Result, runs)
	errs := make([]error, runs)
	done := make(chan int, runs)
	for i := 0; i < runs; i++ {
		go func(i int) {
			id := string(rune('a' + i))
			results[i], errs[i] = engine.Run(context.Background(), "run-"+id, State{"id": id})
			done <- i
		}(i)
	}
	for i := 0; i < runs; i++ {
		<-done
	}
	for i := 0; i < runs; i++ {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		want := string(rune('a' + i))
		if results[i].State["echo"] != want {
			t.Errorf("run %d echo = %v, want %s", i, results[i].State["echo"], want)
		}
	}
}
