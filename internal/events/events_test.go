package events

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_OrderedAndStamped(t *testing.T) {
	bus := NewBus("build_1", 8)
	require.True(t, bus.Emit(Event{Type: TextDelta, Text: "a"}))
	require.True(t, bus.Emit(Event{Type: TextDelta, Text: "b"}))
	require.True(t, bus.Emit(Event{Type: Finish, Reason: "completed"}))
	bus.Close()

	var got []Event
	for e := range bus.Events() {
		got = append(got, e)
	}
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, "build_1", e.SessionID)
		assert.False(t, e.Time.IsZero())
	}
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, Finish, got[2].Type)
}

func TestBus_FullBufferDrops(t *testing.T) {
	bus := NewBus("s", 2)
	assert.True(t, bus.Emit(Event{Type: TextDelta}))
	assert.True(t, bus.Emit(Event{Type: TextDelta}))
	assert.False(t, bus.Emit(Event{Type: TextDelta}))
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBus_TerminalEventsSurviveFullBuffer(t *testing.T) {
	bus := NewBus("s", 2)
	assert.True(t, bus.Emit(Event{Type: TextDelta}))
	assert.True(t, bus.Emit(Event{Type: TextDelta}))
	assert.False(t, bus.Emit(Event{Type: ToolStart}))
	assert.True(t, bus.Emit(Event{Type: Finish, Reason: "completed"}))
	assert.Equal(t, int64(1), bus.Dropped())
	bus.Close()

	var types []Type
	for e := range bus.Events() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []Type{TextDelta, TextDelta, Finish}, types)
}

func TestBus_TerminalEventWaitsForRoom(t *testing.T) {
	bus := NewBus("s", 1)
	require.True(t, bus.Emit(Event{Type: TextDelta}))
	for i := 0; i < terminalReserve; i++ {
		require.True(t, bus.Emit(Event{Type: Error}))
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		<-bus.Events()
	}()
	assert.True(t, bus.Emit(Event{Type: Finish}))
	assert.Zero(t, bus.Dropped())
}

func TestBus_TerminalEventGivesUp(t *testing.T) {
	bus := NewBus("s", 1)
	bus.terminalWait = 20 * time.Millisecond
	require.True(t, bus.Emit(Event{Type: TextDelta}))
	for i := 0; i < terminalReserve; i++ {
		require.True(t, bus.Emit(Event{Type: Error}))
	}
	assert.False(t, bus.Emit(Event{Type: Finish}))
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBus_EmitAfterClose(t *testing.T) {
	bus := NewBus("s", 2)
	bus.Close()
	bus.Close()
	assert.False(t, bus.Emit(Event{Type: Finish}))
}

func TestBus_KeepsForeignSessionID(t *testing.T) {
	bus := NewBus("parent", 2)
	bus.Emit(Event{Type: ToolStart, SessionID: "parent-explore1"})
	e := <-bus.Events()
	assert.Equal(t, "parent-explore1", e.SessionID)
}

func TestTagged(t *testing.T) {
	bus := NewBus("p", 4)
	em := Tagged(bus, map[string]interface{}{"parent": "p", "root": "p"})
	em.Emit(Event{Type: ToolStart, SessionID: "p-general1", Data: map[string]interface{}{"parent": "kept"}})
	e := <-bus.Events()
	assert.Equal(t, "kept", e.Data["parent"])
	assert.Equal(t, "p", e.Data["root"])
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	bus := NewBus("s", 16)
	var mu sync.Mutex
	var a, b []Type
	record := func(dst *[]Type, err error) Sink {
		return SinkFunc(func(e Event) error {
			mu.Lock()
			defer mu.Unlock()
			*dst = append(*dst, e.Type)
			return err
		})
	}
	sinkA := record(&a, nil)
	sinkB := record(&b, assert.AnError)

	done := make(chan struct{})
	go func() {
		Fanout(context.Background(), bus, sinkA, sinkB)
		close(done)
	}()
	bus.Emit(Event{Type: ToolStart})
	bus.Emit(Event{Type: ToolComplete})
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fanout did not stop after close")
	}
	assert.Equal(t, []Type{ToolStart, ToolComplete}, a)
	assert.Equal(t, []Type{ToolStart, ToolComplete}, b)
}

func TestJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	j, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, j.Handle(Event{Type: ToolStart, Tool: "read", SessionID: "s"}))
	require.NoError(t, j.Handle(Event{Type: Finish, Reason: "completed", SessionID: "s"}))
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "read", lines[0].Tool)
	assert.Equal(t, "completed", lines[1].Reason)
}

type recordingExporter struct {
	names []string
	data  []map[string]interface{}
}

func (r *recordingExporter) LogEvent(name string, data map[string]interface{}) {
	r.names = append(r.names, name)
	r.data = append(r.data, data)
}

func TestTelemetrySink_SkipsDeltas(t *testing.T) {
	exp := &recordingExporter{}
	sink := TelemetrySink{Exporter: exp}
	require.NoError(t, sink.Handle(Event{Type: TextDelta, Text: "x"}))
	require.NoError(t, sink.Handle(Event{Type: ToolComplete, Tool: "bash", SessionID: "s", Error: "exit 1"}))

	require.Equal(t, []string{"tool-complete"}, exp.names)
	assert.Equal(t, "bash", exp.data[0]["tool"])
	assert.Equal(t, "exit 1", exp.data[0]["error"])
}

func TestHub_FiltersBySession(t *testing.T) {
	hub := NewHub()
	all, cancelAll := hub.Subscribe("", 4)
	one, cancelOne := hub.Subscribe("a", 4)
	defer cancelAll()

	hub.Handle(Event{Type: ToolStart, SessionID: "a"})
	hub.Handle(Event{Type: ToolStart, SessionID: "b"})
	hub.Handle(Event{Type: ToolStart, SessionID: "a-explore1", Data: map[string]interface{}{"root": "a"}})

	assert.Len(t, all, 3)
	assert.Len(t, one, 2)

	cancelOne()
	cancelOne()
	_, ok := <-one
	assert.True(t, ok) // buffered events still readable
	hub.Handle(Event{Type: Finish, SessionID: "a"})
	assert.Len(t, all, 4)
}
