package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartAndStopWaitsForExit(t *testing.T) {
	m := NewManager()
	exited := make(chan struct{})

	m.Start(1, func(stop chan struct{}) {
		<-stop
		close(exited)
	})
	assert.Equal(t, []int{1}, m.Keys())

	m.Stop(1)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Stop returned before the task goroutine exited")
	}
	assert.Empty(t, m.Keys())
}

func TestStartReplacesExistingKey(t *testing.T) {
	m := NewManager()
	firstStopped := make(chan struct{})

	m.Start(1, func(stop chan struct{}) {
		<-stop
		close(firstStopped)
	})

	secondRunning := make(chan struct{})
	m.Start(1, func(stop chan struct{}) {
		close(secondRunning)
		<-stop
	})

	select {
	case <-firstStopped:
	case <-time.After(time.Second):
		t.Fatal("starting a new task under the same key did not stop the old one")
	}
	select {
	case <-secondRunning:
	case <-time.After(time.Second):
		t.Fatal("replacement task never started")
	}

	m.StopAll()
	assert.Empty(t, m.Keys())
}

func TestStopAllWaitsForEveryTask(t *testing.T) {
	m := NewManager()
	var stoppedCount int32
	done := make(chan struct{}, 3)

	for key := 0; key < 3; key++ {
		m.Start(key, func(stop chan struct{}) {
			<-stop
			done <- struct{}{}
		})
	}

	m.StopAll()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
			stoppedCount++
		default:
		}
	}
	assert.EqualValues(t, 3, stoppedCount)
	assert.Empty(t, m.Keys())
}

func TestStopUnknownKeyIsNoop(t *testing.T) {
	m := NewManager()
	assert.NotPanics(t, func() {
		m.Stop(42)
	})
}
