package workgroup

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGroupRunWithNoRegisteredFunctions(t *testing.T) {
	var g Group
	assert.NoError(t, g.Run(context.Background()))
}

func TestGroupFirstReturnValueIsReturnedToRunsCaller(t *testing.T) {
	var g Group
	wait := make(chan int)
	g.Add(func(<-chan struct{}) error {
		<-wait
		return io.EOF
	})

	g.Add(func(stop <-chan struct{}) error {
		<-stop
		return errors.New("stopped")
	})

	result := make(chan error)
	go func() {
		result <- g.Run(context.Background())
	}()
	close(wait)
	assert.Equal(t, io.EOF, <-result)
}

func TestGroupAddContext(t *testing.T) {
	var g Group
	wait := make(chan int)
	g.Add(func(<-chan struct{}) error {
		<-wait
		return io.EOF
	})

	g.AddContext(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	result := make(chan error)
	go func() {
		result <- g.Run(context.Background())
	}()
	close(wait)
	assert.Equal(t, io.EOF, <-result)
}

func TestGroupCancellation(t *testing.T) {
	var g Group
	ctx, cancel := context.WithCancel(context.Background())

	const tasks = 50
	var count int32

	for i := 0; i < tasks; i++ {
		i := i
		g.Add(func(stop <-chan struct{}) error {
			defer atomic.AddInt32(&count, 1)
			defer time.Sleep(time.Millisecond * time.Duration(i%5))
			<-stop
			return nil
		})
	}

	done := make(chan error)
	go func() {
		done <- g.Run(ctx)
	}()

	cancel()
	<-done

	assert.EqualValues(t, tasks, atomic.LoadInt32(&count))
}
